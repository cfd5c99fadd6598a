// Package discovery advertises relays on the LAN over mDNS and finds them
// from chat clients.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"chatsync/network"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_chatsync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background relay discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

const (
	txtRelayID = "relay_id"
	txtVersion = "version"
	txtPath    = "path"
)

// ErrNoRelay indicates a scan finished without a compatible relay.
var ErrNoRelay = errors.New("discovery: no compatible relay found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay advertisement and scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	// Advertised relay identity.
	RelayID   string
	RelayName string
	Port      int
	Path      string

	// IgnoreRelayID hides one relay from scan results, typically our own.
	IgnoreRelayID string

	Logger *log.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = network.ProtocolVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Path == "" {
		out.Path = network.StorePath
	}
	if out.RelayName == "" {
		out.RelayName = out.RelayID
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.RelayID) == "" {
		return errors.New("relay ID is required")
	}
	if c.Port <= 0 {
		return errors.New("relay port must be > 0")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("relay path %q must start with /", c.Path)
	}
	return nil
}

// Advertiser publishes one relay via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the relay described by config.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		txtRelayID + "=" + cfg.RelayID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtPath + "=" + cfg.Path,
	}

	server, err := cfg.registerFn(cfg.RelayName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// FindRelay runs one scan and returns the first relay speaking config's
// protocol version, ordered by name.
func FindRelay(ctx context.Context, config Config) (Relay, error) {
	scanner, err := NewRelayScanner(config)
	if err != nil {
		return Relay{}, err
	}
	found, err := scanner.collect(ctx)
	if err != nil {
		return Relay{}, fmt.Errorf("browse %s: %w", scanner.cfg.Service, err)
	}

	relays := make([]Relay, 0, len(found))
	for _, relay := range found {
		if relay.Version == scanner.cfg.Version {
			relays = append(relays, relay)
		}
	}
	if len(relays) == 0 {
		return Relay{}, ErrNoRelay
	}
	sortRelays(relays)
	return relays[0], nil
}
