package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventRelayUpserted is emitted when a relay appears or its metadata changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a previously seen relay disappears.
	EventRelayRemoved EventType = "relay_removed"
)

var errScannerStopped = errors.New("discovery: relay scanner is stopped")

// EventType identifies relay discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type  EventType
	Relay Relay
}

// Relay is a relay endpoint found on the LAN.
type Relay struct {
	ID        string
	Name      string
	Version   int
	Path      string
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// URL returns the websocket URL of the relay, preferring the first
// resolved address over the host name.
func (r Relay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(r.Port)) + r.Path
}

func (r Relay) sameEndpoint(other Relay) bool {
	return r.ID == other.ID &&
		r.Name == other.Name &&
		r.Version == other.Version &&
		r.Path == other.Path &&
		r.HostName == other.HostName &&
		r.Port == other.Port &&
		slices.Equal(r.Addresses, other.Addresses)
}

// RelayScanner keeps a live view of the relays on the LAN. It browses on
// a fixed interval and whenever Refresh is called; each browse replaces
// the previous view and the differences are published on Events.
type RelayScanner struct {
	cfg    Config
	browse browseFunc

	mu     sync.RWMutex
	relays map[string]Relay

	events  chan Event
	refresh chan refreshRequest

	started  chan struct{}
	stopping chan struct{}
	start    sync.Once
	stop     sync.Once
	wg       sync.WaitGroup
}

type refreshRequest struct {
	ctx    context.Context
	result chan<- error
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	return &RelayScanner{
		cfg:      cfg,
		browse:   browse,
		relays:   make(map[string]Relay),
		events:   make(chan Event, 128),
		refresh:  make(chan refreshRequest),
		started:  make(chan struct{}),
		stopping: make(chan struct{}),
	}, nil
}

// Start begins background scanning. The first browse runs immediately.
func (s *RelayScanner) Start() {
	s.start.Do(func() {
		close(s.started)
		s.wg.Add(1)
		go s.run()
	})
}

// Stop ends background scanning and closes Events.
func (s *RelayScanner) Stop() {
	s.stop.Do(func() {
		close(s.stopping)
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates. Updates are dropped
// when the consumer falls behind.
func (s *RelayScanner) Events() <-chan Event {
	return s.events
}

// Refresh browses right away and returns once the view reflects it.
func (s *RelayScanner) Refresh(ctx context.Context) error {
	select {
	case <-s.started:
	default:
		return errors.New("discovery: relay scanner is not started")
	}

	result := make(chan error, 1)
	select {
	case s.refresh <- refreshRequest{ctx: ctx, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopping:
		return errScannerStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopping:
		return errScannerStopped
	}
}

// ListRelays returns the relays seen by the last browse, ordered by name.
func (s *RelayScanner) ListRelays() []Relay {
	s.mu.RLock()
	out := make([]Relay, 0, len(s.relays))
	for _, relay := range s.relays {
		out = append(out, relay)
	}
	s.mu.RUnlock()

	sortRelays(out)
	return out
}

func (s *RelayScanner) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopping
		cancel()
	}()

	if err := s.update(ctx); err != nil {
		s.cfg.Logger.Printf("discovery: browse %s: %v", s.cfg.Service, err)
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.update(ctx); err != nil {
				s.cfg.Logger.Printf("discovery: browse %s: %v", s.cfg.Service, err)
			}
		case req := <-s.refresh:
			reqCtx, cancelReq := context.WithCancel(req.ctx)
			detach := context.AfterFunc(ctx, cancelReq)
			req.result <- s.update(reqCtx)
			detach()
			cancelReq()
		case <-ctx.Done():
			return
		}
	}
}

// update browses once and swaps the result in as the current view.
func (s *RelayScanner) update(ctx context.Context) error {
	found, err := s.collect(ctx)
	if err != nil {
		return err
	}
	s.replace(found)
	return nil
}

// collect gathers every valid relay answering within ScanTimeout.
func (s *RelayScanner) collect(ctx context.Context) (map[string]Relay, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseDone := make(chan error, 1)
	go func() {
		browseDone <- s.browse(ctx, s.cfg.Service, s.cfg.Domain, entries)
	}()

	found := make(map[string]Relay)
	add := func(entry *zeroconf.ServiceEntry) {
		if entry == nil {
			return
		}
		if relay, ok := parseEntry(entry, s.cfg.IgnoreRelayID); ok {
			relay.LastSeen = time.Now()
			found[relay.ID] = relay
		}
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			add(entry)
		case err := <-browseDone:
			if err != nil {
				return nil, err
			}
			browseDone = nil
		case <-ctx.Done():
			// Keep whatever was answered before the window closed.
			for {
				select {
				case entry, ok := <-entries:
					if !ok {
						return found, nil
					}
					add(entry)
				default:
					return found, nil
				}
			}
		}
	}
}

func (s *RelayScanner) replace(next map[string]Relay) {
	s.mu.Lock()
	previous := s.relays
	s.relays = next
	s.mu.Unlock()

	for id, relay := range next {
		if old, ok := previous[id]; !ok || !old.sameEndpoint(relay) {
			s.publish(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}
	for id, relay := range previous {
		if _, ok := next[id]; !ok {
			s.publish(Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
}

func (s *RelayScanner) publish(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func sortRelays(relays []Relay) {
	slices.SortFunc(relays, func(a, b Relay) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// parseEntry turns an mDNS answer into a Relay. Answers without a relay
// id or port, and the ignored relay, are rejected.
func parseEntry(entry *zeroconf.ServiceEntry, ignoreRelayID string) (Relay, bool) {
	txt := parseTXT(entry.Text)

	id := txt[txtRelayID]
	if id == "" || id == ignoreRelayID || entry.Port <= 0 {
		return Relay{}, false
	}

	relay := Relay{
		ID:       id,
		Name:     strings.TrimSpace(entry.Instance),
		Path:     "/" + strings.TrimPrefix(txt[txtPath], "/"),
		HostName: entry.HostName,
		Port:     entry.Port,
	}
	if relay.Name == "" {
		relay.Name = id
	}
	if version, err := strconv.Atoi(txt[txtVersion]); err == nil {
		relay.Version = version
	}

	for _, ip := range entry.AddrIPv4 {
		relay.Addresses = appendAddress(relay.Addresses, ip)
	}
	for _, ip := range entry.AddrIPv6 {
		relay.Addresses = appendAddress(relay.Addresses, ip)
	}
	return relay, true
}

func appendAddress(addresses []string, ip net.IP) []string {
	if ip == nil {
		return addresses
	}
	raw := ip.String()
	if slices.Contains(addresses, raw) {
		return addresses
	}
	return append(addresses, raw)
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
