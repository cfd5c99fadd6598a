package discovery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestRelayScannerIgnoresSelfAndRefreshes(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		IgnoreRelayID:   "self-relay",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-relay", "Self", 8787, "10.0.0.1")
			entries <- testServiceEntry("relay-1", "Attic", 8787, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("relay-2", "Basement", 8788, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		relays := scanner.ListRelays()
		return len(relays) == 1 && relays[0].ID == "relay-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	relays := scanner.ListRelays()
	if len(relays) != 2 || relays[0].Name != "Attic" || relays[1].Name != "Basement" {
		t.Fatalf("unexpected relays after refresh: %+v", relays)
	}
}

func TestRelayScannerEmitsRemovalEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("relay-1", "Attic", 8787, "10.0.0.2")
			}
			entries <- testServiceEntry("relay-2", "Basement", 8788, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	upserted := make(map[string]bool)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-scanner.Events():
			switch event.Type {
			case EventRelayUpserted:
				upserted[event.Relay.ID] = true
			case EventRelayRemoved:
				if event.Relay.ID != "relay-1" {
					t.Fatalf("unexpected removal of %s", event.Relay.ID)
				}
				if !upserted["relay-1"] || !upserted["relay-2"] {
					t.Fatalf("expected upserts before removal, got %v", upserted)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for removal event")
		}
	}
}

func TestRelayScannerRefreshRequiresStart(t *testing.T) {
	scanner, err := NewRelayScanner(Config{
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error before Start")
	}
}

func TestParseEntryRejectsIncompleteRecords(t *testing.T) {
	entry := testServiceEntry("", "Nameless", 8787, "10.0.0.9")
	if _, ok := parseEntry(entry, ""); ok {
		t.Fatalf("expected entry without relay id to be rejected")
	}

	entry = testServiceEntry("relay-9", "Portless", 0, "10.0.0.9")
	if _, ok := parseEntry(entry, ""); ok {
		t.Fatalf("expected entry without port to be rejected")
	}

	entry = testServiceEntry("relay-9", "", 8787, "10.0.0.9")
	entry.Text = []string{"relay_id=relay-9", "path=v1/store", "junk"}
	relay, ok := parseEntry(entry, "")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if relay.Name != "relay-9" || relay.Path != "/v1/store" || relay.Version != 0 {
		t.Fatalf("unexpected parsed relay: %+v", relay)
	}
}
