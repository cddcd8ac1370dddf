package flusher

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
	"github.com/clashmeter/clashmeter/internal/realtime"
	"github.com/clashmeter/clashmeter/internal/store"
)

func testDelta(up, down int64, isNew bool) model.Delta {
	return model.Delta{
		ConnectionID: "c1",
		Identity: model.Identity{
			Host:          "a.example.com",
			RootDomain:    "example.com",
			DestinationIP: "1.1.1.1",
			Chain:         "HK",
			LandingProxy:  "HK",
			Rule:          "Match",
			SourceIP:      "192.168.1.2",
		},
		Upload:   up,
		Download: down,
		At:       time.Now(),
		IsNew:    isNew,
	}
}

func TestFlushAllRoundTrip(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	b, err := st.CreateBackend("router", "http://127.0.0.1:9090", "")
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}

	cache := realtime.New()
	cache.Apply(b.ID, testDelta(100, 1000, true))
	cache.Apply(b.ID, testDelta(50, 500, false))

	f := New(cache, st, time.Minute)
	f.FlushAll()

	sum, err := st.QuerySummary(b.ID, nil)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalUpload != 150 || sum.TotalDownload != 1500 || sum.TotalConnections != 1 {
		t.Errorf("persisted totals = (%d, %d, %d), want (150, 1500, 1)",
			sum.TotalUpload, sum.TotalDownload, sum.TotalConnections)
	}
	if len(sum.TopDomains) != 1 || sum.TopDomains[0].Host != "a.example.com" {
		t.Errorf("top domains = %+v", sum.TopDomains)
	}
	if len(sum.ProxyStats) != 1 || sum.ProxyStats[0].Key != "HK" {
		t.Errorf("proxy stats = %+v", sum.ProxyStats)
	}

	// Cache drained: flushing again must not double-count.
	f.FlushAll()
	sum, err = st.QuerySummary(b.ID, nil)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalUpload != 150 {
		t.Errorf("upload after second flush = %d, want unchanged 150", sum.TotalUpload)
	}
	if got := cache.Backends(); len(got) != 0 {
		t.Errorf("pending backends after flush = %v, want none", got)
	}
}

// failingWriter fails one dimension and accepts the rest.
type failingWriter struct {
	failHourly bool
	hourly     []model.HourlyRow
	domains    []model.DomainRow
}

func (w *failingWriter) UpsertHourly(rows []model.HourlyRow) error {
	if w.failHourly {
		return errors.New("disk on fire")
	}
	w.hourly = append(w.hourly, rows...)
	return nil
}
func (w *failingWriter) UpsertDomains(rows []model.DomainRow) error {
	w.domains = append(w.domains, rows...)
	return nil
}
func (w *failingWriter) UpsertIPs([]model.IPRow) error                         { return nil }
func (w *failingWriter) UpsertProxies([]model.ProxyRow) error                  { return nil }
func (w *failingWriter) UpsertRules([]model.RuleRow) error                     { return nil }
func (w *failingWriter) UpsertDevices([]model.DeviceRow) error                 { return nil }
func (w *failingWriter) UpsertCountries([]model.CountryRow) error              { return nil }
func (w *failingWriter) UpsertDomainChains([]model.DomainChainRow) error       { return nil }
func (w *failingWriter) UpsertIPDomains([]model.IPDomainRow) error             { return nil }
func (w *failingWriter) UpsertIPChains([]model.IPChainRow) error               { return nil }
func (w *failingWriter) UpsertRuleDomainChains([]model.RuleDomainChainRow) error { return nil }

func TestFailedDimensionRequeues(t *testing.T) {
	cache := realtime.New()
	cache.Apply("b1", testDelta(100, 1000, true))

	w := &failingWriter{failHourly: true}
	f := New(cache, w, time.Minute)
	f.FlushAll()

	if len(w.domains) != 1 {
		t.Fatalf("domains written = %d, healthy dimensions must still flush", len(w.domains))
	}

	// The failed dimension is back in the cache; a later flush retries it.
	w.failHourly = false
	f.FlushAll()
	if len(w.hourly) != 1 {
		t.Fatalf("hourly rows after retry = %d, want 1", len(w.hourly))
	}
	if w.hourly[0].Upload != 100 || w.hourly[0].Download != 1000 {
		t.Errorf("retried row = %+v", w.hourly[0].Stat)
	}
	// Only the requeued dimension reappears; domains are not re-flushed.
	if len(w.domains) != 1 {
		t.Errorf("domains re-flushed: %d rows", len(w.domains))
	}
}

func TestStopRunsFinalFlush(t *testing.T) {
	cache := realtime.New()
	w := &failingWriter{}
	f := New(cache, w, time.Hour) // interval long enough that only Stop flushes

	f.Start()
	cache.Apply("b1", testDelta(7, 9, true))
	f.Stop()

	if len(w.hourly) != 1 || w.hourly[0].Upload != 7 {
		t.Fatalf("final flush rows = %+v, want the pending delta", w.hourly)
	}
}
