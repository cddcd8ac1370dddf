package realtime

import (
	"testing"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
)

func delta(host, ip, chain string, up, down int64, isNew bool, at time.Time) model.Delta {
	return model.Delta{
		ConnectionID: "c",
		Identity: model.Identity{
			Host:          host,
			RootDomain:    host,
			DestinationIP: ip,
			Chain:         chain,
			LandingProxy:  chain,
			Rule:          "Match",
			SourceIP:      "192.168.1.2",
			CountryCode:   "US",
		},
		Upload:   up,
		Download: down,
		At:       at,
		IsNew:    isNew,
	}
}

func TestApplyAndDrain(t *testing.T) {
	c := New()
	at := time.Now()

	c.Apply("b1", delta("a.example.com", "1.1.1.1", "HK", 100, 1000, true, at))
	c.Apply("b1", delta("a.example.com", "1.1.1.1", "HK", 50, 500, false, at))
	c.Apply("b1", delta("b.example.com", "2.2.2.2", "US", 10, 20, true, at))

	batch := c.Drain("b1")
	if batch.BackendID != "b1" {
		t.Fatalf("backend id = %q", batch.BackendID)
	}

	var total model.Stat
	for _, h := range batch.Hourly {
		total.Add(h.Stat)
	}
	if total.Upload != 160 || total.Download != 1520 || total.Connections != 2 {
		t.Errorf("hourly totals = %+v", total)
	}

	if len(batch.Domains) != 2 {
		t.Fatalf("domains = %d rows, want 2", len(batch.Domains))
	}
	for _, d := range batch.Domains {
		if d.Host == "a.example.com" {
			if d.Upload != 150 || d.Download != 1500 || d.Connections != 1 {
				t.Errorf("a.example.com = %+v", d.Stat)
			}
			if len(d.IPsSeen) != 1 || d.IPsSeen[0] != "1.1.1.1" {
				t.Errorf("ips seen = %v", d.IPsSeen)
			}
		}
	}
	if len(batch.Proxies) != 2 || len(batch.Rules) != 1 {
		t.Errorf("proxies = %d, rules = %d", len(batch.Proxies), len(batch.Rules))
	}
	if len(batch.DomainChains) != 2 || len(batch.IPDomains) != 2 || len(batch.IPChains) != 2 {
		t.Errorf("join rows = %d/%d/%d", len(batch.DomainChains), len(batch.IPDomains), len(batch.IPChains))
	}

	// Drain cleared everything: a second drain must be empty, so a
	// replayed flush cannot double-count.
	if again := c.Drain("b1"); !again.Empty() {
		t.Errorf("second drain not empty: %+v", again)
	}
}

func TestDrainUnknownBackend(t *testing.T) {
	c := New()
	if batch := c.Drain("nope"); !batch.Empty() || batch.BackendID != "nope" {
		t.Errorf("batch = %+v", batch)
	}
}

func TestEmptyDimensionKeysSkipped(t *testing.T) {
	c := New()
	d := model.Delta{
		ConnectionID: "c",
		Identity:     model.Identity{DestinationIP: "8.8.8.8", Chain: "DIRECT", Rule: "Match"},
		Upload:       5,
		Download:     7,
		At:           time.Now(),
		IsNew:        true,
	}
	c.Apply("b1", d)

	batch := c.Drain("b1")
	if len(batch.Domains) != 0 {
		t.Errorf("hostless delta must not create domain rows: %+v", batch.Domains)
	}
	if len(batch.IPs) != 1 || len(batch.Hourly) != 1 {
		t.Errorf("ips = %d, hourly = %d", len(batch.IPs), len(batch.Hourly))
	}
	if len(batch.DomainChains) != 0 || len(batch.IPDomains) != 0 {
		t.Errorf("host joins must be empty for hostless traffic")
	}
	if len(batch.IPChains) != 1 {
		t.Errorf("ip-chain join = %d rows, want 1", len(batch.IPChains))
	}
}

func TestReapplyRestoresRows(t *testing.T) {
	c := New()
	at := time.Now()
	c.Apply("b1", delta("a.example.com", "1.1.1.1", "HK", 100, 1000, true, at))

	batch := c.Drain("b1")

	// Flush failed for domains only: requeue that dimension.
	c.Reapply(&model.FlushBatch{BackendID: "b1", Domains: batch.Domains})

	again := c.Drain("b1")
	if len(again.Domains) != 1 {
		t.Fatalf("requeued domains = %d, want 1", len(again.Domains))
	}
	d := again.Domains[0]
	if d.Upload != 100 || d.Download != 1000 {
		t.Errorf("requeued stat = %+v", d.Stat)
	}
	if len(again.Hourly) != 0 {
		t.Errorf("hourly should not reappear, got %d rows", len(again.Hourly))
	}
}

func TestClearBackend(t *testing.T) {
	c := New()
	c.Apply("b1", delta("a.example.com", "1.1.1.1", "HK", 1, 1, true, time.Now()))
	c.Apply("b2", delta("b.example.com", "2.2.2.2", "US", 2, 2, true, time.Now()))

	c.ClearBackend("b1")

	if !c.Drain("b1").Empty() {
		t.Error("b1 should be empty after clear")
	}
	if c.Drain("b2").Empty() {
		t.Error("b2 must be untouched")
	}
}

func TestBackendsListsOnlyPending(t *testing.T) {
	c := New()
	if got := c.Backends(); len(got) != 0 {
		t.Fatalf("backends = %v, want none", got)
	}
	c.Apply("b2", delta("a.example.com", "", "", 1, 1, true, time.Now()))
	c.Apply("b1", delta("a.example.com", "", "", 1, 1, true, time.Now()))
	got := c.Backends()
	if len(got) != 2 || got[0] != "b1" || got[1] != "b2" {
		t.Fatalf("backends = %v, want [b1 b2]", got)
	}
	c.Drain("b1")
	got = c.Backends()
	if len(got) != 1 || got[0] != "b2" {
		t.Fatalf("backends after drain = %v, want [b2]", got)
	}
}

func TestTodayDelta(t *testing.T) {
	c := New()
	now := time.Now()
	c.Apply("b1", delta("a.example.com", "", "", 30, 70, true, now))
	c.Apply("b1", delta("a.example.com", "", "", 10, 20, false, now))

	today := c.TodayDelta("b1")
	if today.Upload != 40 || today.Download != 90 {
		t.Errorf("today = %+v, want (40, 90)", today)
	}
	if got := c.TodayDelta("absent"); got.Upload != 0 || got.Download != 0 {
		t.Errorf("unknown backend today = %+v", got)
	}
}

func TestTodayRollsOverAtMidnight(t *testing.T) {
	c := New()
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	c.Apply("b1", delta("a.example.com", "", "", 100, 100, true, yesterday))
	c.Apply("b1", delta("a.example.com", "", "", 5, 6, false, time.Now()))

	today := c.TodayDelta("b1")
	if today.Upload != 5 || today.Download != 6 {
		t.Errorf("today = %+v, want only post-midnight bytes (5, 6)", today)
	}
}

func TestShouldOverlay(t *testing.T) {
	tol := time.Minute
	if !ShouldOverlay(time.Time{}, tol) {
		t.Error("zero end means all-time, must overlay")
	}
	if !ShouldOverlay(time.Now(), tol) {
		t.Error("end at now must overlay")
	}
	if !ShouldOverlay(time.Now().Add(-30*time.Second), tol) {
		t.Error("end within tolerance must overlay")
	}
	if ShouldOverlay(time.Now().Add(-2*time.Minute), tol) {
		t.Error("end beyond tolerance must not overlay")
	}
	if !ShouldOverlay(time.Now().Add(time.Hour), tol) {
		t.Error("future end must overlay")
	}
}
