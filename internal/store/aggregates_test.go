package store

import (
	"fmt"
	"testing"

	"github.com/clashmeter/clashmeter/internal/geoip"
	"github.com/clashmeter/clashmeter/internal/model"
)

func seedHourly(t *testing.T, s *Store, backendID string, bucket, up, down, conns int64) {
	t.Helper()
	err := s.UpsertHourly([]model.HourlyRow{{
		BackendID: backendID,
		Bucket:    bucket,
		Stat:      model.Stat{Upload: up, Download: down, Connections: conns},
	}})
	if err != nil {
		t.Fatalf("seed hourly: %v", err)
	}
}

func TestUpsertHourlyIsAdditive(t *testing.T) {
	s := newTestStore(t)
	b := mustBackend(t, s, "router")

	seedHourly(t, s, b.ID, 7200, 100, 1000, 2)
	seedHourly(t, s, b.ID, 7200, 50, 500, 1)

	sum, err := s.QuerySummary(b.ID, nil)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalUpload != 150 || sum.TotalDownload != 1500 || sum.TotalConnections != 3 {
		t.Errorf("totals = (%d, %d, %d), want (150, 1500, 3)",
			sum.TotalUpload, sum.TotalDownload, sum.TotalConnections)
	}
}

func TestUpsertDomainsMergesSeenSetsAndLastSeen(t *testing.T) {
	s := newTestStore(t)
	b := mustBackend(t, s, "router")

	row := model.DomainRow{
		BackendID: b.ID, Host: "a.example.com", RootDomain: "example.com", Bucket: 7200,
		IPsSeen: []string{"1.1.1.1"}, ChainsSeen: []string{"HK"},
		Stat: model.Stat{Upload: 10, Download: 20, Connections: 1, LastSeen: 100},
	}
	if err := s.UpsertDomains([]model.DomainRow{row}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	row.IPsSeen = []string{"1.1.1.1", "2.2.2.2"}
	row.ChainsSeen = []string{"US"}
	row.Stat = model.Stat{Upload: 5, Download: 5, Connections: 0, LastSeen: 50}
	if err := s.UpsertDomains([]model.DomainRow{row}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var up, down, lastSeen int64
	var ips, chains string
	err := s.db.QueryRow(
		`SELECT upload, download, last_seen, ips_seen, chains_seen
		 FROM domain_stats WHERE backend_id=? AND host=? AND bucket=?`,
		b.ID, "a.example.com", 7200,
	).Scan(&up, &down, &lastSeen, &ips, &chains)
	if err != nil {
		t.Fatalf("read row: %v", err)
	}
	if up != 15 || down != 25 {
		t.Errorf("bytes = (%d, %d), want (15, 25)", up, down)
	}
	if lastSeen != 100 {
		t.Errorf("last_seen = %d, want max 100", lastSeen)
	}
	if ips != `["1.1.1.1","2.2.2.2"]` {
		t.Errorf("ips_seen = %s", ips)
	}
	if chains != `["HK","US"]` {
		t.Errorf("chains_seen = %s", chains)
	}
}

func TestSeenSetsBounded(t *testing.T) {
	s := newTestStore(t)
	b := mustBackend(t, s, "router")

	var ips []string
	for i := 0; i < maxSeenEntries+20; i++ {
		ips = append(ips, fmt.Sprintf("10.0.0.%d", i))
	}
	row := model.DomainRow{
		BackendID: b.ID, Host: "busy.example.com", Bucket: 7200,
		IPsSeen: ips, Stat: model.Stat{Upload: 1},
	}
	if err := s.UpsertDomains([]model.DomainRow{row}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var raw string
	err := s.db.QueryRow(
		`SELECT ips_seen FROM domain_stats WHERE backend_id=? AND host=?`, b.ID, "busy.example.com",
	).Scan(&raw)
	if err != nil {
		t.Fatalf("read row: %v", err)
	}
	// Count entries without unmarshalling the bound constant into the test.
	n := 0
	for _, c := range raw {
		if c == ',' {
			n++
		}
	}
	if n+1 > maxSeenEntries {
		t.Errorf("seen set holds %d entries, bound is %d", n+1, maxSeenEntries)
	}
}

func TestUpsertIPsFillsCountryFromResolver(t *testing.T) {
	geo := &geoip.StaticResolver{Entries: map[string]geoip.Info{
		"8.8.8.8": {CountryCode: "US", Location: "United States"},
	}}
	s := newTestStoreGeo(t, geo)
	b := mustBackend(t, s, "router")

	err := s.UpsertIPs([]model.IPRow{{
		BackendID: b.ID, IP: "8.8.8.8", Bucket: 7200,
		Stat: model.Stat{Upload: 1, Download: 2},
	}})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var cc, loc string
	err = s.db.QueryRow(
		`SELECT country_code, location FROM ip_stats WHERE backend_id=? AND ip=?`, b.ID, "8.8.8.8",
	).Scan(&cc, &loc)
	if err != nil {
		t.Fatalf("read row: %v", err)
	}
	if cc != "US" || loc != "United States" {
		t.Errorf("geo = (%q, %q), want filled from resolver", cc, loc)
	}
}

func TestUpsertIPsKeepsExistingCountry(t *testing.T) {
	s := newTestStore(t)
	b := mustBackend(t, s, "router")

	first := model.IPRow{
		BackendID: b.ID, IP: "1.1.1.1", Bucket: 7200,
		CountryCode: "AU", Location: "Australia",
		Stat: model.Stat{Download: 1},
	}
	if err := s.UpsertIPs([]model.IPRow{first}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := first
	second.CountryCode = "US"
	second.Location = "United States"
	if err := s.UpsertIPs([]model.IPRow{second}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var cc string
	if err := s.db.QueryRow(`SELECT country_code FROM ip_stats WHERE ip='1.1.1.1'`).Scan(&cc); err != nil {
		t.Fatalf("read row: %v", err)
	}
	if cc != "AU" {
		t.Errorf("country = %q, existing attribution must win", cc)
	}
}

func TestUpsertSplitRetryDiscardsBadRows(t *testing.T) {
	s := newTestStore(t)
	b := mustBackend(t, s, "router")

	rows := []model.ProxyRow{
		{BackendID: b.ID, Chain: "HK", Bucket: 7200, Stat: model.Stat{Upload: 1}},
		{BackendID: "no-such-backend", Chain: "BAD", Bucket: 7200, Stat: model.Stat{Upload: 1}},
		{BackendID: b.ID, Chain: "US", Bucket: 7200, Stat: model.Stat{Upload: 2}},
	}
	if err := s.UpsertProxies(rows); err != nil {
		t.Fatalf("upsert with bad row: %v", err)
	}

	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM proxy_stats`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("rows persisted = %d, want the 2 healthy ones", n)
	}
}

func TestUpsertEmptyBatchIsNoop(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertHourly(nil); err != nil {
		t.Errorf("empty hourly batch: %v", err)
	}
	if err := s.UpsertDomains(nil); err != nil {
		t.Errorf("empty domain batch: %v", err)
	}
}
