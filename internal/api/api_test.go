package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
	"github.com/clashmeter/clashmeter/internal/realtime"
	"github.com/clashmeter/clashmeter/internal/store"
)

type testEnv struct {
	handler http.Handler
	store   *store.Store
	cache   *realtime.Cache
	token   string
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cache := realtime.New()
	d := &Deps{Store: st, Cache: cache, Tolerance: 2 * time.Minute}
	srv := NewServer(0, token, 1<<20, d)
	return &testEnv{handler: srv.Handler(), store: st, cache: cache, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (e *testEnv) mustBackend(t *testing.T, name string) model.Backend {
	t.Helper()
	b, err := e.store.CreateBackend(name, "http://127.0.0.1:9090", "")
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	return b
}

func TestHealthIsPublic(t *testing.T) {
	e := newTestEnv(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without auth", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthMiddleware(t *testing.T) {
	e := newTestEnv(t, "secret")
	e.mustBackend(t, "router")

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/stats/summary", nil)
		if c.header != "" {
			req.Header.Set("Authorization", c.header)
		}
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Errorf("%s: status = %d, want %d", c.name, rec.Code, c.want)
		}
		if c.want == http.StatusUnauthorized {
			if body := decode[ErrorResponse](t, rec); body.Error == "" {
				t.Errorf("%s: error envelope empty", c.name)
			}
		}
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	e := newTestEnv(t, "")
	e.mustBackend(t, "router")

	rec := e.do(t, http.MethodGet, "/api/stats/summary", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with auth disabled", rec.Code)
	}
}

func TestSummaryMergesStoreAndPending(t *testing.T) {
	e := newTestEnv(t, "")
	b := e.mustBackend(t, "router")

	now := time.Now()
	err := e.store.UpsertHourly([]model.HourlyRow{{
		BackendID: b.ID, Bucket: model.HourBucket(now),
		Stat: model.Stat{Upload: 100, Download: 1000, Connections: 1},
	}})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	e.cache.Apply(b.ID, model.Delta{
		ConnectionID: "c1",
		Identity:     model.Identity{Host: "a.example.com", Chain: "HK", Rule: "Match"},
		Upload:       11, Download: 22, At: now, IsNew: true,
	})

	rec := e.do(t, http.MethodGet, "/api/stats/summary", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	sum := decode[model.Summary](t, rec)
	if !sum.Overlaid {
		t.Error("windowless query must be overlaid")
	}
	if sum.TotalUpload != 111 || sum.TotalDownload != 1022 || sum.TotalConnections != 2 {
		t.Errorf("totals = (%d, %d, %d), want store+pending (111, 1022, 2)",
			sum.TotalUpload, sum.TotalDownload, sum.TotalConnections)
	}
}

func TestSummaryPastWindowSkipsOverlay(t *testing.T) {
	e := newTestEnv(t, "")
	b := e.mustBackend(t, "router")

	now := time.Now()
	past := now.Add(-2 * time.Hour)
	err := e.store.UpsertHourly([]model.HourlyRow{{
		BackendID: b.ID, Bucket: model.HourBucket(past),
		Stat: model.Stat{Download: 500},
	}})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	e.cache.Apply(b.ID, model.Delta{
		ConnectionID: "c1", Identity: model.Identity{Host: "a.example.com"},
		Download: 9999, At: now, IsNew: true,
	})

	// End ten minutes ago, well outside the 2m tolerance: store only.
	path := "/api/stats/summary?start=" + past.Add(-time.Hour).UTC().Format(time.RFC3339) +
		"&end=" + now.Add(-10*time.Minute).UTC().Format(time.RFC3339)
	rec := e.do(t, http.MethodGet, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	sum := decode[model.Summary](t, rec)
	if sum.Overlaid {
		t.Error("stale window must not be overlaid")
	}
	if sum.TotalDownload != 500 {
		t.Errorf("download = %d, want store-only 500", sum.TotalDownload)
	}
}

func TestTimeRangeValidation(t *testing.T) {
	e := newTestEnv(t, "")
	e.mustBackend(t, "router")

	bad := []string{
		"/api/stats/summary?start=2026-08-26T00:00:00Z",                              // one-sided
		"/api/stats/summary?end=2026-08-26T00:00:00Z",                                // one-sided
		"/api/stats/summary?start=notatime&end=2026-08-26T00:00:00Z",                 // unparsable
		"/api/stats/summary?start=2026-08-26T10:00:00Z&end=2026-08-26T00:00:00Z",     // start > end
		"/api/stats/domains?start=2026-08-26T10:00:00Z&end=2026-08-26T00:00:00Z",     // same rules on lists
		"/api/stats/connections?start=2026-08-26T10:00:00Z&end=2026-08-26T00:00:00Z", // and records
	}
	for _, path := range bad {
		rec := e.do(t, http.MethodGet, path, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
		if body := decode[ErrorResponse](t, rec); body.Error == "" {
			t.Errorf("%s: error envelope empty", path)
		}
	}
}

func TestNoActiveBackendIs404(t *testing.T) {
	e := newTestEnv(t, "")
	rec := e.do(t, http.MethodGet, "/api/stats/summary", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 with no backends", rec.Code)
	}
}

func TestExplicitBackendSelection(t *testing.T) {
	e := newTestEnv(t, "")
	active := e.mustBackend(t, "active")
	other := e.mustBackend(t, "other")

	err := e.store.UpsertHourly([]model.HourlyRow{
		{BackendID: active.ID, Bucket: 7200, Stat: model.Stat{Download: 100}},
		{BackendID: other.ID, Bucket: 7200, Stat: model.Stat{Download: 900}},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := e.do(t, http.MethodGet, "/api/stats/summary?backendId="+other.ID, nil)
	sum := decode[model.Summary](t, rec)
	if sum.TotalDownload != 900 {
		t.Errorf("download = %d, want the named backend's 900", sum.TotalDownload)
	}

	rec = e.do(t, http.MethodGet, "/api/stats/summary?backendId=missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown backendId: status = %d, want 404", rec.Code)
	}
}

func TestDomainListEndpoint(t *testing.T) {
	e := newTestEnv(t, "")
	b := e.mustBackend(t, "router")

	err := e.store.UpsertDomains([]model.DomainRow{
		{BackendID: b.ID, Host: "a.example.com", Bucket: 7200, Stat: model.Stat{Download: 100}},
		{BackendID: b.ID, Host: "b.example.com", Bucket: 7200, Stat: model.Stat{Download: 300}},
		{BackendID: b.ID, Host: "c.other.org", Bucket: 7200, Stat: model.Stat{Download: 200}},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := e.do(t, http.MethodGet, "/api/stats/domains?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	page := decode[model.Page[model.DomainAgg]](t, rec)
	if page.Total != 3 || len(page.Data) != 2 {
		t.Errorf("page = %d/%d, want 3 total 2 rows", page.Total, len(page.Data))
	}
	if page.Data[0].Host != "b.example.com" {
		t.Errorf("first = %q, want download desc", page.Data[0].Host)
	}

	rec = e.do(t, http.MethodGet, "/api/stats/domains?search=example", nil)
	page = decode[model.Page[model.DomainAgg]](t, rec)
	if page.Total != 2 {
		t.Errorf("filtered total = %d, want 2", page.Total)
	}
}

func TestDrillDownsRequireKeyParam(t *testing.T) {
	e := newTestEnv(t, "")
	e.mustBackend(t, "router")

	paths := []string{
		"/api/stats/domains/proxy-stats",
		"/api/stats/domains/ip-details",
		"/api/stats/ips/proxy-stats",
		"/api/stats/ips/domain-details",
		"/api/stats/proxies",
		"/api/stats/rules/domains",
		"/api/stats/rules/chains",
	}
	for _, path := range paths {
		rec := e.do(t, http.MethodGet, path, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400 without key param", path, rec.Code)
		}
	}
}

func TestProxyTotalsOverlay(t *testing.T) {
	e := newTestEnv(t, "")
	b := e.mustBackend(t, "router")

	err := e.store.UpsertProxies([]model.ProxyRow{
		{BackendID: b.ID, Chain: "HK", Bucket: model.HourBucket(time.Now()), Stat: model.Stat{Download: 100}},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	e.cache.Apply(b.ID, model.Delta{
		ConnectionID: "c1", Identity: model.Identity{Chain: "HK"},
		Download: 50, At: time.Now(), IsNew: true,
	})

	rec := e.do(t, http.MethodGet, "/api/stats/proxies?chain=HK", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[proxyTotalsResponse](t, rec)
	if resp.Download != 150 {
		t.Errorf("download = %d, want 150 overlaid", resp.Download)
	}
	if !resp.Overlaid {
		t.Error("overlaid flag not set")
	}
}

func TestTrendEndpoint(t *testing.T) {
	e := newTestEnv(t, "")
	b := e.mustBackend(t, "router")

	e.cache.Apply(b.ID, model.Delta{
		ConnectionID: "c1", Identity: model.Identity{Host: "a.example.com"},
		Download: 77, At: time.Now(), IsNew: true,
	})

	rec := e.do(t, http.MethodGet, "/api/stats/trend", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	points := decode[[]model.TrendPoint](t, rec)
	var total int64
	for _, p := range points {
		total += p.Download
	}
	if total != 77 {
		t.Errorf("trend total = %d, pending deltas must always show on trend", total)
	}
}

func TestGlobalEndpointSkipsOverlay(t *testing.T) {
	e := newTestEnv(t, "")
	b := e.mustBackend(t, "router")
	e.cache.Apply(b.ID, model.Delta{
		ConnectionID: "c1", Identity: model.Identity{Host: "a.example.com"},
		Download: 500, At: time.Now(), IsNew: true,
	})

	rec := e.do(t, http.MethodGet, "/api/stats/global", nil)
	g := decode[model.GlobalStats](t, rec)
	if g.TotalDownload != 0 {
		t.Errorf("global download = %d, want persisted-only 0", g.TotalDownload)
	}
	if len(g.Backends) != 1 {
		t.Errorf("backends = %+v", g.Backends)
	}
}
