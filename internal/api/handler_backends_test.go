package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
)

func TestCreateBackend(t *testing.T) {
	e := newTestEnv(t, "")

	rec := e.do(t, http.MethodPost, "/api/backends", map[string]string{
		"name": "router", "url": "http://10.0.0.1:9090", "token": "s3cret",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	view := decode[backendView](t, rec)
	if view.Name != "router" || !view.IsActive {
		t.Errorf("view = %+v, first backend must be active", view)
	}
	if !view.HasToken {
		t.Error("hasToken should be set")
	}
	if strings.Contains(rec.Body.String(), "s3cret") {
		t.Error("token leaked into the response body")
	}
}

func TestCreateBackendValidation(t *testing.T) {
	e := newTestEnv(t, "")

	cases := []map[string]string{
		{"name": "", "url": "http://10.0.0.1:9090"},
		{"name": "router", "url": ""},
		{"name": "router", "url": "ftp://10.0.0.1"},
	}
	for _, body := range cases {
		rec := e.do(t, http.MethodPost, "/api/backends", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("create %v: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestCreateBackendDuplicateNameIs409(t *testing.T) {
	e := newTestEnv(t, "")
	e.mustBackend(t, "router")

	rec := e.do(t, http.MethodPost, "/api/backends", map[string]string{
		"name": "router", "url": "http://10.0.0.2:9090",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if body := decode[ErrorResponse](t, rec); !strings.Contains(body.Error, "router") {
		t.Errorf("error = %q, want the offending name", body.Error)
	}
}

func TestUpdateBackendPartialBody(t *testing.T) {
	e := newTestEnv(t, "")
	b := e.mustBackend(t, "router")

	rec := e.do(t, http.MethodPut, "/api/backends/"+b.ID, map[string]any{
		"listening": false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	view := decode[backendView](t, rec)
	if view.Listening {
		t.Error("listening should be off")
	}
	if view.Name != "router" {
		t.Errorf("name = %q, untouched field changed", view.Name)
	}

	rec = e.do(t, http.MethodPut, "/api/backends/"+b.ID, map[string]any{"name": " "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank name: status = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodPut, "/api/backends/"+b.ID, map[string]any{"bogus": 1})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", rec.Code)
	}
}

func TestDeleteBackendClearsPendingState(t *testing.T) {
	e := newTestEnv(t, "")
	b := e.mustBackend(t, "router")
	e.cache.Apply(b.ID, model.Delta{
		ConnectionID: "c1", Identity: model.Identity{Host: "a.example.com"},
		Download: 1, At: time.Now(), IsNew: true,
	})

	rec := e.do(t, http.MethodDelete, "/api/backends/"+b.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := e.cache.Backends(); len(got) != 0 {
		t.Errorf("pending cache state survived delete: %v", got)
	}

	rec = e.do(t, http.MethodDelete, "/api/backends/"+b.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", rec.Code)
	}
}

func TestActivateBackend(t *testing.T) {
	e := newTestEnv(t, "")
	e.mustBackend(t, "first")
	second := e.mustBackend(t, "second")

	rec := e.do(t, http.MethodPost, "/api/backends/"+second.ID+"/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	view := decode[backendView](t, rec)
	if !view.IsActive {
		t.Error("activated backend not marked active")
	}

	rec = e.do(t, http.MethodGet, "/api/backends/active", nil)
	active := decode[backendView](t, rec)
	if active.ID != second.ID {
		t.Errorf("active = %s, want %s", active.ID, second.ID)
	}
}

func TestSetListeningEndpoint(t *testing.T) {
	e := newTestEnv(t, "")
	b := e.mustBackend(t, "router")

	rec := e.do(t, http.MethodPost, "/api/backends/"+b.ID+"/listening", map[string]bool{"listening": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	view := decode[backendView](t, rec)
	if view.Listening {
		t.Error("listening should be off")
	}

	rec = e.do(t, http.MethodGet, "/api/backends/listening", nil)
	views := decode[[]backendView](t, rec)
	if len(views) != 0 {
		t.Errorf("listening backends = %+v, want none", views)
	}
}

func TestListBackendsElidesTokens(t *testing.T) {
	e := newTestEnv(t, "")
	if _, err := e.store.CreateBackend("router", "http://10.0.0.1:9090", "topsecret"); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := e.do(t, http.MethodGet, "/api/backends", nil)
	if strings.Contains(rec.Body.String(), "topsecret") {
		t.Error("token leaked into the listing")
	}
	views := decode[[]backendView](t, rec)
	if len(views) != 1 || !views[0].HasToken {
		t.Errorf("views = %+v", views)
	}
}

func TestClearBackendData(t *testing.T) {
	e := newTestEnv(t, "")
	b := e.mustBackend(t, "router")
	other := e.mustBackend(t, "other")

	err := e.store.UpsertHourly([]model.HourlyRow{
		{BackendID: b.ID, Bucket: 7200, Stat: model.Stat{Download: 100}},
		{BackendID: other.ID, Bucket: 7200, Stat: model.Stat{Download: 200}},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	e.cache.Apply(b.ID, model.Delta{
		ConnectionID: "c1", Identity: model.Identity{Host: "a.example.com"},
		Download: 1, At: time.Now(), IsNew: true,
	})

	rec := e.do(t, http.MethodPost, "/api/backends/"+b.ID+"/clear-data", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	counts := decode[model.CleanupResult](t, rec)
	if counts["hourly_stats"] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if got := e.cache.Backends(); len(got) != 0 {
		t.Errorf("pending cache survived clear: %v", got)
	}

	rec = e.do(t, http.MethodGet, "/api/stats/summary?backendId="+other.ID, nil)
	sum := decode[model.Summary](t, rec)
	if sum.TotalDownload != 200 {
		t.Errorf("other backend download = %d, must be untouched", sum.TotalDownload)
	}
}
