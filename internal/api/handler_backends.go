package api

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/clashmeter/clashmeter/internal/collector"
	"github.com/clashmeter/clashmeter/internal/model"
	"github.com/clashmeter/clashmeter/internal/store"
)

const backendTestTimeout = 5 * time.Second

// backendView is a backend with its token elided and live subscription
// health attached when a session is running.
type backendView struct {
	model.Backend
	HasToken bool              `json:"hasToken"`
	Health   *collector.Health `json:"health,omitempty"`
}

func (d *Deps) viewOf(b model.Backend) backendView {
	v := backendView{Backend: b, HasToken: b.Token != ""}
	if d.Supervisor != nil {
		if h, ok := d.Supervisor.Health(b.ID); ok {
			v.Health = &h
		}
	}
	return v
}

func (d *Deps) viewsOf(backends []model.Backend) []backendView {
	out := make([]backendView, 0, len(backends))
	for _, b := range backends {
		out = append(out, d.viewOf(b))
	}
	return out
}

// sync reconciles collector sessions after a backend mutation. Failures
// only log; the mutation itself already succeeded.
func (d *Deps) sync() {
	if d.Supervisor == nil {
		return
	}
	if err := d.Supervisor.Sync(); err != nil {
		log.Printf("[api] supervisor sync: %v", err)
	}
}

// HandleListBackends lists all backends, tokens elided.
func HandleListBackends(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backends, err := d.Store.ListBackends()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, d.viewsOf(backends))
	})
}

// HandleActiveBackend returns the backend marked active.
func HandleActiveBackend(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := d.Store.GetActiveBackend()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, d.viewOf(b))
	})
}

// HandleListeningBackends lists backends with ingestion running.
func HandleListeningBackends(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backends, err := d.Store.ListeningBackends()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, d.viewsOf(backends))
	})
}

// HandleGetBackend returns one backend by id.
func HandleGetBackend(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := d.Store.GetBackend(r.PathValue("id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, d.viewOf(b))
	})
}

type createBackendRequest struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

// HandleCreateBackend registers a backend. The first backend created
// becomes active; duplicate names are a 409.
func HandleCreateBackend(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createBackendRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.URL) == "" {
			WriteError(w, http.StatusBadRequest, "name and url are required")
			return
		}
		if _, err := collector.SubscriptionURL(req.URL); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		b, err := d.Store.CreateBackend(req.Name, req.URL, req.Token)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		d.sync()
		WriteJSON(w, http.StatusCreated, d.viewOf(b))
	})
}

type updateBackendRequest struct {
	Name      *string `json:"name"`
	URL       *string `json:"url"`
	Token     *string `json:"token"`
	Enabled   *bool   `json:"enabled"`
	Listening *bool   `json:"listening"`
}

// HandleUpdateBackend applies a partial update.
func HandleUpdateBackend(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req updateBackendRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
			WriteError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		if req.URL != nil {
			if _, err := collector.SubscriptionURL(*req.URL); err != nil {
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		b, err := d.Store.UpdateBackend(r.PathValue("id"), store.BackendPatch{
			Name:      req.Name,
			URL:       req.URL,
			Token:     req.Token,
			Enabled:   req.Enabled,
			Listening: req.Listening,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		d.sync()
		WriteJSON(w, http.StatusOK, d.viewOf(b))
	})
}

// HandleDeleteBackend removes a backend; its rows cascade and its
// pending cache state is dropped.
func HandleDeleteBackend(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := d.Store.DeleteBackend(id); err != nil {
			writeStoreError(w, err)
			return
		}
		d.Cache.ClearBackend(id)
		d.sync()
		WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	})
}

// HandleActivateBackend marks one backend active, clearing the flag on
// all others.
func HandleActivateBackend(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := d.Store.SetActiveBackend(id); err != nil {
			writeStoreError(w, err)
			return
		}
		b, err := d.Store.GetBackend(id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, d.viewOf(b))
	})
}

type setListeningRequest struct {
	Listening bool `json:"listening"`
}

// HandleSetListening toggles runtime ingestion for one backend.
func HandleSetListening(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req setListeningRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		b, err := d.Store.SetListening(r.PathValue("id"), req.Listening)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		d.sync()
		WriteJSON(w, http.StatusOK, d.viewOf(b))
	})
}

type testResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// HandleTestBackend opens one WebSocket handshake against a stored
// backend's endpoint.
func HandleTestBackend(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := d.Store.GetBackend(r.PathValue("id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, probeResult(b.URL, b.Token))
	})
}

type testConfigRequest struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// HandleTestBackendConfig tests connectivity for an unsaved backend
// configuration.
func HandleTestBackendConfig(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req testConfigRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.URL) == "" {
			WriteError(w, http.StatusBadRequest, "url is required")
			return
		}
		WriteJSON(w, http.StatusOK, probeResult(req.URL, req.Token))
	})
}

func probeResult(url, token string) testResult {
	if err := collector.Probe(url, token, backendTestTimeout); err != nil {
		return testResult{Success: false, Error: err.Error()}
	}
	return testResult{Success: true}
}

// HandleClearBackendData wipes one backend's aggregates and pending
// cache state.
func HandleClearBackendData(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := d.Store.GetBackend(id); err != nil {
			writeStoreError(w, err)
			return
		}

		counts, err := d.Store.CleanupOldData(id, 0)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		d.Cache.ClearBackend(id)
		WriteJSON(w, http.StatusOK, counts)
	})
}
