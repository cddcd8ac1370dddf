package api

import (
	"net/http"

	"github.com/clashmeter/clashmeter/internal/model"
)

type dbStatsResponse struct {
	Tables    map[string]int64 `json:"tables"`
	FileBytes int64            `json:"fileBytes"`
}

// HandleDBStats reports per-table row counts and database file size.
func HandleDBStats(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counts, size, err := d.Store.TableCounts()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, dbStatsResponse{Tables: counts, FileBytes: size})
	})
}

type cleanupRequest struct {
	Days      int    `json:"days"`
	BackendID string `json:"backendId"`
}

// HandleDBCleanup applies retention: days > 0 trims old rows, days == 0
// wipes the named backend's data entirely (all backends when omitted).
func HandleDBCleanup(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cleanupRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Days < 0 {
			WriteError(w, http.StatusBadRequest, "days must not be negative")
			return
		}
		if req.BackendID != "" {
			if _, err := d.Store.GetBackend(req.BackendID); err != nil {
				writeStoreError(w, err)
				return
			}
		}

		counts, err := d.Store.CleanupOldData(req.BackendID, req.Days)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if req.Days == 0 {
			if req.BackendID != "" {
				d.Cache.ClearBackend(req.BackendID)
			} else {
				for _, id := range d.Cache.Backends() {
					d.Cache.ClearBackend(id)
				}
			}
		}
		WriteJSON(w, http.StatusOK, counts)
	})
}

// HandleDBVacuum reclaims free database pages.
func HandleDBVacuum(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := d.Store.Vacuum(); err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"vacuumed": true})
	})
}

// HandleGetRetention reads the retention policy.
func HandleGetRetention(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, err := d.Store.GetRetentionConfig()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rc)
	})
}

// HandleUpdateRetention validates and persists the retention policy.
func HandleUpdateRetention(d *Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rc model.RetentionConfig
		if err := decodeBody(r, &rc); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := d.Store.UpdateRetentionConfig(rc); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, rc)
	})
}
