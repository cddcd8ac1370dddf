package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
	"github.com/clashmeter/clashmeter/internal/store"
)

var errBadTimeRange = errors.New("start and end must both be provided as ISO-8601 timestamps with start <= end")

// parseTimeRange reads the optional start/end query window. Both-or-none,
// ISO-8601, start <= end; a violation is a 400.
func parseTimeRange(r *http.Request) (*store.TimeRange, error) {
	startRaw := r.URL.Query().Get("start")
	endRaw := r.URL.Query().Get("end")
	if startRaw == "" && endRaw == "" {
		return nil, nil
	}
	if startRaw == "" || endRaw == "" {
		return nil, errBadTimeRange
	}

	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return nil, errBadTimeRange
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return nil, errBadTimeRange
	}
	if start.After(end) {
		return nil, errBadTimeRange
	}
	return &store.TimeRange{Start: start, End: end}, nil
}

// rangeEnd returns the window end, or zero when the query spans all time.
func rangeEnd(tr *store.TimeRange) time.Time {
	if tr == nil {
		return time.Time{}
	}
	return tr.End
}

// parseListParams reads pagination query parameters.
func parseListParams(r *http.Request) store.ListParams {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return store.ListParams{
		Offset:    offset,
		Limit:     limit,
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
		Search:    q.Get("search"),
	}
}

// parseLimit reads a bare limit parameter with a default.
func parseLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// resolveBackend resolves the target backend: explicit backendId query
// parameter, else the active backend. Neither resolving is a 404.
func resolveBackend(st *store.Store, r *http.Request) (model.Backend, error) {
	if id := r.URL.Query().Get("backendId"); id != "" {
		return st.GetBackend(id)
	}
	return st.GetActiveBackend()
}

// decodeBody strictly decodes a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// requireParam reads a mandatory query parameter.
func requireParam(r *http.Request, name string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", fmt.Errorf("missing required parameter %q", name)
	}
	return v, nil
}
