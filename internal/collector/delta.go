package collector

import (
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
)

// DefaultStaleTTL is how long an entry may sit in upstream reports
// without moving a single byte before the sweep drops it. Some upstreams
// keep dead connections in their listing instead of reporting a close.
const DefaultStaleTTL = 30 * time.Minute

type connState struct {
	lastUpload   int64
	lastDownload int64
	startedAt    time.Time
	lastActive   time.Time // last byte movement, not last sighting
	identity     model.Identity
}

// DeltaComputer turns a sequence of snapshots into byte-accurate deltas.
// State is owned exclusively by one session; no locking.
type DeltaComputer struct {
	identityFn func(model.ConnectionSnapshot) model.Identity
	staleTTL   time.Duration
	states     map[string]*connState
}

// NewDeltaComputer returns an empty computer. identityFn builds the
// frozen identity for a connection's first sighting.
func NewDeltaComputer(identityFn func(model.ConnectionSnapshot) model.Identity, staleTTL time.Duration) *DeltaComputer {
	if staleTTL <= 0 {
		staleTTL = DefaultStaleTTL
	}
	return &DeltaComputer{
		identityFn: identityFn,
		staleTTL:   staleTTL,
		states:     make(map[string]*connState),
	}
}

// Len reports the number of tracked connections.
func (d *DeltaComputer) Len() int { return len(d.states) }

// ProcessBaseline records every snapshot as a baseline without emitting
// deltas. Used for the first frame after a reconnect so bytes already
// counted in a previous subscription are not counted again.
func (d *DeltaComputer) ProcessBaseline(snaps []model.ConnectionSnapshot, at time.Time) {
	for _, c := range snaps {
		d.states[c.ID] = &connState{
			lastUpload:   c.Upload,
			lastDownload: c.Download,
			startedAt:    c.Start,
			lastActive:   at,
			identity:     d.identityFn(c),
		}
	}
}

// Process compares one snapshot against tracked state and emits deltas:
// initial counters for new connections, clamped non-negative increments
// for known ones, and close events for connections that disappeared.
func (d *DeltaComputer) Process(snaps []model.ConnectionSnapshot, at time.Time) []model.Delta {
	var out []model.Delta
	current := make(map[string]struct{}, len(snaps))

	for _, c := range snaps {
		current[c.ID] = struct{}{}
		st, ok := d.states[c.ID]
		if !ok {
			st = &connState{
				lastUpload:   c.Upload,
				lastDownload: c.Download,
				startedAt:    c.Start,
				lastActive:   at,
				identity:     d.identityFn(c),
			}
			d.states[c.ID] = st
			out = append(out, model.Delta{
				ConnectionID: c.ID,
				Identity:     st.identity,
				Upload:       c.Upload,
				Download:     c.Download,
				At:           at,
				IsNew:        true,
			})
			continue
		}

		du := c.Upload - st.lastUpload
		dd := c.Download - st.lastDownload
		if du < 0 || dd < 0 {
			// Upstream counter reset or id reuse: new baseline, zero delta.
			du, dd = 0, 0
		}
		st.lastUpload = c.Upload
		st.lastDownload = c.Download
		if du > 0 || dd > 0 {
			st.lastActive = at
		}
		out = append(out, model.Delta{
			ConnectionID: c.ID,
			Identity:     st.identity,
			Upload:       du,
			Download:     dd,
			At:           at,
		})
	}

	for id, st := range d.states {
		if _, ok := current[id]; ok {
			continue
		}
		out = append(out, model.Delta{
			ConnectionID:  id,
			Identity:      st.identity,
			At:            at,
			IsClosed:      true,
			FinalUpload:   st.lastUpload,
			FinalDownload: st.lastDownload,
			StartedAt:     st.startedAt,
		})
		delete(d.states, id)
	}

	// Entries still reported upstream but without traffic for staleTTL
	// are presumed dead and dropped.
	for id, st := range d.states {
		if at.Sub(st.lastActive) > d.staleTTL {
			delete(d.states, id)
		}
	}
	return out
}
