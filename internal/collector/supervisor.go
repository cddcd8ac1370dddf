package collector

import (
	"log"
	"sync"
	"time"

	"github.com/clashmeter/clashmeter/internal/geoip"
	"github.com/clashmeter/clashmeter/internal/model"
	"github.com/clashmeter/clashmeter/internal/realtime"
)

// BackendLister supplies the desired subscription set. Satisfied by the
// store.
type BackendLister interface {
	ListeningBackends() ([]model.Backend, error)
}

// Supervisor reconciles running sessions against the backends that are
// enabled and listening. All mutations serialize on one mutex.
type Supervisor struct {
	backends BackendLister
	cache    *realtime.Cache
	recorder ConnectionRecorder
	geo      geoip.Resolver
	staleTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSupervisor builds a supervisor with no running sessions.
func NewSupervisor(backends BackendLister, cache *realtime.Cache, recorder ConnectionRecorder, geo geoip.Resolver, staleTTL time.Duration) *Supervisor {
	return &Supervisor{
		backends: backends,
		cache:    cache,
		recorder: recorder,
		geo:      geo,
		staleTTL: staleTTL,
		sessions: make(map[string]*Session),
	}
}

// Sync loads the desired backend set and starts/stops/replaces sessions
// to match. Called at startup and after every backend mutation.
func (s *Supervisor) Sync() error {
	desired, err := s.backends.ListeningBackends()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]model.Backend, len(desired))
	for _, b := range desired {
		want[b.ID] = b
	}

	for id, sess := range s.sessions {
		b, ok := want[id]
		if ok && sess.Backend().URL == b.URL && sess.Backend().Token == b.Token {
			continue
		}
		if ok {
			log.Printf("[supervisor] restarting session for %s (config changed)", sess.Backend().Name)
		} else {
			log.Printf("[supervisor] stopping session for %s", sess.Backend().Name)
		}
		sess.Stop()
		delete(s.sessions, id)
	}

	for id, b := range want {
		if _, running := s.sessions[id]; running {
			continue
		}
		log.Printf("[supervisor] starting session for %s", b.Name)
		sess := NewSession(b, s.cache, s.recorder, s.geo, s.staleTTL)
		sess.Start()
		s.sessions[id] = sess
	}
	return nil
}

// StopAll stops every session and waits for their frame processing to
// drain. Used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.Stop()
		delete(s.sessions, id)
	}
}

// Health returns one backend's subscription health; ok is false when no
// session is running for it.
func (s *Supervisor) Health(backendID string) (Health, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[backendID]
	if !ok {
		return Health{}, false
	}
	return sess.Health(), true
}
