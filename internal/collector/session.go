package collector

import (
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clashmeter/clashmeter/internal/geoip"
	"github.com/clashmeter/clashmeter/internal/model"
	"github.com/clashmeter/clashmeter/internal/realtime"
)

const (
	handshakeTimeout  = 5 * time.Second
	backoffBase       = time.Second
	backoffMax        = 30 * time.Second
	healthFrameWindow = 60 * time.Second
)

// SessionState tracks the subscription lifecycle.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateConnecting
	StateOpen
	StateBackoff
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Health is the externally visible condition of one subscription.
type Health struct {
	Status      string    `json:"status"` // healthy, unhealthy, unknown
	State       string    `json:"state"`
	LastFrameAt time.Time `json:"lastFrameAt,omitzero"`
	LastError   string    `json:"lastError,omitempty"`
}

// ConnectionRecorder receives closed-connection records. Satisfied by the
// store; stubbed in tests.
type ConnectionRecorder interface {
	InsertConnectionRecord(model.ConnectionRecord) error
}

// Session maintains one backend's WebSocket subscription: dial, read,
// decode, delta, fan out, reconnect with backoff.
type Session struct {
	backend  model.Backend
	cache    *realtime.Cache
	recorder ConnectionRecorder
	geo      geoip.Resolver
	staleTTL time.Duration

	mu          sync.Mutex
	state       SessionState
	conn        *websocket.Conn
	lastFrameAt time.Time
	lastError   string
	everOpen    bool
	decodeFails int64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewSession builds a session; Start launches it.
func NewSession(backend model.Backend, cache *realtime.Cache, recorder ConnectionRecorder, geo geoip.Resolver, staleTTL time.Duration) *Session {
	return &Session{
		backend:  backend,
		cache:    cache,
		recorder: recorder,
		geo:      geo,
		staleTTL: staleTTL,
		state:    StateIdle,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Backend returns the configuration this session was started with.
func (s *Session) Backend() model.Backend { return s.backend }

// Start launches the subscription loop.
func (s *Session) Start() {
	go s.run()
}

// Stop closes the socket, wakes any backoff sleep, and waits until all
// in-flight frame processing has completed.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.done
}

// Health reports subscription condition: healthy iff open with a frame
// inside the window.
func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{
		Status:      "unknown",
		State:       s.state.String(),
		LastFrameAt: s.lastFrameAt,
		LastError:   s.lastError,
	}
	switch {
	case s.state == StateOpen && !s.lastFrameAt.IsZero() && time.Since(s.lastFrameAt) <= healthFrameWindow:
		h.Status = "healthy"
	case s.everOpen || s.lastError != "":
		h.Status = "unhealthy"
	}
	return h
}

func (s *Session) run() {
	defer close(s.done)

	attempts := 0
	for {
		if s.stopped() {
			s.setState(StateStopped)
			return
		}

		s.setState(StateConnecting)
		conn, err := s.dial()
		if err != nil {
			s.recordError(err)
			log.Printf("[collector] %s: connect failed: %v", s.backend.Name, err)
			attempts++
			if !s.sleepBackoff(attempts) {
				s.setState(StateStopped)
				return
			}
			continue
		}

		s.markOpen(conn)
		attempts = 0
		log.Printf("[collector] %s: subscribed", s.backend.Name)

		err = s.readLoop(conn)
		conn.Close()
		s.clearConn()
		if s.stopped() {
			s.setState(StateStopped)
			return
		}
		s.recordError(err)
		log.Printf("[collector] %s: subscription lost: %v", s.backend.Name, err)
		attempts++
		if !s.sleepBackoff(attempts) {
			s.setState(StateStopped)
			return
		}
	}
}

// readLoop consumes frames until the socket errors. A panic inside frame
// handling is captured and surfaces as a loop error, moving the session
// into backoff instead of killing the process.
func (s *Session) readLoop(conn *websocket.Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[collector] %s: panic in read loop: %v", s.backend.Name, r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	dc := NewDeltaComputer(func(c model.ConnectionSnapshot) model.Identity {
		return buildIdentity(c, s.geo)
	}, s.staleTTL)
	first := true

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return rerr
		}

		snaps, derr := decodeFrame(data)
		if derr != nil {
			s.mu.Lock()
			s.decodeFails++
			n := s.decodeFails
			s.mu.Unlock()
			log.Printf("[collector] %s: dropped undecodable frame (%d total): %v", s.backend.Name, n, derr)
			continue
		}

		s.markFrame()
		at := time.Now()
		if first {
			// The first frame lists connections whose bytes may already
			// have been counted, by a previous subscription or a previous
			// process. It only establishes baselines; deltas start with
			// the second frame.
			first = false
			dc.ProcessBaseline(snaps, at)
			continue
		}
		s.fanOut(dc.Process(snaps, at))
	}
}

// fanOut applies deltas to the realtime cache and writes best-effort
// records for closed connections.
func (s *Session) fanOut(deltas []model.Delta) {
	for _, d := range deltas {
		if d.Upload > 0 || d.Download > 0 || d.IsNew || d.IsClosed {
			s.cache.Apply(s.backend.ID, d)
		}
		if !d.IsClosed || s.recorder == nil {
			continue
		}
		rec := model.ConnectionRecord{
			ID:            d.ConnectionID,
			BackendID:     s.backend.ID,
			Host:          d.Identity.Host,
			DestinationIP: d.Identity.DestinationIP,
			Chain:         d.Identity.Chain,
			Rule:          d.Identity.Rule,
			SourceIP:      d.Identity.SourceIP,
			Upload:        d.FinalUpload,
			Download:      d.FinalDownload,
			StartedAt:     d.StartedAt,
			ClosedAt:      d.At,
		}
		go func(rec model.ConnectionRecord) {
			if err := s.recorder.InsertConnectionRecord(rec); err != nil {
				log.Printf("[collector] %s: connection record %s: %v", s.backend.Name, rec.ID, err)
			}
		}(rec)
	}
}

func (s *Session) dial() (*websocket.Conn, error) {
	target, err := SubscriptionURL(s.backend.URL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if s.backend.Token != "" {
		header.Set("Authorization", "Bearer "+s.backend.Token)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.Dial(target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	s.mu.Lock()
	stopped := false
	select {
	case <-s.stopCh:
		stopped = true
	default:
		s.conn = conn
	}
	s.mu.Unlock()
	if stopped {
		conn.Close()
		return nil, fmt.Errorf("session stopped")
	}
	return conn, nil
}

// sleepBackoff waits min(base·2^(attempts-1), max) jittered ±20%.
// Returns false when the session was stopped during the wait.
func (s *Session) sleepBackoff(attempts int) bool {
	s.setState(StateBackoff)

	delay := backoffBase << (attempts - 1)
	if delay > backoffMax || delay <= 0 {
		delay = backoffMax
	}
	jittered := time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))

	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) markOpen(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.everOpen = true
	s.state = StateOpen
	s.conn = conn
	s.lastError = ""
}

func (s *Session) clearConn() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

func (s *Session) markFrame() {
	s.mu.Lock()
	s.lastFrameAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) recordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// SubscriptionURL normalizes a backend URL into the WebSocket
// /connections endpoint: http(s) schemes become ws(s), and the
// /connections path is appended when missing.
func SubscriptionURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse backend url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/connections") {
		u.Path = strings.TrimRight(u.Path, "/") + "/connections"
	}
	return u.String(), nil
}

// Probe opens one WebSocket handshake against a backend URL to verify
// reachability and credentials. Used by the connectivity test endpoints.
func Probe(rawURL, token string, timeout time.Duration) error {
	target, err := SubscriptionURL(rawURL)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = handshakeTimeout
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.Dial(target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return fmt.Errorf("connect %s: %w", target, err)
	}
	conn.Close()
	return nil
}
