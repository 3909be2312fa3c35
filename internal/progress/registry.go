// Package progress routes pipeline progress to the subscriber waiting on a
// session id. A Registry is safe for concurrent use and never blocks the
// publisher: a slow subscriber loses intermediate updates, never the final one.
package progress

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultIdleTimeout = 3 * time.Minute
	DefaultBuffer      = 64
	minBuffer          = 2
)

var ErrEmptySession = errors.New("session id is required")

type Registry struct {
	mu     sync.Mutex
	sinks  map[string]*sink
	idle   time.Duration
	buffer int
	logger *slog.Logger
}

type Option func(*Registry)

// WithIdleTimeout sets how long a session may stay open without activity.
// Zero disables expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idle = d }
}

func WithBuffer(n int) Option {
	return func(r *Registry) {
		if n < minBuffer {
			n = minBuffer
		}
		r.buffer = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sinks:  map[string]*sink{},
		idle:   DefaultIdleTimeout,
		buffer: DefaultBuffer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type sink struct {
	id     string
	ch     chan Notification
	timer  *time.Timer
	closed bool
}

// offer enqueues without blocking. The last buffer slot is kept for the
// terminal notification. Callers hold the registry lock.
func (s *sink) offer(n Notification) bool {
	if s.closed {
		return false
	}
	if !n.Terminal() && len(s.ch) >= cap(s.ch)-1 {
		return false
	}
	select {
	case s.ch <- n:
		return true
	default:
		return false
	}
}

func (s *sink) close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.ch)
}

// Subscription is the receiving end of one open session.
type Subscription struct {
	SessionID string
	C         <-chan Notification

	reg  *Registry
	sink *sink
}

// Close unregisters the session if this subscription still owns it.
func (s *Subscription) Close() {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	if cur, ok := s.reg.sinks[s.SessionID]; ok && cur == s.sink {
		delete(s.reg.sinks, s.SessionID)
	}
	s.sink.close()
}

// Open registers a sink for sessionID and queues the connected handshake.
// A later Open for the same id replaces this one and closes its channel.
func (r *Registry) Open(sessionID string) (*Subscription, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	s := &sink{id: sessionID, ch: make(chan Notification, r.buffer)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sinks[sessionID]; ok {
		old.close()
		r.logger.Info("progress session replaced", "session_id", sessionID)
	}
	r.sinks[sessionID] = s
	s.offer(Notification{Type: KindConnected, SessionID: sessionID})
	if r.idle > 0 {
		s.timer = time.AfterFunc(r.idle, func() { r.expire(s) })
	}
	return &Subscription{SessionID: sessionID, C: s.ch, reg: r, sink: s}, nil
}

// Publish delivers p if a subscriber exists. It reports whether the update
// was queued; a miss or a full buffer is not an error.
func (r *Registry) Publish(sessionID string, p Progress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[sessionID]
	if !ok {
		return false
	}
	if s.timer != nil {
		s.timer.Reset(r.idle)
	}
	queued := s.offer(progressNotification(sessionID, p))
	if !queued {
		r.logger.Debug("progress update dropped", "session_id", sessionID, "step", p.Step)
	}
	return queued
}

// Complete sends the terminal complete notification and closes the session.
func (r *Registry) Complete(sessionID string) bool {
	return r.finish(sessionID, Notification{Type: KindComplete, SessionID: sessionID})
}

// Fail sends the terminal error notification and closes the session.
func (r *Registry) Fail(sessionID string, err error) bool {
	msg := "analysis failed"
	if err != nil {
		msg = err.Error()
	}
	return r.finish(sessionID, Notification{Type: KindError, SessionID: sessionID, Message: msg})
}

func (r *Registry) finish(sessionID string, n Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[sessionID]
	if !ok {
		return false
	}
	delete(r.sinks, sessionID)
	s.offer(n)
	s.close()
	return true
}

func (r *Registry) expire(s *sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sinks[s.id]; !ok || cur != s {
		return
	}
	delete(r.sinks, s.id)
	s.offer(Notification{Type: KindError, SessionID: s.id, Message: "progress session expired"})
	s.close()
	r.logger.Info("progress session expired", "session_id", s.id)
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

// Reporter is the sink a pipeline run publishes to.
type Reporter interface {
	Publish(Progress)
	Complete()
	Fail(error)
}

// Reporter binds the registry to one session. An empty id yields Discard.
func (r *Registry) Reporter(sessionID string) Reporter {
	if r == nil || strings.TrimSpace(sessionID) == "" {
		return Discard
	}
	return sessionReporter{reg: r, id: strings.TrimSpace(sessionID)}
}

type sessionReporter struct {
	reg *Registry
	id  string
}

func (s sessionReporter) Publish(p Progress) { s.reg.Publish(s.id, p) }
func (s sessionReporter) Complete()          { s.reg.Complete(s.id) }
func (s sessionReporter) Fail(err error)     { s.reg.Fail(s.id, err) }

type discard struct{}

func (discard) Publish(Progress) {}
func (discard) Complete()        {}
func (discard) Fail(error)       {}

// Discard drops every notification.
var Discard Reporter = discard{}
