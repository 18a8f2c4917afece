// Package ws owns the subscriber connections: registration, liveness
// via heartbeat, and chunked fan-out.
package ws

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chenchen71956/ContribTracker/internal/app/metrics"
	"github.com/chenchen71956/ContribTracker/pkg/logger"
)

const (
	// DefaultHeartbeatInterval is the ping cadence.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultLivenessTimeout is two heartbeat periods of silence.
	DefaultLivenessTimeout = 60 * time.Second

	// chunkSize bounds how many sends happen back-to-back during a
	// heartbeat or broadcast pass.
	chunkSize = 10
)

// session couples a transport with its last-acknowledged-liveness time.
// Removal is one-way: a reconnect produces a new session.
type session struct {
	transport Transport

	mu      sync.Mutex
	lastAck time.Time
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAck = now
	s.mu.Unlock()
}

func (s *session) lastAckTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

// SnapshotFunc supplies the full-listing frame sent to a subscriber that
// asks for (or is owed) the current state.
type SnapshotFunc func(ctx context.Context) ([]byte, error)

// Registry is the thread-safe set of live subscriber sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	snapshot SnapshotFunc
	limiter  *rate.Limiter
	log      *logger.Logger
	m        *metrics.Metrics
}

// NewRegistry creates an empty registry. The pacer bounds chunk bursts
// during heartbeat and broadcast passes. Logger and metrics may be nil.
func NewRegistry(log *logger.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = logger.NewDefault("ws")
	}
	return &Registry{
		sessions: make(map[string]*session),
		// One chunk per 50ms keeps a large subscriber set from
		// monopolizing the scheduler in one burst.
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		log:     log,
		m:       m,
	}
}

// SetSnapshotFunc wires the provider used to answer check requests and
// greet new subscribers. Must be called before Serve.
func (r *Registry) SetSnapshotFunc(fn SnapshotFunc) { r.snapshot = fn }

// Add registers a transport and sends it the current full listing.
func (r *Registry) Add(ctx context.Context, t Transport) {
	s := &session{transport: t, lastAck: time.Now()}

	r.mu.Lock()
	r.sessions[t.RemoteID()] = s
	count := len(r.sessions)
	r.mu.Unlock()

	if r.m != nil {
		r.m.SessionsActive.Set(float64(count))
	}
	r.log.WithField("remote", t.RemoteID()).WithField("sessions", count).Info("subscriber connected")

	r.sendSnapshot(ctx, s)
}

// Remove drops the session and closes its transport. Safe to call twice.
func (r *Registry) Remove(remoteID string) {
	r.mu.Lock()
	s, ok := r.sessions[remoteID]
	if ok {
		delete(r.sessions, remoteID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.transport.Close()
	if r.m != nil {
		r.m.SessionsActive.Set(float64(count))
	}
	r.log.WithField("remote", remoteID).Info("subscriber removed")
}

// Touch records an acknowledgement from the peer.
func (r *Registry) Touch(remoteID string) {
	r.mu.RLock()
	s, ok := r.sessions[remoteID]
	r.mu.RUnlock()
	if ok {
		s.touch(time.Now())
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshotSessions() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast sends the payload to every session in chunks. A failed send
// removes that session immediately and never affects the others.
func (r *Registry) Broadcast(ctx context.Context, payload []byte) {
	r.fanOut(ctx, r.snapshotSessions(), payload)
}

// HeartbeatTick pings every session in chunks, evicting any whose
// transport rejects the write.
func (r *Registry) HeartbeatTick(ctx context.Context) {
	r.fanOut(ctx, r.snapshotSessions(), PingFrame())
}

// SweepStale evicts sessions that have not acknowledged within the
// timeout. Silence is treated as a dead peer.
func (r *Registry) SweepStale(now time.Time, timeout time.Duration) int {
	if timeout <= 0 {
		timeout = DefaultLivenessTimeout
	}

	var stale []string
	r.mu.RLock()
	for id, s := range r.sessions {
		if now.Sub(s.lastAckTime()) > timeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.log.WithField("remote", id).Warn("subscriber timed out")
		r.Remove(id)
		if r.m != nil {
			r.m.SessionsEvicted.Inc()
		}
	}
	return len(stale)
}

// HandleInbound dispatches one frame from a subscriber.
func (r *Registry) HandleInbound(ctx context.Context, remoteID string, payload []byte) {
	switch kindOf(payload) {
	case KindPing:
		r.Touch(remoteID)
		r.sendTo(remoteID, PongFrame())
	case KindPong, KindAck:
		r.Touch(remoteID)
	case KindCheck, KindCheckData:
		r.Touch(remoteID)
		r.mu.RLock()
		s, ok := r.sessions[remoteID]
		r.mu.RUnlock()
		if ok {
			r.sendSnapshot(ctx, s)
		}
	default:
		r.log.WithField("remote", remoteID).WithField("kind", kindOf(payload)).Warn("unknown message type")
		r.sendTo(remoteID, ErrorFrame("unknown message type"))
	}
}

// SendError reports a failure to one subscriber.
func (r *Registry) SendError(remoteID, msg string) {
	r.sendTo(remoteID, ErrorFrame(msg))
}

func (r *Registry) sendTo(remoteID string, payload []byte) {
	r.mu.RLock()
	s, ok := r.sessions[remoteID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.transport.Send(payload); err != nil {
		r.log.WithError(err).WithField("remote", remoteID).Warn("send failed")
		r.Remove(remoteID)
	}
}

func (r *Registry) sendSnapshot(ctx context.Context, s *session) {
	if r.snapshot == nil {
		return
	}
	payload, err := r.snapshot(ctx)
	if err != nil {
		r.log.WithError(err).Warn("snapshot load failed")
		s.transport.Send(ErrorFrame("failed to load data"))
		return
	}
	if err := s.transport.Send(payload); err != nil {
		r.Remove(s.transport.RemoteID())
	}
}

// fanOut writes the payload to each session, pausing between chunks so
// one pass cannot monopolize the scheduler. Failed transports are
// removed on the spot.
func (r *Registry) fanOut(ctx context.Context, sessions []*session, payload []byte) {
	for i, s := range sessions {
		if i > 0 && i%chunkSize == 0 {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if err := s.transport.Send(payload); err != nil {
			r.log.WithError(err).WithField("remote", s.transport.RemoteID()).Warn("send failed")
			r.Remove(s.transport.RemoteID())
		}
	}
}
