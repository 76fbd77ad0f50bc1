package cmdi

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/willie666687/hackersir-cmdi/observer"
)

// Scheduler is the single owner of all admission and lifecycle state:
// active sessions, the FIFO waiting queue, and the connection→identity
// map. Every entry point serializes on one mutex; outbound notifications
// are buffered under the lock and flushed after it is released.
type Scheduler struct {
	prov     Provisioner
	notifier Notifier
	sink     EventSink
	inst     *observer.Instruments
	logger   *slog.Logger

	capacity     int
	sessionDur   time.Duration
	tickInterval time.Duration
	now          func() time.Time

	started atomic.Bool

	mu       sync.Mutex
	sessions map[Identity]*ActiveSession
	queue    []*QueuedUser
	conns    map[ConnID]Identity
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithCapacity sets the maximum number of concurrently active sessions
// (default: 5).
func WithCapacity(n int) SchedulerOption {
	return func(s *Scheduler) { s.capacity = n }
}

// WithSessionDuration sets the fixed lifetime of every session
// (default: 60s).
func WithSessionDuration(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.sessionDur = d }
}

// WithTickInterval sets the supervisor period (default: 1s).
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithEventSink records session lifecycle transitions to an audit sink.
func WithEventSink(sink EventSink) SchedulerOption {
	return func(s *Scheduler) { s.sink = sink }
}

// WithInstruments attaches OTel instruments for counters, the provision
// duration histogram, and provisioning spans.
func WithInstruments(inst *observer.Instruments) SchedulerOption {
	return func(s *Scheduler) { s.inst = inst }
}

// WithClock overrides the time source; tests drive expiry with it.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a Scheduler over the given provisioner and
// notification channel.
func NewScheduler(prov Provisioner, notifier Notifier, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		prov:         prov,
		notifier:     notifier,
		logger:       nopLogger,
		capacity:     5,
		sessionDur:   60 * time.Second,
		tickInterval: time.Second,
		now:          time.Now,
		sessions:     make(map[Identity]*ActiveSession),
		conns:        make(map[ConnID]Identity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// outbound is one buffered notification, emitted after the lock is
// released.
type outbound struct {
	conn    ConnID
	event   string
	payload any
}

func (s *Scheduler) flush(batch []outbound) {
	for _, n := range batch {
		s.notifier.Emit(n.conn, n.event, n.payload)
	}
}

// Connect binds a fresh identity to the given connection and greets it.
func (s *Scheduler) Connect(conn ConnID) Identity {
	s.mu.Lock()
	id := NewIdentity()
	s.conns[conn] = id
	s.mu.Unlock()

	s.notifier.Emit(conn, EventSessionUpdate, SessionPayload{
		Status:       "connected",
		ConnectionID: string(conn),
		Message:      "Connected. Click the button to request a sandbox.",
	})
	return id
}

// Request handles a user asking for a sandbox. Already-active and
// already-queued identities get their current status re-emitted with no
// state change; otherwise the user is activated immediately if a slot is
// free, or appended to the queue tail.
func (s *Scheduler) Request(ctx context.Context, conn ConnID) {
	var batch []outbound
	s.mu.Lock()
	id, ok := s.conns[conn]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.now()

	if sess := s.sessions[id]; sess != nil {
		batch = append(batch, outbound{conn, EventSessionUpdate, SessionPayload{
			Status:        "active",
			Text:          sess.Locator,
			TimeRemaining: remainingSeconds(sess.ExpiresAt, now),
			Message:       "Your sandbox is running.",
		}})
	} else if q := s.queuedLocked(id); q != nil {
		waits := s.estimateLocked(now)
		batch = append(batch, outbound{conn, EventSessionUpdate, SessionPayload{
			Status:      "queued",
			Position:    s.positionLocked(id),
			QueueSize:   len(s.queue),
			Token:       q.Token,
			WaitSeconds: waits[id],
			Message:     "Still waiting for a slot.",
		}})
	} else if len(s.sessions) < s.capacity {
		batch = append(batch, s.activateLocked(ctx, id, conn, "", false)...)
	} else {
		q := &QueuedUser{Identity: id, Conn: conn, Token: NewQueueToken(), EnqueuedAt: now}
		s.queue = append(s.queue, q)
		s.inst.QueueJoined(ctx)
		s.record(ctx, Event{Identity: id, Kind: "queued", At: now})
		waits := s.estimateLocked(now)
		batch = append(batch, outbound{conn, EventSessionUpdate, SessionPayload{
			Status:      "queued",
			Position:    len(s.queue),
			QueueSize:   len(s.queue),
			Token:       q.Token,
			WaitSeconds: waits[id],
			Message:     "All slots are busy. You've been queued.",
		}})
		batch = append(batch, s.queueUpdatesLocked(now)...)
	}
	s.mu.Unlock()
	s.flush(batch)
}

// Disconnect drops the identity bound to conn: an active session is torn
// down and its sandbox released, a queue entry is removed. Safe to call
// for connections in neither state.
func (s *Scheduler) Disconnect(ctx context.Context, conn ConnID) {
	var batch []outbound
	s.mu.Lock()
	id, ok := s.conns[conn]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, conn)
	now := s.now()

	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		batch = append(batch, outbound{conn, EventSessionUpdate, SessionPayload{
			Status:  "ended",
			Message: "Disconnected. Session closed.",
		}})
		s.releaseLocked(ctx, id)
		s.inst.SessionDisconnected(ctx)
		s.record(ctx, Event{Identity: id, Kind: "disconnected", At: now})
	}
	if q := s.removeFromQueueLocked(id); q != nil {
		batch = append(batch, outbound{q.Conn, EventSessionUpdate, SessionPayload{
			Status:  "ended",
			Message: "You left the queue.",
		}})
	}
	batch = append(batch, s.queueUpdatesLocked(now)...)
	s.mu.Unlock()
	s.flush(batch)
}

// Run drives the supervisor loop until ctx is cancelled, then performs
// the teardown sweep over all tracked sandboxes. Starting a second loop
// is a no-op.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("supervisor started",
		"capacity", s.capacity,
		"session_duration", s.sessionDur,
		"tick", s.tickInterval)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping, releasing all sandboxes")
			sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.prov.ReleaseAll(sweepCtx)
			cancel()
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// tick is one supervisor pass: push timers, expire, promote, broadcast.
// Expiry and promotion share one critical section, so a slot is never
// observable as both freed and still occupied.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	var batch []outbound
	s.mu.Lock()

	var expired []*ActiveSession
	for _, sess := range s.sessions {
		if !sess.ExpiresAt.After(now) {
			expired = append(expired, sess)
			continue
		}
		batch = append(batch, outbound{sess.Conn, EventTimerUpdate, TimerPayload{
			Status:        "active",
			TimeRemaining: remainingSeconds(sess.ExpiresAt, now),
		}})
	}

	for _, sess := range expired {
		delete(s.sessions, sess.Identity)
		batch = append(batch, outbound{sess.Conn, EventSessionUpdate, SessionPayload{
			Status:  "ended",
			Message: "Session time has ended.",
			Text:    sess.Locator,
		}})
		s.releaseLocked(ctx, sess.Identity)
		s.inst.SessionExpired(ctx)
		s.record(ctx, Event{Identity: sess.Identity, Kind: "expired", At: now})
	}

	for len(s.queue) > 0 && len(s.sessions) < s.capacity {
		q := s.queue[0]
		s.queue = s.queue[1:]
		batch = append(batch, s.activateLocked(ctx, q.Identity, q.Conn, q.Token, true)...)
	}

	batch = append(batch, s.queueUpdatesLocked(now)...)
	s.mu.Unlock()
	s.flush(batch)
}

// Stats is the administrative occupancy snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ActiveSessions: len(s.sessions),
		QueueDepth:     len(s.queue),
		Capacity:       s.capacity,
	}
}

// activateLocked provisions a sandbox for id and installs the session.
// On provisioning failure the user gets a terminal error status and no
// queue entry; the caller's loop moves on. Must be called with s.mu held
// and len(s.sessions) < s.capacity.
func (s *Scheduler) activateLocked(ctx context.Context, id Identity, conn ConnID, token string, fromQueue bool) []outbound {
	pctx, done := s.inst.ObserveProvision(ctx, string(id))
	lease, err := s.prov.Provision(pctx, id)
	done(err)
	if err != nil {
		s.logger.Error("provisioning failed", "identity", id, "error", err)
		s.record(ctx, Event{Identity: id, Kind: "provision_failed", Detail: err.Error(), At: s.now()})
		return []outbound{{conn, EventSessionUpdate, SessionPayload{
			Status:  "error",
			Message: "Could not start your sandbox. Please try again later.",
			Token:   token,
		}}}
	}

	now := s.now()
	sess := &ActiveSession{
		Identity:  id,
		Conn:      conn,
		Locator:   lease.Locator,
		StartedAt: now,
		ExpiresAt: now.Add(s.sessionDur),
	}
	s.sessions[id] = sess
	s.inst.SessionStarted(ctx)
	s.record(ctx, Event{Identity: id, Kind: "activated", Port: lease.Port, At: now})

	source := "immediate"
	if fromQueue {
		source = "queue"
	}
	s.logger.Info("session activated",
		"identity", id, "port", lease.Port, "source", source,
		"expires_at", sess.ExpiresAt)

	return []outbound{{conn, EventSessionUpdate, SessionPayload{
		Status:        "active",
		Text:          sess.Locator,
		StartedAt:     unixSeconds(sess.StartedAt),
		ExpiresAt:     unixSeconds(sess.ExpiresAt),
		TimeRemaining: remainingSeconds(sess.ExpiresAt, now),
		Message:       "Your sandbox is ready. Enjoy!",
		Source:        source,
		Token:         token,
	}}}
}

// queueUpdatesLocked recomputes waits and builds one queue_update per
// queued connection, reflecting state after any promotion in the same
// pass.
func (s *Scheduler) queueUpdatesLocked(now time.Time) []outbound {
	if len(s.queue) == 0 {
		return nil
	}
	waits := s.estimateLocked(now)
	out := make([]outbound, 0, len(s.queue))
	for i, q := range s.queue {
		w := waits[q.Identity]
		out = append(out, outbound{q.Conn, EventQueueUpdate, QueuePayload{
			Status:           "waiting",
			Position:         i + 1,
			QueueSize:        len(s.queue),
			Token:            q.Token,
			WaitSeconds:      w,
			EstimatedStartAt: unixSeconds(now) + float64(w),
		}})
	}
	return out
}

func (s *Scheduler) estimateLocked(now time.Time) map[Identity]int {
	expiries := make([]time.Time, 0, len(s.sessions))
	for _, sess := range s.sessions {
		expiries = append(expiries, sess.ExpiresAt)
	}
	ids := make([]Identity, len(s.queue))
	for i, q := range s.queue {
		ids[i] = q.Identity
	}
	return EstimateWaits(expiries, ids, now, s.capacity, s.sessionDur)
}

func (s *Scheduler) queuedLocked(id Identity) *QueuedUser {
	for _, q := range s.queue {
		if q.Identity == id {
			return q
		}
	}
	return nil
}

func (s *Scheduler) positionLocked(id Identity) int {
	for i, q := range s.queue {
		if q.Identity == id {
			return i + 1
		}
	}
	return 0
}

func (s *Scheduler) removeFromQueueLocked(id Identity) *QueuedUser {
	for i, q := range s.queue {
		if q.Identity == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return q
		}
	}
	return nil
}

// releaseLocked frees id's sandbox. Releasing an identity with no
// tracked handle is a no-op inside the provisioner; other failures are
// logged and never fatal.
func (s *Scheduler) releaseLocked(ctx context.Context, id Identity) {
	if err := s.prov.Release(ctx, id); err != nil {
		s.logger.Warn("sandbox release failed", "identity", id, "error", err)
	}
}

func (s *Scheduler) record(ctx context.Context, ev Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Record(ctx, ev); err != nil {
		s.logger.Debug("audit record failed", "kind", ev.Kind, "error", err)
	}
}

func remainingSeconds(expires, now time.Time) int {
	rem := int(expires.Sub(now).Seconds())
	if rem < 0 {
		return 0
	}
	return rem
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
