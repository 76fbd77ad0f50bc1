package cmdi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubProvisioner hands out a canned lease per identity and records
// lifecycle calls.
type stubProvisioner struct {
	mu          sync.Mutex
	err         error
	provisioned []Identity
	released    []Identity
	sweeps      int
}

func (p *stubProvisioner) Provision(_ context.Context, id Identity) (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return Lease{}, p.err
	}
	p.provisioned = append(p.provisioned, id)
	return Lease{Locator: "http://localhost/cmdi-10000/?password=secret", Port: 10000}, nil
}

func (p *stubProvisioner) Release(_ context.Context, id Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, id)
	return nil
}

func (p *stubProvisioner) ReleaseAll(_ context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweeps++
}

func (p *stubProvisioner) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *stubProvisioner) releasedIDs() []Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Identity(nil), p.released...)
}

type emission struct {
	Conn    ConnID
	Event   string
	Payload any
}

// recorder captures notifier emissions for assertions.
type recorder struct {
	mu        sync.Mutex
	emissions []emission
}

func (r *recorder) Emit(conn ConnID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions = append(r.emissions, emission{Conn: conn, Event: event, Payload: payload})
}

// lastSession returns the most recent session_update payload sent to conn.
func (r *recorder) lastSession(t *testing.T, conn ConnID) SessionPayload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.emissions) - 1; i >= 0; i-- {
		e := r.emissions[i]
		if e.Conn == conn && e.Event == EventSessionUpdate {
			return e.Payload.(SessionPayload)
		}
	}
	t.Fatalf("no session_update for %s", conn)
	return SessionPayload{}
}

// lastQueue returns the most recent queue_update payload sent to conn.
func (r *recorder) lastQueue(t *testing.T, conn ConnID) QueuePayload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.emissions) - 1; i >= 0; i-- {
		e := r.emissions[i]
		if e.Conn == conn && e.Event == EventQueueUpdate {
			return e.Payload.(QueuePayload)
		}
	}
	t.Fatalf("no queue_update for %s", conn)
	return QueuePayload{}
}

// lastTimer returns the most recent timer_update payload sent to conn.
func (r *recorder) lastTimer(t *testing.T, conn ConnID) TimerPayload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.emissions) - 1; i >= 0; i-- {
		e := r.emissions[i]
		if e.Conn == conn && e.Event == EventTimerUpdate {
			return e.Payload.(TimerPayload)
		}
	}
	t.Fatalf("no timer_update for %s", conn)
	return TimerPayload{}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestScheduler(capacity int) (*Scheduler, *stubProvisioner, *recorder, *fakeClock) {
	prov := &stubProvisioner{}
	rec := &recorder{}
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := NewScheduler(prov, rec,
		WithCapacity(capacity),
		WithSessionDuration(60*time.Second),
		WithClock(clk.Now),
	)
	return s, prov, rec, clk
}

func TestConnectBindsIdentity(t *testing.T) {
	s, _, rec, _ := newTestScheduler(5)

	id := s.Connect("conn-a")
	if id == "" {
		t.Fatal("expected non-empty identity")
	}

	p := rec.lastSession(t, "conn-a")
	if p.Status != "connected" {
		t.Errorf("status = %q, want connected", p.Status)
	}
	if p.ConnectionID != "conn-a" {
		t.Errorf("connectionId = %q, want conn-a", p.ConnectionID)
	}
}

func TestRequestActivatesWhenSlotFree(t *testing.T) {
	s, prov, rec, _ := newTestScheduler(5)
	ctx := context.Background()

	s.Connect("conn-a")
	s.Request(ctx, "conn-a")

	p := rec.lastSession(t, "conn-a")
	if p.Status != "active" {
		t.Fatalf("status = %q, want active", p.Status)
	}
	if p.Source != "immediate" {
		t.Errorf("source = %q, want immediate", p.Source)
	}
	if p.Text == "" {
		t.Error("expected locator in payload")
	}
	if p.TimeRemaining != 60 {
		t.Errorf("timeRemaining = %d, want 60", p.TimeRemaining)
	}
	if len(prov.provisioned) != 1 {
		t.Errorf("provision calls = %d, want 1", len(prov.provisioned))
	}
	if st := s.Stats(); st.ActiveSessions != 1 || st.QueueDepth != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRequestQueuesWhenFull(t *testing.T) {
	s, _, rec, _ := newTestScheduler(1)
	ctx := context.Background()

	s.Connect("conn-a")
	s.Request(ctx, "conn-a")
	s.Connect("conn-b")
	s.Request(ctx, "conn-b")

	p := rec.lastSession(t, "conn-b")
	if p.Status != "queued" {
		t.Fatalf("status = %q, want queued", p.Status)
	}
	if p.Position != 1 || p.QueueSize != 1 {
		t.Errorf("position/size = %d/%d, want 1/1", p.Position, p.QueueSize)
	}
	if p.Token == "" {
		t.Error("expected a queue token")
	}
	if p.WaitSeconds != 60 {
		t.Errorf("waitSeconds = %d, want 60", p.WaitSeconds)
	}
	if st := s.Stats(); st.ActiveSessions != 1 || st.QueueDepth != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRepeatRequestIsIdempotent(t *testing.T) {
	s, prov, rec, _ := newTestScheduler(1)
	ctx := context.Background()

	s.Connect("conn-a")
	s.Request(ctx, "conn-a")
	s.Request(ctx, "conn-a")

	if len(prov.provisioned) != 1 {
		t.Errorf("provision calls = %d, want 1", len(prov.provisioned))
	}
	if p := rec.lastSession(t, "conn-a"); p.Status != "active" {
		t.Errorf("status = %q, want active", p.Status)
	}

	// Same for a queued user: no duplicate queue entry.
	s.Connect("conn-b")
	s.Request(ctx, "conn-b")
	s.Request(ctx, "conn-b")
	if st := s.Stats(); st.QueueDepth != 1 {
		t.Errorf("queue depth = %d, want 1", st.QueueDepth)
	}
	if p := rec.lastSession(t, "conn-b"); p.Status != "queued" || p.Position != 1 {
		t.Errorf("payload = %+v, want queued position 1", p)
	}
}

func TestExpiryPromotesQueueHead(t *testing.T) {
	s, prov, rec, clk := newTestScheduler(1)
	ctx := context.Background()

	idA := s.Connect("conn-a")
	s.Request(ctx, "conn-a")
	s.Connect("conn-b")
	s.Request(ctx, "conn-b")
	token := rec.lastSession(t, "conn-b").Token

	clk.Advance(61 * time.Second)
	s.tick(ctx, clk.Now())

	if p := rec.lastSession(t, "conn-a"); p.Status != "ended" {
		t.Errorf("expired user status = %q, want ended", p.Status)
	}
	released := prov.releasedIDs()
	if len(released) != 1 || released[0] != idA {
		t.Errorf("released = %v, want [%s]", released, idA)
	}

	p := rec.lastSession(t, "conn-b")
	if p.Status != "active" {
		t.Fatalf("promoted user status = %q, want active", p.Status)
	}
	if p.Source != "queue" {
		t.Errorf("source = %q, want queue", p.Source)
	}
	if p.Token != token {
		t.Errorf("token = %q, want the one issued on enqueue", p.Token)
	}
	if st := s.Stats(); st.ActiveSessions != 1 || st.QueueDepth != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestTickEmitsCountdown(t *testing.T) {
	s, _, rec, clk := newTestScheduler(1)
	ctx := context.Background()

	s.Connect("conn-a")
	s.Request(ctx, "conn-a")

	clk.Advance(10 * time.Second)
	s.tick(ctx, clk.Now())

	p := rec.lastTimer(t, "conn-a")
	if p.TimeRemaining != 50 {
		t.Errorf("timeRemaining = %d, want 50", p.TimeRemaining)
	}
}

func TestQueueUpdatesReflectOrder(t *testing.T) {
	s, _, rec, _ := newTestScheduler(1)
	ctx := context.Background()

	s.Connect("conn-a")
	s.Request(ctx, "conn-a")
	s.Connect("conn-b")
	s.Request(ctx, "conn-b")
	s.Connect("conn-c")
	s.Request(ctx, "conn-c")

	pb := rec.lastQueue(t, "conn-b")
	pc := rec.lastQueue(t, "conn-c")
	if pb.Position != 1 || pc.Position != 2 {
		t.Errorf("positions = %d, %d; want 1, 2", pb.Position, pc.Position)
	}
	if pb.QueueSize != 2 || pc.QueueSize != 2 {
		t.Errorf("sizes = %d, %d; want 2, 2", pb.QueueSize, pc.QueueSize)
	}
	if pc.WaitSeconds < pb.WaitSeconds {
		t.Errorf("waits not monotone: %d then %d", pb.WaitSeconds, pc.WaitSeconds)
	}
}

func TestDisconnectActiveFreesSlot(t *testing.T) {
	s, prov, rec, _ := newTestScheduler(1)
	ctx := context.Background()

	idA := s.Connect("conn-a")
	s.Request(ctx, "conn-a")
	s.Disconnect(ctx, "conn-a")

	if p := rec.lastSession(t, "conn-a"); p.Status != "ended" {
		t.Errorf("status = %q, want ended", p.Status)
	}
	released := prov.releasedIDs()
	if len(released) != 1 || released[0] != idA {
		t.Errorf("released = %v, want [%s]", released, idA)
	}
	if st := s.Stats(); st.ActiveSessions != 0 {
		t.Errorf("stats = %+v", st)
	}

	// The freed slot is immediately claimable.
	s.Connect("conn-b")
	s.Request(ctx, "conn-b")
	if p := rec.lastSession(t, "conn-b"); p.Status != "active" {
		t.Errorf("status = %q, want active", p.Status)
	}
}

func TestDisconnectQueuedRemovesEntry(t *testing.T) {
	s, _, rec, clk := newTestScheduler(1)
	ctx := context.Background()

	s.Connect("conn-a")
	s.Request(ctx, "conn-a")
	s.Connect("conn-b")
	s.Request(ctx, "conn-b")
	s.Connect("conn-c")
	s.Request(ctx, "conn-c")

	s.Disconnect(ctx, "conn-b")
	if st := s.Stats(); st.QueueDepth != 1 {
		t.Fatalf("queue depth = %d, want 1", st.QueueDepth)
	}

	// The slot freed by expiry goes to the surviving head, not the leaver.
	clk.Advance(61 * time.Second)
	s.tick(ctx, clk.Now())
	if p := rec.lastSession(t, "conn-c"); p.Status != "active" {
		t.Errorf("status = %q, want active", p.Status)
	}
}

func TestDisconnectUnknownConnIsNoOp(t *testing.T) {
	s, prov, _, _ := newTestScheduler(1)
	s.Disconnect(context.Background(), "never-seen")
	if len(prov.releasedIDs()) != 0 {
		t.Error("unexpected release")
	}
}

func TestProvisionFailureIsTerminal(t *testing.T) {
	s, prov, rec, _ := newTestScheduler(1)
	ctx := context.Background()
	prov.setErr(errors.New("boom"))

	s.Connect("conn-a")
	s.Request(ctx, "conn-a")

	if p := rec.lastSession(t, "conn-a"); p.Status != "error" {
		t.Fatalf("status = %q, want error", p.Status)
	}
	if st := s.Stats(); st.ActiveSessions != 0 || st.QueueDepth != 0 {
		t.Errorf("failed activation must not occupy a slot or queue: %+v", st)
	}

	// The user may retry once the backend recovers.
	prov.setErr(nil)
	s.Request(ctx, "conn-a")
	if p := rec.lastSession(t, "conn-a"); p.Status != "active" {
		t.Errorf("status after retry = %q, want active", p.Status)
	}
}

func TestPromotionFailureDoesNotStallQueue(t *testing.T) {
	s, prov, rec, clk := newTestScheduler(1)
	ctx := context.Background()

	s.Connect("conn-a")
	s.Request(ctx, "conn-a")
	s.Connect("conn-b")
	s.Request(ctx, "conn-b")
	s.Connect("conn-c")
	s.Request(ctx, "conn-c")

	prov.setErr(errors.New("boom"))
	clk.Advance(61 * time.Second)
	s.tick(ctx, clk.Now())

	// Promotion keeps consuming the queue: b fails terminally, then c.
	if p := rec.lastSession(t, "conn-b"); p.Status != "error" {
		t.Errorf("status = %q, want error", p.Status)
	}
	if p := rec.lastSession(t, "conn-c"); p.Status != "error" {
		t.Errorf("status = %q, want error", p.Status)
	}
	if st := s.Stats(); st.ActiveSessions != 0 || st.QueueDepth != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRunStartsOnceAndSweepsOnShutdown(t *testing.T) {
	s, prov, _, _ := newTestScheduler(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.Run(ctx)
	if prov.sweeps != 1 {
		t.Fatalf("sweeps = %d, want 1", prov.sweeps)
	}

	// Second Run is a no-op, not a second supervisor.
	s.Run(ctx)
	if prov.sweeps != 1 {
		t.Errorf("sweeps = %d, want 1 after duplicate Run", prov.sweeps)
	}
}

func TestStatsSnapshot(t *testing.T) {
	s, _, _, _ := newTestScheduler(3)
	ctx := context.Background()

	for _, conn := range []ConnID{"c1", "c2", "c3", "c4"} {
		s.Connect(conn)
		s.Request(ctx, conn)
	}

	st := s.Stats()
	if st.ActiveSessions != 3 || st.QueueDepth != 1 || st.Capacity != 3 {
		t.Errorf("stats = %+v, want 3 active, 1 queued, capacity 3", st)
	}
}
