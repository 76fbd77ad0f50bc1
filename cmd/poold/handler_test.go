package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cmdi "github.com/willie666687/hackersir-cmdi"
)

// captureProvisioner hands out a canned lease and reports the liveness
// of the context each Release was called with.
type captureProvisioner struct {
	releaseCtxErr chan error
}

func (p *captureProvisioner) Provision(_ context.Context, _ cmdi.Identity) (cmdi.Lease, error) {
	return cmdi.Lease{Locator: "http://localhost/cmdi-10000/?password=secret", Port: 10000}, nil
}

func (p *captureProvisioner) Release(ctx context.Context, _ cmdi.Identity) error {
	p.releaseCtxErr <- ctx.Err()
	return nil
}

func (p *captureProvisioner) ReleaseAll(_ context.Context) {}

// waitForConn polls until the stream goroutine has registered its
// connection with the hub.
func waitForConn(t *testing.T, h *hub) cmdi.ConnID {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		for conn := range h.conns {
			h.mu.Unlock()
			return conn
		}
		h.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("stream never registered with the hub")
	return ""
}

func TestEventsDisconnectReleasesWithLiveContext(t *testing.T) {
	prov := &captureProvisioner{releaseCtxErr: make(chan error, 1)}
	h := newHub(slog.Default())
	sched := cmdi.NewScheduler(prov, h)

	streamCtx, cancelStream := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(streamCtx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handleEvents(context.Background(), h, sched, rec, req)
	}()

	conn := waitForConn(t, h)
	sched.Request(context.Background(), conn)
	if st := sched.Stats(); st.ActiveSessions != 1 {
		t.Fatalf("stats = %+v, want an active session", st)
	}

	// Client drops the stream: the session must be torn down, and the
	// teardown must not inherit the dead stream context.
	cancelStream()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not return after cancel")
	}

	select {
	case err := <-prov.releaseCtxErr:
		if err != nil {
			t.Fatalf("release context already dead: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sandbox never released on disconnect")
	}
	if st := sched.Stats(); st.ActiveSessions != 0 {
		t.Errorf("stats = %+v, want no active sessions", st)
	}
}

func TestEventsStreamEndsOnAppShutdown(t *testing.T) {
	prov := &captureProvisioner{releaseCtxErr: make(chan error, 1)}
	h := newHub(slog.Default())
	sched := cmdi.NewScheduler(prov, h)

	appCtx, shutdown := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handleEvents(appCtx, h, sched, rec, req)
	}()
	waitForConn(t, h)

	// The request context is still live; shutting the application down
	// must end the stream anyway, or server shutdown waits forever.
	shutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler outlived application shutdown")
	}
}
