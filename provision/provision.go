// Package provision allocates backing sandbox containers for the pool:
// it picks a free host port, generates the access credential, creates
// the container, verifies readiness over TCP and HTTP, retries with a
// single restart, and rolls back on any unrecoverable failure.
//
// Resource handles are owned here, indexed by user identity, and
// released exactly once; release tolerates the container already being
// gone.
package provision

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdi "github.com/willie666687/hackersir-cmdi"
)

// Failure classification. Everything is additionally wrapped in
// ErrProvisionFailed; callers that only care whether provisioning
// succeeded test for that one sentinel, operators get the cause in logs.
var (
	ErrProvisionFailed    = errors.New("provision failed")
	ErrBackendUnavailable = errors.New("sandbox backend unavailable")
	ErrTemplateMissing    = errors.New("sandbox image missing")
	ErrProvisionTimeout   = errors.New("sandbox not ready in time")
	ErrPortPoolExhausted  = errors.New("port pool exhausted")
)

// ContainerSpec describes one sandbox container to create and start.
type ContainerSpec struct {
	Image             string
	Name              string
	HostPort          int
	Credential        string
	MemoryBytes       int64
	MemoryReservation int64
	NanoCPUs          int64
}

// Backend creates and controls sandbox containers. Create returns an
// opaque handle for the started container; Stop tolerates the container
// already being gone. Implementations classify their failures with the
// sentinels above where they can.
type Backend interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Restart(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string) error
	Status(ctx context.Context, handle string) (string, error)
}

// Prober checks whether a sandbox answers at the transport and
// application layer. Injected so readiness logic is testable without a
// real container.
type Prober interface {
	TCP(ctx context.Context, addr string) error
	HTTP(ctx context.Context, rawURL string) error
}

// Registrar exposes an allocated port through the reverse proxy.
// Both calls are best-effort: failures are logged, never returned to
// admission.
type Registrar interface {
	Register(ctx context.Context, port int) error
	Unregister(ctx context.Context, port int) error
}

// ReadinessPolicy bounds the readiness protocol: probes are retried
// every Interval until their window elapses.
type ReadinessPolicy struct {
	Interval   time.Duration
	TCPWindow  time.Duration
	HTTPWindow time.Duration
}

// ResourceLimits constrain each sandbox container.
type ResourceLimits struct {
	MemoryBytes       int64
	MemoryReservation int64
	NanoCPUs          int64
}

type handle struct {
	container string
	port      int
}

// Provisioner implements cmdi.Provisioner over a Backend.
type Provisioner struct {
	backend   Backend
	prober    Prober
	registrar Registrar
	logger    *slog.Logger

	policy    ReadinessPolicy
	limits    ResourceLimits
	image     string
	baseURL   string
	probeHost string
	portMin   int
	portMax   int

	mu      sync.Mutex
	handles map[cmdi.Identity]*handle
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithPortRange sets the inclusive host-port pool bounds
// (default: 10000-10010).
func WithPortRange(min, max int) Option {
	return func(p *Provisioner) { p.portMin, p.portMax = min, max }
}

// WithImage sets the sandbox image (default: "ctf-ping-vuln").
func WithImage(image string) Option {
	return func(p *Provisioner) { p.image = image }
}

// WithBaseURL sets the external base address embedded in locators.
func WithBaseURL(base string) Option {
	return func(p *Provisioner) { p.baseURL = base }
}

// WithProbeHost sets the address readiness probes dial
// (default: "127.0.0.1").
func WithProbeHost(host string) Option {
	return func(p *Provisioner) { p.probeHost = host }
}

// WithReadinessPolicy overrides the probe retry windows.
func WithReadinessPolicy(policy ReadinessPolicy) Option {
	return func(p *Provisioner) { p.policy = policy }
}

// WithLimits sets per-container resource limits.
func WithLimits(limits ResourceLimits) Option {
	return func(p *Provisioner) { p.limits = limits }
}

// WithProber overrides the readiness prober; tests inject fakes here.
func WithProber(pr Prober) Option {
	return func(p *Provisioner) { p.prober = pr }
}

// WithRegistrar sets the reverse-proxy route registrar.
func WithRegistrar(r Registrar) Option {
	return func(p *Provisioner) { p.registrar = r }
}

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

// New creates a Provisioner over the given backend.
func New(backend Backend, opts ...Option) *Provisioner {
	p := &Provisioner{
		backend:   backend,
		prober:    netProber{},
		logger:    nopLogger,
		image:     "ctf-ping-vuln",
		baseURL:   "http://localhost",
		probeHost: "127.0.0.1",
		portMin:   10000,
		portMax:   10010,
		policy: ReadinessPolicy{
			Interval:   500 * time.Millisecond,
			TCPWindow:  15 * time.Second,
			HTTPWindow: 10 * time.Second,
		},
		limits: ResourceLimits{
			MemoryBytes:       100 * 1024 * 1024,
			MemoryReservation: 75 * 1024 * 1024,
			NanoCPUs:          200_000_000, // 20% of one core
		},
		handles: make(map[cmdi.Identity]*handle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision creates one sandbox for id and waits for it to serve. The
// readiness protocol requires both a TCP accept and an HTTP response
// within their windows; if the first pass fails the container is
// restarted exactly once and the protocol repeated. Any remaining
// failure tears the container down and leaves no handle behind.
func (p *Provisioner) Provision(ctx context.Context, id cmdi.Identity) (cmdi.Lease, error) {
	port, err := p.pickPort()
	if err != nil {
		return cmdi.Lease{}, fail(err)
	}
	credential, err := newCredential()
	if err != nil {
		return cmdi.Lease{}, fail(err)
	}

	container, err := p.backend.Create(ctx, ContainerSpec{
		Image:             p.image,
		Name:              fmt.Sprintf("ctf_%d", port),
		HostPort:          port,
		Credential:        credential,
		MemoryBytes:       p.limits.MemoryBytes,
		MemoryReservation: p.limits.MemoryReservation,
		NanoCPUs:          p.limits.NanoCPUs,
	})
	if err != nil {
		return cmdi.Lease{}, fail(err)
	}

	p.mu.Lock()
	p.handles[id] = &handle{container: container, port: port}
	p.mu.Unlock()

	addr := net.JoinHostPort(p.probeHost, strconv.Itoa(port))
	if err := p.waitReady(ctx, addr); err != nil {
		if errors.Is(err, ErrTemplateMissing) || errors.Is(err, ErrBackendUnavailable) {
			return cmdi.Lease{}, p.rollback(ctx, id, err)
		}
		p.logger.Warn("sandbox not ready, restarting once",
			"container", container, "port", port, "error", err)
		if rerr := p.backend.Restart(ctx, container); rerr != nil {
			return cmdi.Lease{}, p.rollback(ctx, id, fmt.Errorf("restart: %w", rerr))
		}
		if err := p.waitReady(ctx, addr); err != nil {
			return cmdi.Lease{}, p.rollback(ctx, id, err)
		}
	}

	status, err := p.backend.Status(ctx, container)
	if err != nil {
		return cmdi.Lease{}, p.rollback(ctx, id, err)
	}
	if status != "running" {
		return cmdi.Lease{}, p.rollback(ctx, id,
			fmt.Errorf("%w: container status %q", ErrProvisionTimeout, status))
	}

	if p.registrar != nil {
		if err := p.registrar.Register(ctx, port); err != nil {
			p.logger.Warn("route registration failed", "port", port, "error", err)
		}
	}

	locator := fmt.Sprintf("%s/cmdi-%d/?password=%s",
		strings.TrimRight(p.baseURL, "/"), port, url.QueryEscape(credential))
	p.logger.Info("sandbox provisioned", "container", container, "port", port)
	return cmdi.Lease{Locator: locator, Port: port}, nil
}

// Release frees id's sandbox. Unknown identities and already-gone
// containers are tolerated.
func (p *Provisioner) Release(ctx context.Context, id cmdi.Identity) error {
	p.mu.Lock()
	h, ok := p.handles[id]
	delete(p.handles, id)
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("release for untracked identity", "identity", string(id))
		return nil
	}
	if p.registrar != nil {
		if err := p.registrar.Unregister(ctx, h.port); err != nil {
			p.logger.Warn("route removal failed", "port", h.port, "error", err)
		}
	}
	if err := p.backend.Stop(ctx, h.container); err != nil {
		return fmt.Errorf("stop %s: %w", h.container, err)
	}
	p.logger.Info("sandbox released", "container", h.container, "port", h.port)
	return nil
}

// ReleaseAll tears down every tracked sandbox. Used as the shutdown
// sweep; failures are logged and the sweep continues.
func (p *Provisioner) ReleaseAll(ctx context.Context) {
	p.mu.Lock()
	handles := p.handles
	p.handles = make(map[cmdi.Identity]*handle)
	p.mu.Unlock()

	for id, h := range handles {
		if p.registrar != nil {
			if err := p.registrar.Unregister(ctx, h.port); err != nil {
				p.logger.Warn("route removal failed", "port", h.port, "error", err)
			}
		}
		if err := p.backend.Stop(ctx, h.container); err != nil {
			p.logger.Warn("teardown failed",
				"identity", string(id), "container", h.container, "error", err)
		}
	}
}

// rollback removes id's handle before reporting failure, then stops the
// container best-effort. The ordering guarantees no dangling handle even
// if the physical stop fails.
func (p *Provisioner) rollback(ctx context.Context, id cmdi.Identity, cause error) error {
	p.mu.Lock()
	h := p.handles[id]
	delete(p.handles, id)
	p.mu.Unlock()
	if h != nil {
		if err := p.backend.Stop(ctx, h.container); err != nil {
			p.logger.Warn("teardown after failed provision",
				"container", h.container, "error", err)
		}
	}
	return fail(cause)
}

func (p *Provisioner) waitReady(ctx context.Context, addr string) error {
	if err := p.pollProbe(ctx, p.policy.TCPWindow, func(c context.Context) error {
		return p.prober.TCP(c, addr)
	}); err != nil {
		return fmt.Errorf("%w: tcp %s: %w", ErrProvisionTimeout, addr, err)
	}
	liveness := "http://" + addr + "/"
	if err := p.pollProbe(ctx, p.policy.HTTPWindow, func(c context.Context) error {
		return p.prober.HTTP(c, liveness)
	}); err != nil {
		return fmt.Errorf("%w: http %s: %w", ErrProvisionTimeout, liveness, err)
	}
	return nil
}

// pollProbe retries probe every policy.Interval until it succeeds or the
// window elapses, returning the last probe error on timeout.
func (p *Provisioner) pollProbe(ctx context.Context, window time.Duration, probe func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	last := errors.New("window elapsed before first attempt")
	for {
		if err := probe(ctx); err == nil {
			return nil
		} else {
			last = err
		}
		timer := time.NewTimer(p.policy.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last
		case <-timer.C:
		}
	}
}

func fail(cause error) error {
	return fmt.Errorf("%w: %w", ErrProvisionFailed, cause)
}

// newCredential returns a URL-safe random access password.
func newCredential() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("credential: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// compile-time check
var _ cmdi.Provisioner = (*Provisioner)(nil)
