// Command poold serves a bounded pool of single-use CTF sandboxes.
//
// Clients open an SSE stream at /events, then POST /request to claim a
// slot. When the pool is full they are queued FIFO with a projected
// wait; sessions expire after a fixed duration and the freed slot goes
// to the queue head. Each sandbox is a resource-limited container
// exposed through a per-port reverse-proxy route.
package main

import (
	"context"
	_ "embed"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdi "github.com/willie666687/hackersir-cmdi"
	"github.com/willie666687/hackersir-cmdi/caddy"
	"github.com/willie666687/hackersir-cmdi/internal/config"
	"github.com/willie666687/hackersir-cmdi/observer"
	"github.com/willie666687/hackersir-cmdi/provision"
	"github.com/willie666687/hackersir-cmdi/store/sqlite"
)

//go:embed index.html
var indexPage []byte

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
	}

	backend, err := provision.NewDockerBackend(provision.WithDockerLogger(logger))
	if err != nil {
		logger.Error("docker backend unavailable", "error", err)
		os.Exit(1)
	}

	provOpts := []provision.Option{
		provision.WithImage(cfg.Container.Image),
		provision.WithBaseURL(cfg.Server.BaseURL),
		provision.WithProbeHost(cfg.Container.ProbeHost),
		provision.WithPortRange(cfg.Pool.PortMin, cfg.Pool.PortMax),
		provision.WithReadinessPolicy(provision.ReadinessPolicy{
			Interval:   500 * time.Millisecond,
			TCPWindow:  cfg.Container.TCPReadyWindow(),
			HTTPWindow: cfg.Container.HTTPReadyWindow(),
		}),
		provision.WithLimits(provision.ResourceLimits{
			MemoryBytes:       cfg.Container.MemoryBytes(),
			MemoryReservation: cfg.Container.MemoryReservationBytes(),
			NanoCPUs:          cfg.Container.NanoCPUs(),
		}),
		provision.WithLogger(logger),
	}
	if cfg.Caddy.Enabled {
		provOpts = append(provOpts,
			provision.WithRegistrar(caddy.New(cfg.Caddy.APIURL, caddy.WithLogger(logger))))
	}
	prov := provision.New(backend, provOpts...)

	store := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		logger.Error("audit store init failed", "error", err)
		os.Exit(1)
	}

	h := newHub(logger)
	sched := cmdi.NewScheduler(prov, h,
		cmdi.WithCapacity(cfg.Pool.MaxActiveUsers),
		cmdi.WithSessionDuration(cfg.Pool.SessionDuration()),
		cmdi.WithTickInterval(cfg.Pool.TickInterval()),
		cmdi.WithLogger(logger),
		cmdi.WithEventSink(store),
		cmdi.WithInstruments(inst),
	)
	if err := inst.RegisterOccupancy(func() (int64, int64) {
		st := sched.Stats()
		return int64(st.ActiveSessions), int64(st.QueueDepth)
	}); err != nil {
		logger.Warn("occupancy gauges not registered", "error", err)
	}

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		sched.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(indexPage)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		handleEvents(ctx, h, sched, w, r)
	})
	mux.HandleFunc("/request", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		handleRequest(h, sched, w, r)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		handleStatus(sched, w, r)
	})
	mux.HandleFunc("/healthz", handleHealth)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
		// No WriteTimeout: /events streams for the whole session.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "base_url", cfg.Server.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}

	// Run exits only after its teardown sweep released every sandbox.
	<-supervisorDone
	logger.Info("stopped")
}
