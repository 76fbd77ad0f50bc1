// Package observer provides OTel-based observability for the sandbox
// pool: session lifecycle counters, occupancy gauges, provisioning
// duration, and a span per provisioning attempt. Export targets are
// configured through the standard OTEL env vars.
package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/willie666687/hackersir-cmdi/observer"

// Instruments holds all OTel instruments used by the scheduler. All
// methods are safe on a nil receiver, so an unconfigured observer costs
// nothing.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	sessionsStarted   metric.Int64Counter
	sessionsExpired   metric.Int64Counter
	disconnects       metric.Int64Counter
	queueJoins        metric.Int64Counter
	provisionFailures metric.Int64Counter
	provisionDuration metric.Float64Histogram

	activeSessions metric.Int64ObservableGauge
	queueDepth     metric.Int64ObservableGauge
}

// Init sets up OTel trace and metric providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("hackersir-cmdi")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	sessionsStarted, err := meter.Int64Counter("pool.sessions.started",
		metric.WithDescription("Sessions activated (immediate and promoted)"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}
	sessionsExpired, err := meter.Int64Counter("pool.sessions.expired",
		metric.WithDescription("Sessions ended by timeout"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}
	disconnects, err := meter.Int64Counter("pool.sessions.disconnected",
		metric.WithDescription("Active sessions ended by client disconnect"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}
	queueJoins, err := meter.Int64Counter("pool.queue.joins",
		metric.WithDescription("Users enqueued because the pool was full"),
		metric.WithUnit("{user}"))
	if err != nil {
		return nil, err
	}
	provisionFailures, err := meter.Int64Counter("pool.provision.failures",
		metric.WithDescription("Provisioning attempts that failed"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}
	provisionDuration, err := meter.Float64Histogram("pool.provision.duration",
		metric.WithDescription("Provisioning attempt duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	activeSessions, err := meter.Int64ObservableGauge("pool.sessions.active",
		metric.WithDescription("Currently occupied slots"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}
	queueDepth, err := meter.Int64ObservableGauge("pool.queue.depth",
		metric.WithDescription("Users currently waiting"),
		metric.WithUnit("{user}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            otel.Tracer(scopeName),
		Meter:             meter,
		sessionsStarted:   sessionsStarted,
		sessionsExpired:   sessionsExpired,
		disconnects:       disconnects,
		queueJoins:        queueJoins,
		provisionFailures: provisionFailures,
		provisionDuration: provisionDuration,
		activeSessions:    activeSessions,
		queueDepth:        queueDepth,
	}, nil
}

// RegisterOccupancy wires the occupancy gauges to a snapshot callback.
func (i *Instruments) RegisterOccupancy(snapshot func() (active, queued int64)) error {
	if i == nil {
		return nil
	}
	_, err := i.Meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		active, queued := snapshot()
		o.ObserveInt64(i.activeSessions, active)
		o.ObserveInt64(i.queueDepth, queued)
		return nil
	}, i.activeSessions, i.queueDepth)
	return err
}

// SessionStarted increments the activation counter.
func (i *Instruments) SessionStarted(ctx context.Context) {
	if i == nil {
		return
	}
	i.sessionsStarted.Add(ctx, 1)
}

// SessionExpired increments the timeout counter.
func (i *Instruments) SessionExpired(ctx context.Context) {
	if i == nil {
		return
	}
	i.sessionsExpired.Add(ctx, 1)
}

// SessionDisconnected increments the disconnect counter.
func (i *Instruments) SessionDisconnected(ctx context.Context) {
	if i == nil {
		return
	}
	i.disconnects.Add(ctx, 1)
}

// QueueJoined increments the enqueue counter.
func (i *Instruments) QueueJoined(ctx context.Context) {
	if i == nil {
		return
	}
	i.queueJoins.Add(ctx, 1)
}

// ObserveProvision starts a span for one provisioning attempt and
// returns the span context plus a completion func recording duration,
// outcome, and the failure counter.
func (i *Instruments) ObserveProvision(ctx context.Context, identity string) (context.Context, func(err error)) {
	if i == nil {
		return ctx, func(error) {}
	}
	ctx, span := i.Tracer.Start(ctx, "sandbox.provision",
		trace.WithAttributes(attribute.String("sandbox.identity", identity)))
	start := time.Now()
	return ctx, func(err error) {
		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			i.provisionFailures.Add(ctx, 1)
		}
		i.provisionDuration.Record(ctx, durationMs,
			metric.WithAttributes(attribute.String("status", status)))
		span.End()
	}
}
