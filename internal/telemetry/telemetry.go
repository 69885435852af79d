// Package telemetry exposes the engine's OpenTelemetry counters.
//
// Metrics are off by default. WLM_OTEL_STDOUT=true installs a periodic stdout exporter.
package telemetry

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationScope = "wlmigrate"

var shutdownFns []func(context.Context) error

func Enabled() bool {
	return os.Getenv("WLM_OTEL_STDOUT") == "true"
}

// Init installs the global meter provider.
func Init(ctx context.Context) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	exp, err := stdoutmetric.New()
	if err != nil {
		return err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
	))
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// Metrics are the engine counters. The zero value drops everything.
type Metrics struct {
	batchesPushed  metric.Int64Counter
	recordsFailed  metric.Int64Counter
	jobsFinalized  metric.Int64Counter
	rateLimitYield metric.Int64Counter
	stageRetries   metric.Int64Counter
}

// NewMetrics registers the counters on the global meter provider.
func NewMetrics() *Metrics {
	return NewMetricsFrom(Meter(instrumentationScope))
}

func NewMetricsFrom(m metric.Meter) *Metrics {
	out := &Metrics{}
	out.batchesPushed, _ = m.Int64Counter("wlm.batches.pushed", metric.WithDescription("Batches fully pushed"))
	out.recordsFailed, _ = m.Int64Counter("wlm.records.failed", metric.WithDescription("Records recorded in the error report"))
	out.jobsFinalized, _ = m.Int64Counter("wlm.jobs.finalized", metric.WithDescription("Jobs reaching a terminal status"))
	out.rateLimitYield, _ = m.Int64Counter("wlm.ratelimit.yields", metric.WithDescription("Advance calls yielding on a rate limit"))
	out.stageRetries, _ = m.Int64Counter("wlm.stage.retries", metric.WithDescription("Local retries of transient stage failures"))
	return out
}

func sourceAttr(source string) metric.AddOption {
	return metric.WithAttributes(attribute.String("source", source))
}

func (m *Metrics) BatchPushed(ctx context.Context, source string) {
	if m == nil || m.batchesPushed == nil {
		return
	}
	m.batchesPushed.Add(ctx, 1, sourceAttr(source))
}

func (m *Metrics) RecordsFailed(ctx context.Context, source, kind string, n int) {
	if m == nil || m.recordsFailed == nil || n == 0 {
		return
	}
	m.recordsFailed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source), attribute.String("kind", kind)))
}

func (m *Metrics) JobFinalized(ctx context.Context, source, status string) {
	if m == nil || m.jobsFinalized == nil {
		return
	}
	m.jobsFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source), attribute.String("status", status)))
}

func (m *Metrics) RateLimitYield(ctx context.Context, source string) {
	if m == nil || m.rateLimitYield == nil {
		return
	}
	m.rateLimitYield.Add(ctx, 1, sourceAttr(source))
}

func (m *Metrics) StageRetry(ctx context.Context, source, stage string) {
	if m == nil || m.stageRetries == nil {
		return
	}
	m.stageRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source), attribute.String("stage", stage)))
}
