package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "identity-portal"

type appMeters struct {
	authAttempts    metric.Int64Counter
	reuseDetections metric.Int64Counter
	repositoryOps   metric.Int64Counter
	tokenValidation metric.Int64Counter
	rateLimitHits   metric.Int64Counter
	rateLimitDelay  metric.Float64Histogram
	httpDuration    metric.Float64Histogram
}

var (
	metersOnce sync.Once
	meters     *appMeters
)

func getMeters() *appMeters {
	metersOnce.Do(func() {
		meter := otel.Meter(meterName)
		m := &appMeters{}
		var err error
		if m.authAttempts, err = meter.Int64Counter("auth.attempts"); err != nil {
			return
		}
		if m.reuseDetections, err = meter.Int64Counter("auth.refresh.reuse_detections"); err != nil {
			return
		}
		if m.repositoryOps, err = meter.Int64Counter("repository.operations"); err != nil {
			return
		}
		if m.tokenValidation, err = meter.Int64Counter("auth.access_token.validations"); err != nil {
			return
		}
		if m.rateLimitHits, err = meter.Int64Counter("http.rate_limit.decisions"); err != nil {
			return
		}
		if m.rateLimitDelay, err = meter.Float64Histogram("http.rate_limit.retry_after_seconds"); err != nil {
			return
		}
		if m.httpDuration, err = meter.Float64Histogram("http.request.duration_seconds"); err != nil {
			return
		}
		meters = m
	})
	return meters
}

func RecordAuthAttempt(ctx context.Context, operation, outcome string) {
	m := getMeters()
	if m == nil {
		return
	}
	m.authAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func RecordReuseDetected(ctx context.Context, revoked int64) {
	m := getMeters()
	if m == nil {
		return
	}
	m.reuseDetections.Add(ctx, 1, metric.WithAttributes(attribute.Int64("revoked_tokens", revoked)))
}

func RecordRepositoryOperation(ctx context.Context, entity, operation, status string) {
	m := getMeters()
	if m == nil {
		return
	}
	m.repositoryOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation),
		attribute.String("status", status),
	))
}

func RecordAccessTokenValidation(ctx context.Context, outcome, source string) {
	m := getMeters()
	if m == nil {
		return
	}
	m.tokenValidation.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("source", source),
	))
}

func RecordHTTPRequest(ctx context.Context, method, pathGroup string, status int, duration time.Duration) {
	m := getMeters()
	if m == nil {
		return
	}
	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path_group", pathGroup),
		attribute.Int("status", status),
	))
}

func RecordRateLimitDecision(ctx context.Context, scope, decision, mode, keyType string) {
	m := getMeters()
	if m == nil {
		return
	}
	m.rateLimitHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("decision", decision),
		attribute.String("mode", mode),
		attribute.String("key_type", keyType),
	))
}

func RecordRateLimitRetryAfter(ctx context.Context, scope, reason string, retryAfter time.Duration) {
	m := getMeters()
	if m == nil {
		return
	}
	m.rateLimitDelay.Record(ctx, retryAfter.Seconds(), metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("reason", reason),
	))
}

// MetricsConfig is the slice of application config the exporter setup needs.
type MetricsConfig struct {
	Enabled        bool
	Endpoint       string
	Insecure       bool
	ServiceName    string
	Environment    string
	ExportInterval int // seconds
}

func InitMetrics(ctx context.Context, cfg MetricsConfig, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.Enabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := newResource(ctx, cfg.ServiceName, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if cfg.ExportInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(time.Duration(cfg.ExportInterval)*time.Second))
	}
	reader := sdkmetric.NewPeriodicReader(exporter, readerOpts...)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)
	logger.Info("otel metrics initialized", "endpoint", cfg.Endpoint)
	return mp, nil
}

func newResource(ctx context.Context, serviceName, environment string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("deployment.environment", environment),
		),
	)
}
