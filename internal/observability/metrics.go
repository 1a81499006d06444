package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inkwell-notes/session-service/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

type authMetrics struct {
	loginCounter      metric.Int64Counter
	registerCounter   metric.Int64Counter
	refreshCounter    metric.Int64Counter
	logoutCounter     metric.Int64Counter
	validationCounter metric.Int64Counter
	repositoryCounter metric.Int64Counter
	sweepCounter      metric.Int64Counter
}

var (
	metricsMu sync.RWMutex
	appMetric *authMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("session-service")
	m := &authMetrics{}
	if m.loginCounter, err = meter.Int64Counter("auth.login.attempts"); err != nil {
		return nil, err
	}
	if m.registerCounter, err = meter.Int64Counter("auth.register.attempts"); err != nil {
		return nil, err
	}
	if m.refreshCounter, err = meter.Int64Counter("auth.refresh.attempts"); err != nil {
		return nil, err
	}
	if m.logoutCounter, err = meter.Int64Counter("auth.logout.attempts"); err != nil {
		return nil, err
	}
	if m.validationCounter, err = meter.Int64Counter("auth.access_token.validations"); err != nil {
		return nil, err
	}
	if m.repositoryCounter, err = meter.Int64Counter("repository.operations"); err != nil {
		return nil, err
	}
	if m.sweepCounter, err = meter.Int64Counter("auth.token_sweep.purged"); err != nil {
		return nil, err
	}

	metricsMu.Lock()
	appMetric = m
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func current() *authMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetric
}

func RecordAuthLogin(status string) {
	if m := current(); m != nil {
		m.loginCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func RecordAuthRegister(status string) {
	if m := current(); m != nil {
		m.registerCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func RecordAuthRefresh(status string) {
	if m := current(); m != nil {
		m.refreshCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func RecordAuthLogout(status string) {
	if m := current(); m != nil {
		m.logoutCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func RecordAccessTokenValidation(ctx context.Context, result, source string) {
	if m := current(); m != nil {
		m.validationCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", result),
			attribute.String("source", source),
		))
	}
}

func RecordRepositoryOperation(ctx context.Context, entity, operation, outcome string) {
	if m := current(); m != nil {
		m.repositoryCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("operation", operation),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordTokenSweep(purged int64) {
	if m := current(); m != nil {
		m.sweepCounter.Add(context.Background(), purged)
	}
}
