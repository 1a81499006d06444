package config

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	configMetricsOnce sync.Once
	configCounter     metric.Int64Counter
)

func recordConfigValidationEvent(ctx context.Context, env, outcome, errorClass string) {
	configMetricsOnce.Do(func() {
		counter, err := otel.Meter("session-service").Int64Counter("config.validation.events")
		if err == nil {
			configCounter = counter
		}
	})
	if configCounter == nil {
		return
	}
	configCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("env", normalizeEnvName(env)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", errorClass),
	))
}

func normalizeEnvName(env string) string {
	v := strings.TrimSpace(strings.ToLower(env))
	if v == "" {
		return "unknown"
	}
	return v
}

func classifyConfigError(err error) string {
	if err == nil {
		return "none"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "secret"), strings.Contains(msg, "pepper"):
		return "secret"
	case strings.Contains(msg, "ttl"), strings.Contains(msg, "timeout"):
		return "timing"
	default:
		return "validation"
	}
}
