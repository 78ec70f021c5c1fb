package otel

import (
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// NewMeterProvider builds a standalone meter provider carrying only the
// service name, for callers that need metrics before InitTelemetry runs or
// without an exporter.
func NewMeterProvider(serviceName string) (metric.MeterProvider, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
}
