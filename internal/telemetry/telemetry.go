// Package telemetry provides the OTel instrument entry points. The host
// process decides whether a meter provider is installed; with none, the
// global no-op provider keeps instrument calls free.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Meter returns a named meter from the globally registered provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}
