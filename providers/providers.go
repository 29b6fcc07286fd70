package providers

import (
	"time"
)

// HistogramProvider provides histogram telemetry capabilities.
type HistogramProvider interface {
	CreateUpdateObservableHistogtram(name, description string)
	RecordHistogramTime(name string, t time.Duration) bool
	RecordHistogramValue(name string, f float64) bool
}

// GaugeProvider provides gauge telemetry capabilities.
type GaugeProvider interface {
	CreateUpdateObservableGauge(name, description string)
	AddToGauge(name string, f float64) bool
	RemoveFromGauge(name string, f float64) bool
	IncrementGauge(name string) bool
	DecrementGauge(name string) bool
	SetGauge(name string, f float64) bool
	SetToCurrentTimeGauge(name string) bool
}

// CounterProvider provides counter telemetry capabilities.
type CounterProvider interface {
	CreateUpdateObservableCounter(name, description string)
	IncrementCounter(name string) bool
}

// TelemetryProvider provides all telemetry capabilities.
type TelemetryProvider interface {
	HistogramProvider
	GaugeProvider
	CounterProvider
}
