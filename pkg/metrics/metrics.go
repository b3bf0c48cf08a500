package metrics

import "time"

type Labels map[string]string

// Metrics is the measurement capability handed to components. Metric names
// use a "subsystem.name" form; a given name must always be used with the
// same label keys. Implementations must be safe for concurrent use.
type Metrics interface {
	Count(name string, delta float64, labels Labels)
	SetGauge(name string, value float64, labels Labels)
	ObserveDuration(name string, d time.Duration, labels Labels)
}

type nopMetrics struct{}

func (nopMetrics) Count(string, float64, Labels)                 {}
func (nopMetrics) SetGauge(string, float64, Labels)              {}
func (nopMetrics) ObserveDuration(string, time.Duration, Labels) {}

// Nop discards every measurement.
var Nop Metrics = nopMetrics{}
