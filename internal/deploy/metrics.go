package deploy

import "time"

// Metrics receives counters from the service layer.
type Metrics interface {
	IncContentIngested(deduplicated bool)
	IncContentRemoved()
	ObservePoll(action, outcome string, d time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) IncContentIngested(bool)                   {}
func (NopMetrics) IncContentRemoved()                        {}
func (NopMetrics) ObservePoll(string, string, time.Duration) {}
