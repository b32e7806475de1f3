package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PlaybackCollector exposes scenario playback and layout metrics.
type PlaybackCollector struct {
	gatherer prometheus.Gatherer

	ScenarioRuns      *prometheus.CounterVec
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	LayoutTick        prometheus.Histogram
	ScenarioRunning   prometheus.Gauge
}

// NewPlaybackCollector registers playback metrics against the provided registerer.
func NewPlaybackCollector(reg prometheus.Registerer) (*PlaybackCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsim_scenario_runs_total",
		Help: "Scenario runs, labeled by how they ended (completed or stopped).",
	}, []string{"outcome"})
	runs, err := registerCounterVec(reg, runs, "netsim_scenario_runs_total")
	if err != nil {
		return nil, err
	}

	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsim_actions_total",
		Help: "Executed actions, labeled by action type and outcome.",
	}, []string{"type", "outcome"})
	ops, err = registerCounterVec(reg, ops, "netsim_actions_total")
	if err != nil {
		return nil, err
	}

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netsim_action_duration_seconds",
		Help:    "Duration of executed actions.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"type"})
	opDuration, err = registerHistogramVec(reg, opDuration, "netsim_action_duration_seconds")
	if err != nil {
		return nil, err
	}

	tick := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netsim_layout_tick_duration_seconds",
		Help:    "Duration of one force layout relaxation tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
	})
	tick, err = registerHistogram(reg, tick, "netsim_layout_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netsim_scenario_running",
		Help: "Scenario runs whose player goroutine has not returned yet.",
	})
	running, err = registerGauge(reg, running, "netsim_scenario_running")
	if err != nil {
		return nil, err
	}

	return &PlaybackCollector{
		gatherer:          gatherer,
		ScenarioRuns:      runs,
		Operations:        ops,
		OperationDuration: opDuration,
		LayoutTick:        tick,
		ScenarioRunning:   running,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *PlaybackCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveAction records one executed action.
func (c *PlaybackCollector) ObserveAction(actionType, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Operations != nil {
		c.Operations.WithLabelValues(actionType, outcome).Inc()
	}
	if c.OperationDuration != nil {
		c.OperationDuration.WithLabelValues(actionType).Observe(d.Seconds())
	}
}

// ScenarioStarted raises the running gauge.
func (c *PlaybackCollector) ScenarioStarted() {
	if c == nil || c.ScenarioRunning == nil {
		return
	}
	c.ScenarioRunning.Inc()
}

// ScenarioFinished counts a finished run and lowers the running gauge.
func (c *PlaybackCollector) ScenarioFinished(outcome string) {
	if c == nil {
		return
	}
	if c.ScenarioRuns != nil {
		c.ScenarioRuns.WithLabelValues(outcome).Inc()
	}
	if c.ScenarioRunning != nil {
		c.ScenarioRunning.Dec()
	}
}

// ObserveLayoutTick records a layout tick duration measurement.
func (c *PlaybackCollector) ObserveLayoutTick(d time.Duration) {
	if c == nil || c.LayoutTick == nil {
		return
	}
	c.LayoutTick.Observe(d.Seconds())
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
