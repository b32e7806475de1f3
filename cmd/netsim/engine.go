package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/netsim/internal/config"
	"github.com/signalsfoundry/netsim/internal/directory"
	"github.com/signalsfoundry/netsim/internal/eventlog"
	"github.com/signalsfoundry/netsim/internal/eventstore"
	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/internal/observability"
	"github.com/signalsfoundry/netsim/internal/player"
	"github.com/signalsfoundry/netsim/internal/registry"
	"github.com/signalsfoundry/netsim/internal/sim"
	"github.com/signalsfoundry/netsim/kb"
)

// engine is one fully wired simulation with its metrics and optional event
// history.
type engine struct {
	sim      *sim.Simulation
	metrics  *observability.Collector
	playback *observability.PlaybackCollector
	store    *eventstore.Store
}

type engineOptions struct {
	cfg     *config.Config
	dir     directory.Directory
	log     logging.Logger
	sinks   []eventlog.Sink
	promReg *prometheus.Registry
}

func newEngine(ctx context.Context, o engineOptions) (*engine, error) {
	promReg := o.promReg
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}
	collector, err := observability.NewCollector(promReg)
	if err != nil {
		return nil, fmt.Errorf("metrics collector: %w", err)
	}
	playback, err := observability.NewPlaybackCollector(promReg)
	if err != nil {
		return nil, fmt.Errorf("playback collector: %w", err)
	}

	e := &engine{metrics: collector, playback: playback}

	logOpts := []eventlog.Option{
		eventlog.WithCapacity(o.cfg.EventCapacity),
		eventlog.WithMetrics(collector),
	}
	for _, s := range o.sinks {
		logOpts = append(logOpts, eventlog.WithSink(s))
	}
	if o.cfg.EventDB != "" {
		store, err := eventstore.Open(ctx, o.cfg.EventDB, eventstore.WithLogger(o.log))
		if err != nil {
			return nil, fmt.Errorf("event history: %w", err)
		}
		e.store = store
		logOpts = append(logOpts, eventlog.WithSink(store))
		if err := observability.RegisterEventStoreFailures(promReg, store.Failed); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("event history metrics: %w", err)
		}
	}
	events := eventlog.New(logOpts...)

	store := kb.NewKnowledgeBase(kb.WithMetricsRecorder(collector))
	reg := registry.New(o.dir, store,
		registry.WithLogger(o.log),
		registry.WithMetrics(collector),
		registry.WithConnectivitySettle(o.cfg.Simulation.ConnectivitySettle),
	)
	exec := player.NewExecutor(reg, events,
		player.WithExecutorLogger(o.log),
		player.WithExecutorMetrics(playback),
		player.WithPollInterval(o.cfg.Simulation.ReadyPollInterval),
		player.WithTracer(observability.Tracer()),
	)
	p := player.New(exec, player.WithLogger(o.log), player.WithMetrics(playback))

	simOpts := []sim.Option{
		sim.WithLogger(o.log),
		sim.WithLayoutInterval(o.cfg.Simulation.LayoutTick),
		sim.WithLayoutMetrics(playback),
		sim.WithScenarioDir(o.cfg.ScenarioDir),
		sim.WithPlayer(p),
	}
	if e.store != nil {
		simOpts = append(simOpts, sim.WithRunRecorder(e.store))
	}
	e.sim = sim.New(reg, exec, simOpts...)
	return e, nil
}

// Close stops the simulation and closes the event history.
func (e *engine) Close(ctx context.Context) error {
	err := e.sim.Close(ctx)
	if e.store != nil {
		if cerr := e.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// printSink writes every event log entry to w as it is appended.
type printSink struct {
	w       io.Writer
	jsonOut bool
}

func (p printSink) Record(e eventlog.Entry) {
	if p.jsonOut {
		writeJSON(p.w, e)
		return
	}
	fmt.Fprintln(p.w, e.String())
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
