// Package player executes scenario actions against the node registry and
// plays whole scenarios on a wall-clock timeline.
package player

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/netsim/internal/eventlog"
	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/internal/observability"
	"github.com/signalsfoundry/netsim/internal/registry"
	"github.com/signalsfoundry/netsim/scenario"
)

// MetricsRecorder receives action and run outcomes.
type MetricsRecorder interface {
	ObserveAction(actionType, outcome string, d time.Duration)
	ScenarioStarted()
	ScenarioFinished(outcome string)
}

// Result describes a successfully dispatched action.
type Result struct {
	// NodeID is the node created, connected to or read from.
	NodeID string
	// Content is the data returned by a read.
	Content []byte
	// Handle tracks a storage node that is still provisioning.
	Handle *registry.NodeHandle
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l logging.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExecutorMetrics attaches an action recorder.
func WithExecutorMetrics(m MetricsRecorder) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithPollInterval sets the WaitForReady probe interval.
func WithPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.poll = d
		}
	}
}

// WithTracer overrides the tracer used for action spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// Executor runs one action at a time against the registry and reports every
// step to the event log. It is shared by the player and ad-hoc commands and
// is safe for concurrent use.
type Executor struct {
	reg     *registry.Registry
	events  *eventlog.Log
	logger  logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
	poll    time.Duration

	pending sync.WaitGroup
}

// NewExecutor wires an executor to a registry and an event log.
func NewExecutor(reg *registry.Registry, events *eventlog.Log, opts ...ExecutorOption) *Executor {
	e := &Executor{
		reg:    reg,
		events: events,
		logger: logging.Noop(),
		tracer: observability.Tracer(),
		poll:   registry.DefaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Events returns the event log the executor writes to.
func (e *Executor) Events() *eventlog.Log { return e.events }

// Run dispatches a. Failures are logged as Error entries and returned;
// they are never retried.
func (e *Executor) Run(ctx context.Context, a scenario.Action) (Result, error) {
	if a == nil {
		return Result{}, &registry.OpError{Op: "run", Kind: registry.ErrInvalidAction}
	}
	ctx, span := e.tracer.Start(ctx, "netsim.action",
		trace.WithAttributes(attribute.String("netsim.action.type", string(a.Type()))))
	defer span.End()

	start := time.Now()
	res, err := e.dispatch(ctx, a)
	elapsed := time.Since(start)

	if e.metrics != nil {
		e.metrics.ObserveAction(string(a.Type()), registry.KindLabel(err), elapsed)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn(ctx, "action failed",
			logging.String("action", scenario.Describe(a)),
			logging.Duration("elapsed", elapsed),
			logging.Err(err),
		)
		return Result{}, err
	}
	e.logger.Debug(ctx, "action done",
		logging.String("action", scenario.Describe(a)),
		logging.Duration("elapsed", elapsed),
	)
	return res, nil
}

func (e *Executor) dispatch(ctx context.Context, a scenario.Action) (Result, error) {
	if err := a.Validate(); err != nil {
		e.events.Errorf("Rejected %s: %v", scenario.Describe(a), err)
		return Result{}, &registry.OpError{Op: string(a.Type()), Kind: registry.ErrInvalidAction, Err: err}
	}

	switch a := a.(type) {
	case scenario.CreateStorageNode:
		return e.createStorageNode(ctx, a)
	case scenario.CreateClientIdentity:
		return e.createClientIdentity(ctx, a)
	case scenario.Connect:
		return e.connect(ctx, a)
	case scenario.WriteData:
		return e.write(ctx, a)
	case scenario.ReadData:
		return e.read(ctx, a)
	case scenario.WaitForReady:
		return e.waitForReady(ctx, a)
	default:
		err := fmt.Errorf("unsupported action %T", a)
		e.events.Errorf("%v", err)
		return Result{}, &registry.OpError{Op: "run", Kind: registry.ErrInvalidAction, Err: err}
	}
}

func (e *Executor) createStorageNode(ctx context.Context, a scenario.CreateStorageNode) (Result, error) {
	e.events.Infof("Creating storage node %s", a.ID)
	h, err := e.reg.CreateStorageNode(ctx, a.ID)
	if err != nil {
		e.events.Errorf("Failed to create storage node %s: %v", a.ID, err)
		return Result{}, err
	}

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		<-h.Done()
		if err := h.Err(); err != nil {
			e.events.Errorf("Storage node %s failed: %v", h.ID, err)
			return
		}
		endpoint := ""
		if n, ok := e.reg.Store().GetNode(h.ID); ok {
			if info, ok := n.StorageNode(); ok {
				endpoint = info.Endpoint
			}
		}
		e.events.Successf("Storage node %s running at %s", h.ID, endpoint)
	}()
	return Result{NodeID: h.ID, Handle: h}, nil
}

func (e *Executor) createClientIdentity(ctx context.Context, a scenario.CreateClientIdentity) (Result, error) {
	e.events.Infof("Creating client %s", a.ID)
	h, err := e.reg.CreateClientIdentity(ctx, a.ID)
	if err != nil {
		e.events.Errorf("Failed to create client %s: %v", a.ID, err)
		return Result{}, err
	}
	publicKey := ""
	if n, ok := e.reg.Store().GetNode(h.ID); ok {
		if info, ok := n.Client(); ok {
			publicKey = info.PublicKey
		}
	}
	e.events.Successf("Client %s created with public key %s", h.ID, publicKey)
	return Result{NodeID: h.ID}, nil
}

func (e *Executor) connect(ctx context.Context, a scenario.Connect) (Result, error) {
	e.events.Infof("Connecting %s to %s", a.ClientID, a.NodeID)
	if _, err := e.reg.Connect(ctx, a.ClientID, a.NodeID); err != nil {
		e.events.Errorf("Failed to connect %s to %s: %v", a.ClientID, a.NodeID, err)
		return Result{}, err
	}
	e.events.Successf("Connected %s to %s", a.ClientID, a.NodeID)
	return Result{NodeID: a.NodeID}, nil
}

func (e *Executor) write(ctx context.Context, a scenario.WriteData) (Result, error) {
	e.events.Infof("Writing %d bytes to %s as %s", len(a.Content), a.Path, a.ClientID)
	if err := e.reg.Write(ctx, a.ClientID, a.Path, []byte(a.Content)); err != nil {
		e.events.Errorf("Failed to write %s as %s: %v", a.Path, a.ClientID, err)
		return Result{}, err
	}
	e.events.Successf("Wrote %s as %s", a.Path, a.ClientID)
	return Result{NodeID: a.ClientID}, nil
}

func (e *Executor) read(ctx context.Context, a scenario.ReadData) (Result, error) {
	e.events.Infof("Reading %s as %s", a.Path, a.ClientID)
	data, err := e.reg.Read(ctx, a.ClientID, a.Path)
	if err != nil {
		e.events.Errorf("Failed to read %s as %s: %v", a.Path, a.ClientID, err)
		return Result{}, err
	}
	e.events.Successf("Read %d bytes from %s as %s", len(data), a.Path, a.ClientID)
	e.events.Infof("Content: %s", data)
	return Result{NodeID: a.ClientID, Content: data}, nil
}

func (e *Executor) waitForReady(ctx context.Context, a scenario.WaitForReady) (Result, error) {
	e.events.Infof("Waiting for %s to become ready (timeout %s)", a.NodeID, a.Timeout())
	if err := e.reg.WaitForReady(ctx, a.NodeID, a.Timeout(), e.poll); err != nil {
		e.events.Errorf("Storage node %s not ready: %v", a.NodeID, err)
		return Result{}, err
	}
	e.events.Successf("Storage node %s is ready", a.NodeID)
	return Result{NodeID: a.NodeID}, nil
}

// Wait blocks until every pending creation report has been logged.
func (e *Executor) Wait() {
	e.pending.Wait()
}
