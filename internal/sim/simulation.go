// Package sim is the command surface of the simulator. A Simulation ties the
// registry, the action executor, the scenario player and the layout tick
// together and is what the gRPC and HTTP layers drive.
package sim

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/netsim/internal/directory"
	"github.com/signalsfoundry/netsim/internal/eventlog"
	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/internal/player"
	"github.com/signalsfoundry/netsim/internal/registry"
	"github.com/signalsfoundry/netsim/kb"
	"github.com/signalsfoundry/netsim/layout"
	"github.com/signalsfoundry/netsim/model"
	"github.com/signalsfoundry/netsim/scenario"
	"github.com/signalsfoundry/netsim/timectrl"
)

var (
	// ErrNetworkStopped is returned by commands that need a running network.
	ErrNetworkStopped = errors.New("network not running")
	// ErrScenarioNotFound is returned when no scenario file matches a name.
	ErrScenarioNotFound = errors.New("scenario not found")
)

// DefaultLayoutInterval is the layout tick period.
const DefaultLayoutInterval = 50 * time.Millisecond

// LayoutRecorder observes how long each layout tick takes.
type LayoutRecorder interface {
	ObserveLayoutTick(d time.Duration)
}

// RunRecorder brackets scenario runs, for example to group persisted events.
type RunRecorder interface {
	BeginRun(ctx context.Context, scenario string) (int64, error)
	EndRun(ctx context.Context, id int64) error
}

// Option customises a Simulation.
type Option func(*Simulation)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Simulation) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLayoutInterval sets the layout tick period.
func WithLayoutInterval(d time.Duration) Option {
	return func(s *Simulation) {
		if d > 0 {
			s.layoutInterval = d
		}
	}
}

// WithLayoutMetrics attaches a tick duration recorder.
func WithLayoutMetrics(m LayoutRecorder) Option {
	return func(s *Simulation) { s.layoutMetrics = m }
}

// WithScenarioDir sets the directory scenarios are listed from.
func WithScenarioDir(dir string) Option {
	return func(s *Simulation) {
		if dir != "" {
			s.scenarioDir = dir
		}
	}
}

// WithPlayer replaces the default player built on the executor.
func WithPlayer(p *player.Player) Option {
	return func(s *Simulation) {
		if p != nil {
			s.player = p
		}
	}
}

// WithRunRecorder brackets every scenario run with r.
func WithRunRecorder(r RunRecorder) Option {
	return func(s *Simulation) { s.runs = r }
}

// Simulation is safe for concurrent use.
type Simulation struct {
	reg    *registry.Registry
	exec   *player.Executor
	player *player.Player
	events *eventlog.Log
	dir    directory.Directory

	logger         logging.Logger
	layoutInterval time.Duration
	layoutMetrics  LayoutRecorder
	scenarioDir    string
	runs           RunRecorder
	ticker         *timectrl.TimeController

	mu      sync.Mutex
	running bool
	taskCtx context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup
}

// New wires a simulation around reg and exec. The network starts stopped.
func New(reg *registry.Registry, exec *player.Executor, opts ...Option) *Simulation {
	s := &Simulation{
		reg:            reg,
		exec:           exec,
		events:         exec.Events(),
		dir:            reg.Directory(),
		logger:         logging.Noop(),
		layoutInterval: DefaultLayoutInterval,
	}
	if dir, err := scenario.DefaultDirectory(); err == nil {
		s.scenarioDir = dir
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.player == nil {
		s.player = player.New(exec, player.WithLogger(s.logger))
	}
	s.ticker = timectrl.NewTimeController(s.layoutInterval, timectrl.RealTime)
	s.ticker.AddListener(func(time.Time) { s.StepLayout() })
	return s
}

// Events returns the event log.
func (s *Simulation) Events() *eventlog.Log { return s.events }

// Registry returns the node registry.
func (s *Simulation) Registry() *registry.Registry { return s.reg }

// Player returns the scenario player.
func (s *Simulation) Player() *player.Player { return s.player }

// ScenarioDir returns the directory scenarios are listed from.
func (s *Simulation) ScenarioDir() string { return s.scenarioDir }

// Running reports whether the network is started.
func (s *Simulation) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartNetwork starts the storage directory and the layout tick. Starting a
// running network does nothing.
func (s *Simulation) StartNetwork(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.events.Infof("Starting network")
	if err := s.dir.Start(ctx); err != nil {
		s.events.Errorf("Failed to start network: %v", err)
		s.logger.Error(ctx, "network start failed", logging.Err(err))
		return err
	}
	s.taskCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.ticker.Start(s.taskCtx, 0)
	s.events.Successf("Network started")
	s.logger.Info(ctx, "network started")
	return nil
}

// StopNetwork cancels the running scenario and in-flight actions, discards
// every node and stops the directory. Nothing is drained gracefully.
func (s *Simulation) StopNetwork(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.player.Stop()
	cancel()
	s.ticker.Stop()
	s.reg.Teardown()
	err := s.dir.Stop(ctx)
	if err != nil {
		s.events.Errorf("Network stopped with errors: %v", err)
		s.logger.Warn(ctx, "network stop failed", logging.Err(err))
	} else {
		s.events.Infof("Network stopped")
		s.logger.Info(ctx, "network stopped")
	}
	return err
}

func (s *Simulation) taskContext() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, ErrNetworkStopped
	}
	return s.taskCtx, nil
}

// bind derives a context that ends with ctx or when the network stops.
func (s *Simulation) bind(ctx context.Context) (context.Context, context.CancelFunc, error) {
	taskCtx, err := s.taskContext()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(taskCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}, nil
}

// Do runs one action and returns its result. Creations without an id get a
// generated one. Stopping the network cancels the action.
func (s *Simulation) Do(ctx context.Context, a scenario.Action) (player.Result, error) {
	ctx, cancel, err := s.bind(ctx)
	if err != nil {
		return player.Result{}, err
	}
	defer cancel()
	return s.exec.Run(ctx, s.withGeneratedID(a))
}

func (s *Simulation) withGeneratedID(a scenario.Action) scenario.Action {
	switch a := a.(type) {
	case scenario.CreateStorageNode:
		if a.ID == "" {
			a.ID = s.reg.NewID(model.KindStorageNode)
		}
		return a
	case scenario.CreateClientIdentity:
		if a.ID == "" {
			a.ID = s.reg.NewID(model.KindClientIdentity)
		}
		return a
	}
	return a
}

// ProvisionStorageNodes creates n storage nodes with generated ids and
// returns their handles in creation order. It stops at the first failure.
func (s *Simulation) ProvisionStorageNodes(ctx context.Context, n int) ([]*registry.NodeHandle, error) {
	handles := make([]*registry.NodeHandle, 0, n)
	for i := 0; i < n; i++ {
		res, err := s.Do(ctx, scenario.CreateStorageNode{})
		if err != nil {
			return handles, err
		}
		handles = append(handles, res.Handle)
	}
	return handles, nil
}

// RemoveNode deletes a node together with its edges, keypair and sessions.
func (s *Simulation) RemoveNode(id string) error {
	if err := s.reg.RemoveNode(id); err != nil {
		s.events.Errorf("Failed to remove %s: %v", id, err)
		return err
	}
	s.events.Infof("Removed %s", id)
	return nil
}

// MoveNode places a node by hand. The next layout tick keeps relaxing from
// the new position.
func (s *Simulation) MoveNode(id string, pos model.Position) error {
	return s.reg.MoveNode(id, pos)
}

// TestConnectivity probes a storage node and records the result on it.
func (s *Simulation) TestConnectivity(ctx context.Context, id string) error {
	ctx, cancel, err := s.bind(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	s.events.Infof("Testing connectivity to %s", id)
	if err := s.reg.TestConnectivity(ctx, id); err != nil {
		s.events.Errorf("Connectivity test for %s failed: %v", id, err)
		return err
	}
	msg := fmt.Sprintf("Storage node %s is reachable", id)
	if n, ok := s.reg.Store().GetNode(id); ok {
		if info, ok := n.StorageNode(); ok && info.Stats != nil {
			msg += fmt.Sprintf(" (%d keys, %d bytes)", info.Stats.TotalKeys, info.Stats.TotalBytes)
		}
	}
	s.events.Successf("%s", msg)
	return nil
}

// Scenarios lists the scenario directory. Files that fail to load are
// reported to the event log and skipped.
func (s *Simulation) Scenarios() ([]scenario.Entry, error) {
	entries, broken, err := scenario.LoadDirectory(s.scenarioDir)
	if err != nil {
		return nil, err
	}
	for _, le := range broken {
		s.events.Errorf("Skipping scenario %s: %v", filepath.Base(le.Path), le.Err)
		s.logger.Warn(context.Background(), "scenario skipped",
			logging.String("path", le.Path),
			logging.Err(le.Err),
		)
	}
	return entries, nil
}

// FindScenario looks a scenario up by its name or its file name.
func (s *Simulation) FindScenario(name string) (scenario.Scenario, error) {
	entries, err := s.Scenarios()
	if err != nil {
		return scenario.Scenario{}, err
	}
	for _, e := range entries {
		base := strings.TrimSuffix(filepath.Base(e.Path), filepath.Ext(e.Path))
		if e.Scenario.Name == name || base == name {
			return e.Scenario, nil
		}
	}
	return scenario.Scenario{}, fmt.Errorf("%w: %s", ErrScenarioNotFound, name)
}

// PlayScenario clears the topology and starts sc in the background. The
// returned channel is closed when the run ends.
func (s *Simulation) PlayScenario(ctx context.Context, sc scenario.Scenario) (<-chan struct{}, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, ErrNetworkStopped
	}
	if s.player.State() == player.StateRunning {
		return nil, fmt.Errorf("%w: %s", player.ErrAlreadyRunning, s.player.Current())
	}

	s.reg.Teardown()
	var runID int64
	if s.runs != nil {
		id, err := s.runs.BeginRun(ctx, sc.Name)
		if err != nil {
			s.logger.Warn(ctx, "run not recorded", logging.String("scenario", sc.Name), logging.Err(err))
		}
		runID = id
	}
	done, err := s.player.Start(s.taskCtx, sc)
	if err != nil {
		s.endRun(runID)
		return nil, err
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		<-done
		s.endRun(runID)
	}()
	s.logger.Info(ctx, "scenario playing", logging.String("scenario", sc.Name))
	return done, nil
}

func (s *Simulation) endRun(id int64) {
	if s.runs == nil || id == 0 {
		return
	}
	if err := s.runs.EndRun(context.Background(), id); err != nil {
		s.logger.Warn(context.Background(), "run end not recorded", logging.Err(err))
	}
}

// StopScenario stops the running scenario, if any. Nodes it created stay.
func (s *Simulation) StopScenario() {
	s.player.Stop()
}

// Reset stops the running scenario and clears every node, keypair, session
// and event while the network keeps running.
func (s *Simulation) Reset() {
	s.player.Stop()
	s.reg.Teardown()
	s.events.Clear()
	s.logger.Info(context.Background(), "simulation reset")
}

// Snapshot returns a point-in-time copy of the topology.
func (s *Simulation) Snapshot() kb.Snapshot {
	return s.reg.Snapshot()
}

// Endpoints lists the endpoints of running storage nodes.
func (s *Simulation) Endpoints() []string {
	return s.reg.Endpoints()
}

// StepLayout runs one relaxation step over the current topology.
func (s *Simulation) StepLayout() {
	start := time.Now()
	snap := s.reg.Snapshot()
	if len(snap.Nodes) > 0 {
		s.reg.Store().SetPositions(snap.Nodes, layout.Step(snap.Nodes, snap.Edges, s.reg.Canvas()))
	}
	if s.layoutMetrics != nil {
		s.layoutMetrics.ObserveLayoutTick(time.Since(start))
	}
}

// Settle waits for in-flight provisioning and the event entries it reports.
func (s *Simulation) Settle() {
	s.reg.Wait()
	s.exec.Wait()
}

// Close stops the network and waits for background work to finish.
func (s *Simulation) Close(ctx context.Context) error {
	err := s.StopNetwork(ctx)
	s.tasks.Wait()
	s.reg.Wait()
	s.exec.Wait()
	return err
}
