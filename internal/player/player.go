package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/scenario"
	"github.com/signalsfoundry/netsim/timectrl"
)

// ErrAlreadyRunning is returned when a scenario is started while another
// one is playing.
var ErrAlreadyRunning = errors.New("scenario already running")

// State is the playback state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option customises a Player.
type Option func(*Player)

// WithClock replaces the wall clock.
func WithClock(c timectrl.Clock) Option {
	return func(p *Player) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Player) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics attaches a run recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(p *Player) { p.metrics = m }
}

// Player plays one scenario at a time. Operations run in offset order and a
// failed operation never stops the timeline.
type Player struct {
	exec    *Executor
	clock   timectrl.Clock
	logger  logging.Logger
	metrics MetricsRecorder

	mu      sync.Mutex
	state   State
	current string
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs an idle player.
func New(exec *Executor, opts ...Option) *Player {
	p := &Player{
		exec:   exec,
		clock:  timectrl.WallClock{},
		logger: logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// State reports the playback state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Current returns the name of the scenario playing or last played.
func (p *Player) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Player) begin(ctx context.Context, s scenario.Scenario) (context.Context, chan struct{}, error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, p.current)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.state = StateRunning
	p.current = s.Name
	p.cancel = cancel
	p.done = done
	return ctx, done, nil
}

// finish ends a run. A run that was stopped already left the player, so its
// late return only closes done.
func (p *Player) finish(done chan struct{}) {
	p.mu.Lock()
	if p.done == done {
		p.state = StateCompleted
		p.cancel = nil
		p.done = nil
	}
	p.mu.Unlock()
	close(done)
}

// Play runs s on the calling goroutine and returns when every operation has
// been dispatched or the run was stopped. A stopped run returns the context
// error.
func (p *Player) Play(ctx context.Context, s scenario.Scenario) error {
	ctx, done, err := p.begin(ctx, s)
	if err != nil {
		return err
	}
	defer p.finish(done)
	return p.run(ctx, s)
}

// Start runs s on a new goroutine. The returned channel is closed when the
// run ends.
func (p *Player) Start(ctx context.Context, s scenario.Scenario) (<-chan struct{}, error) {
	ctx, done, err := p.begin(ctx, s)
	if err != nil {
		return nil, err
	}
	go func() {
		defer p.finish(done)
		_ = p.run(ctx, s)
	}()
	return done, nil
}

// Stop cancels the running scenario and moves the player to Completed
// without waiting. The in-flight action is abandoned without rollback and
// the run's done channel closes once it returns. Stop on an idle player
// does nothing.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	if cancel == nil {
		p.mu.Unlock()
		return
	}
	p.state = StateCompleted
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()
	cancel()
}

func (p *Player) run(ctx context.Context, s scenario.Scenario) error {
	events := p.exec.Events()
	ops := s.Ordered()
	events.Infof("Playing scenario %q (%d operations)", s.Name, len(ops))
	p.logger.Info(ctx, "scenario started",
		logging.String("scenario", s.Name),
		logging.Int("operations", len(ops)),
	)
	if p.metrics != nil {
		p.metrics.ScenarioStarted()
	}

	start := p.clock.Now()
	failures := 0
	for i, op := range ops {
		if err := p.sleepUntil(ctx, start.Add(op.Offset())); err != nil {
			return p.stopped(ctx, s, i, len(ops))
		}
		if _, err := p.exec.Run(ctx, op.Action); err != nil {
			failures++
			if ctx.Err() != nil {
				return p.stopped(ctx, s, i, len(ops))
			}
		}
	}

	if failures == 0 {
		events.Successf("Scenario %q completed", s.Name)
	} else {
		events.Infof("Scenario %q completed with %d failed operations", s.Name, failures)
	}
	p.logger.Info(ctx, "scenario completed",
		logging.String("scenario", s.Name),
		logging.Int("failures", failures),
	)
	if p.metrics != nil {
		p.metrics.ScenarioFinished("completed")
	}
	return nil
}

func (p *Player) stopped(ctx context.Context, s scenario.Scenario, at, total int) error {
	p.exec.Events().Infof("Scenario %q stopped after %d of %d operations", s.Name, at, total)
	p.logger.Info(ctx, "scenario stopped", logging.String("scenario", s.Name), logging.Int("dispatched", at))
	if p.metrics != nil {
		p.metrics.ScenarioFinished("stopped")
	}
	return ctx.Err()
}

// sleepUntil suspends the player goroutine until the clock reaches t.
func (p *Player) sleepUntil(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := t.Sub(p.clock.Now())
	if d <= 0 {
		return nil
	}
	select {
	case <-p.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
