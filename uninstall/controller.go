// Package uninstall tears a service down: it stops plan executions,
// kills every live task and reports when nothing is left running.
package uninstall

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/rollout/comms"
	"github.com/GoCodeAlone/rollout/internal/logging"
	"github.com/GoCodeAlone/rollout/task"
)

// State is the uninstall lifecycle position.
type State string

const (
	StateNone        State = "NONE"
	StateRequested   State = "UNINSTALL_REQUESTED"
	StateDraining    State = "DRAINING"
	StateUninstalled State = "UNINSTALLED"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultKillRetry    = 5 * time.Second
	defaultDrainTimeout = 30 * time.Second
)

// Drainer stops new plan work and reports when running work is done.
type Drainer interface {
	BeginDrain()
	WaitIdle(ctx context.Context) error
}

// ActiveTasks lists tasks whose current launch is alive.
type ActiveTasks interface {
	ActiveTasks() ([]task.Record, error)
}

// Killer stops a launch.
type Killer interface {
	Kill(ctx context.Context, info task.Info) error
}

// Config wires a Controller.
type Config struct {
	Scheduler Drainer
	Tasks     ActiveTasks
	Launcher  Killer
	Bus       comms.Bus
	Logger    *slog.Logger

	// PollInterval is the fallback re-check period while draining.
	PollInterval time.Duration
	// KillRetry is how long a killed task may stay active before it is
	// killed again.
	KillRetry time.Duration
	// DrainTimeout bounds how long in-flight steps may keep running before
	// their tasks are killed anyway.
	DrainTimeout time.Duration
}

// Controller drives the uninstall state machine. It is safe for
// concurrent use; the teardown runs once however often it is requested.
type Controller struct {
	drainer      Drainer
	tasks        ActiveTasks
	killer       Killer
	bus          comms.Bus
	logger       *slog.Logger
	poll         time.Duration
	killRetry    time.Duration
	drainTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	done  chan struct{}
}

// New creates a Controller in state NONE.
func New(cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.KillRetry <= 0 {
		cfg.KillRetry = defaultKillRetry
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Bus == nil {
		cfg.Bus = comms.NewInMemoryBus()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		drainer:      cfg.Scheduler,
		tasks:        cfg.Tasks,
		killer:       cfg.Launcher,
		bus:          cfg.Bus,
		logger:       logging.OrDiscard(cfg.Logger),
		poll:         cfg.PollInterval,
		killRetry:    cfg.KillRetry,
		drainTimeout: cfg.DrainTimeout,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateNone,
		done:         make(chan struct{}),
	}
}

// RequestUninstall starts the teardown if it has not started yet and
// returns the state after the request. Repeated calls have no further
// effect.
func (c *Controller) RequestUninstall(_ context.Context) State {
	c.mu.Lock()
	if c.state != StateNone {
		st := c.state
		c.mu.Unlock()
		return st
	}
	c.state = StateRequested
	c.mu.Unlock()

	c.logger.Info("uninstall requested")
	c.publish(StateRequested, "")
	go c.run()
	return StateRequested
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the state reaches UNINSTALLED.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Wait blocks until UNINSTALLED or ctx is done, returning the state.
func (c *Controller) Wait(ctx context.Context) (State, error) {
	select {
	case <-c.done:
		return StateUninstalled, nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// Close abandons an unfinished teardown.
func (c *Controller) Close() error {
	c.cancel()
	return nil
}

func (c *Controller) setState(st State, msg string) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.logger.Info("uninstall state", slog.String("state", string(st)))
	c.publish(st, msg)
}

func (c *Controller) run() {
	ctx := c.ctx
	start := time.Now()
	c.setState(StateDraining, "")
	c.drainer.BeginDrain()

	notify, unsubscribe := comms.Notify(c.bus, comms.TopicTaskStatus)
	defer unsubscribe()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	// In-flight steps get until the drain deadline to finish on their own.
	// Past it, killing their tasks unblocks them so the scheduler goes idle.
	idle := make(chan struct{})
	go func() {
		if err := c.drainer.WaitIdle(ctx); err == nil {
			close(idle)
		}
	}()
	drainDeadline := time.NewTimer(c.drainTimeout)
	defer drainDeadline.Stop()

	killed := make(map[string]time.Time) // launch id -> last kill
	schedulerIdle := false
	killing := false
	for {
		active, err := c.tasks.ActiveTasks()
		if err != nil {
			c.logger.Warn("list active tasks", slog.Any("err", err))
		}
		if !killing {
			active = nil
		}
		for _, rec := range active {
			id := rec.Info.TaskID.Value
			if rec.Requested() && !schedulerIdle {
				continue // launch call still in flight
			}
			if at, ok := killed[id]; ok && time.Since(at) < c.killRetry {
				continue
			}
			if err := c.killer.Kill(ctx, rec.Info); err != nil {
				c.logger.Warn("kill task",
					slog.String("task_id", id),
					slog.Any("err", err),
				)
				continue
			}
			killed[id] = time.Now()
		}
		if killing && schedulerIdle && err == nil && len(active) == 0 {
			break
		}

		select {
		case <-idle:
			schedulerIdle = true
			killing = true
			idle = nil
		case <-drainDeadline.C:
			if !killing {
				c.logger.Warn("drain timeout, killing in-flight tasks", slog.Duration("timeout", c.drainTimeout))
				killing = true
			}
		case <-notify:
		case <-ticker.C:
		case <-ctx.Done():
			c.logger.Warn("uninstall abandoned", slog.Any("err", ctx.Err()))
			return
		}
	}

	c.logger.Info("uninstall complete",
		slog.Int("killed", len(killed)),
		slog.Duration("elapsed", time.Since(start)),
	)
	c.setState(StateUninstalled, "")
	close(c.done)
}

func (c *Controller) publish(st State, msg string) {
	ev := &comms.Event{
		Type:    comms.TypeUninstall,
		Topic:   comms.TopicUninstall,
		State:   string(st),
		Message: msg,
	}
	if err := c.bus.Publish(context.Background(), ev); err != nil {
		c.logger.Warn("publish uninstall event", slog.Any("err", err))
	}
}
