// Package scheduler executes deployment plans.
//
// An execution walks a plan's phases in order. Inside a phase, every
// PENDING step whose dependencies are complete is dispatched; a step
// launches its tasks and completes once the task store shows every task
// launched. The first step error halts the phase: no new steps start and
// in-flight steps run to their end.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/rollout/comms"
	"github.com/GoCodeAlone/rollout/internal/errs"
	"github.com/GoCodeAlone/rollout/internal/logging"
	"github.com/GoCodeAlone/rollout/launcher"
	"github.com/GoCodeAlone/rollout/plan"
	"github.com/GoCodeAlone/rollout/task"
)

const defaultPollInterval = 250 * time.Millisecond

// Config wires a Scheduler.
type Config struct {
	Plans    *plan.Registry
	Store    task.Store
	Launcher launcher.Launcher
	Bus      comms.Bus
	Logger   *slog.Logger

	// Sink records TASK_ERROR for launches the launcher refused. Nil
	// writes straight to Store.
	Sink launcher.StatusSink

	// PollInterval is the fallback re-check period while a step waits for
	// its tasks. Bus notifications normally wake it sooner.
	PollInterval time.Duration
	// StepTimeout fails a step whose tasks have not all launched in time.
	// Zero waits indefinitely.
	StepTimeout time.Duration
}

// Scheduler runs plan executions.
type Scheduler struct {
	plans       *plan.Registry
	store       task.Store
	launcher    launcher.Launcher
	sink        launcher.StatusSink
	bus         comms.Bus
	logger      *slog.Logger
	poll        time.Duration
	stepTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	draining bool
	wg       sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Bus == nil {
		cfg.Bus = comms.NewInMemoryBus()
	}
	if cfg.Sink == nil {
		cfg.Sink = storeSink{store: cfg.Store}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		plans:       cfg.Plans,
		store:       cfg.Store,
		launcher:    cfg.Launcher,
		sink:        cfg.Sink,
		bus:         cfg.Bus,
		logger:      logging.OrDiscard(cfg.Logger),
		poll:        cfg.PollInterval,
		stepTimeout: cfg.StepTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// StartPlan begins an execution of the named plan and returns without
// waiting for it. Restarting a finished plan resets its steps.
//
// Errors: NotFound for an unknown plan, AlreadyRunning if an execution of
// the plan is active, UninstallInProgress once draining has begun.
func (s *Scheduler) StartPlan(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.draining {
		return errs.UninstallInProgress()
	}
	p, err := s.plans.Get(name)
	if err != nil {
		return err
	}
	if !p.TryBegin() {
		return errs.AlreadyRunning(name)
	}

	s.wg.Add(1)
	go s.execute(p)
	return nil
}

// WaitForCompletion blocks until the named plan's execution ends in a
// terminal state, returning that state. If timeout elapses first it
// returns the current state and a Timeout error. It never changes plan
// state. A timeout of zero waits until ctx is done.
func (s *Scheduler) WaitForCompletion(ctx context.Context, name string, timeout time.Duration) (plan.Status, error) {
	p, err := s.plans.Get(name)
	if err != nil {
		return "", err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		changed := p.Changed()
		if st := p.Status(); st.Terminal() && !p.Active() {
			return st, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return p.Status(), errs.Timeout(fmt.Sprintf("plan %s", name))
			}
			return p.Status(), ctx.Err()
		}
	}
}

// Plan returns a snapshot of the named plan.
func (s *Scheduler) Plan(name string) (plan.View, error) {
	p, err := s.plans.Get(name)
	if err != nil {
		return plan.View{}, err
	}
	return p.Snapshot(), nil
}

// Plans returns the plan names in order.
func (s *Scheduler) Plans() []string { return s.plans.Names() }

// BeginDrain refuses new executions and stops running ones from
// dispatching further steps. In-flight steps run to their end.
func (s *Scheduler) BeginDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.draining {
		s.draining = true
		s.logger.Info("scheduler draining")
	}
}

// Draining reports whether BeginDrain has been called.
func (s *Scheduler) Draining() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draining
}

// WaitIdle blocks until no execution is running or ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for idle scheduler: %w", ctx.Err())
	}
}

// Close aborts running executions and waits for them to return.
func (s *Scheduler) Close() error {
	s.BeginDrain()
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) execute(p *plan.Plan) {
	defer s.wg.Done()
	start := time.Now()
	s.logger.Info("plan started", slog.String("plan", p.Name()))
	s.publishPlan(p, "")

	for _, ph := range p.Phases() {
		if !s.runPhase(p, ph) {
			break
		}
	}

	p.End()
	st := p.Status()
	msg := ""
	if !st.Terminal() {
		msg = "interrupted"
	}
	s.logger.Info("plan ended",
		slog.String("plan", p.Name()),
		slog.String("status", string(st)),
		slog.Duration("elapsed", time.Since(start)),
	)
	s.publishPlan(p, msg)
}

// runPhase dispatches the phase's steps as they become ready and reports
// whether the phase completed.
func (s *Scheduler) runPhase(p *plan.Plan, ph *plan.Phase) bool {
	done := make(chan *plan.Step)
	inflight := 0
	halted := false

	for {
		if !halted && !s.Draining() && s.ctx.Err() == nil {
			for _, st := range ph.Steps() {
				if st.Status() != plan.StatusPending || !ph.Ready(st) {
					continue
				}
				s.transition(p, ph, st, plan.StatusPrepared, "")
				inflight++
				go func(st *plan.Step) {
					s.runStep(p, ph, st)
					done <- st
				}(st)
			}
		}
		if inflight == 0 {
			break
		}
		st := <-done
		inflight--
		if st.Status() == plan.StatusError && !halted {
			halted = true
			s.logger.Warn("phase halted",
				slog.String("plan", p.Name()),
				slog.String("phase", ph.Name()),
				slog.String("step", st.Name()),
			)
		}
	}
	return ph.Status() == plan.StatusComplete
}

// runStep launches the step's tasks and waits until they are all
// launched or one of them fails.
func (s *Scheduler) runStep(p *plan.Plan, ph *plan.Phase, st *plan.Step) {
	ctx := s.ctx
	notify, unsubscribe := comms.Notify(s.bus, comms.TopicTaskStatus)
	defer unsubscribe()

	names := st.Tasks()
	infos := make([]task.Info, 0, len(names))
	for _, name := range names {
		info, err := s.prepareLaunch(ctx, name)
		if err != nil {
			s.failLaunches(infos, "launch abandoned: "+err.Error())
			s.transition(p, ph, st, plan.StatusError, err.Error())
			return
		}
		infos = append(infos, info)
	}

	s.transition(p, ph, st, plan.StatusStarting, "")
	g, gctx := errgroup.WithContext(ctx)
	refused := make([]error, len(infos))
	for i, info := range infos {
		g.Go(func() error {
			if err := s.launcher.Launch(gctx, info); err != nil {
				refused[i] = err
				return fmt.Errorf("launch %s: %w", info.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var rejected []task.Info
		for i, info := range infos {
			if kerr := s.launcher.Kill(context.Background(), info); kerr != nil {
				s.logger.Warn("kill after failed launch", slog.String("task_id", info.TaskID.Value), slog.Any("err", kerr))
			}
			if refused[i] != nil {
				rejected = append(rejected, info)
			}
		}
		s.failLaunches(rejected, "launch rejected: "+err.Error())
		s.transition(p, ph, st, plan.StatusError, err.Error())
		return
	}
	s.transition(p, ph, st, plan.StatusStarted, "")

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if s.stepTimeout > 0 {
		timer := time.NewTimer(s.stepTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		finished, failure, err := s.evaluate(names)
		switch {
		case err != nil:
			s.transition(p, ph, st, plan.StatusError, err.Error())
			return
		case finished && failure != "":
			s.transition(p, ph, st, plan.StatusError, failure)
			return
		case finished:
			s.transition(p, ph, st, plan.StatusComplete, "")
			return
		}
		select {
		case <-notify:
		case <-ticker.C:
		case <-deadline:
			s.transition(p, ph, st, plan.StatusError, "timed out waiting for tasks to launch")
			return
		case <-ctx.Done():
			s.transition(p, ph, st, plan.StatusError, "scheduler stopped")
			return
		}
	}
}

// prepareLaunch retires the task's previous launch and assigns a new
// launch id.
func (s *Scheduler) prepareLaunch(ctx context.Context, name string) (task.Info, error) {
	rec, err := s.store.Get(name)
	if err != nil {
		return task.Info{}, fmt.Errorf("load task %s: %w", name, err)
	}
	if rec.Active() {
		if err := s.launcher.Kill(ctx, rec.Info); err != nil {
			s.logger.Warn("kill previous launch",
				slog.String("task_id", rec.Info.TaskID.Value),
				slog.Any("err", err),
			)
		}
	}
	id := name + task.LaunchIDSeparator + uuid.NewString()
	if err := s.store.AssignTaskID(name, id); err != nil {
		return task.Info{}, fmt.Errorf("assign task id for %s: %w", name, err)
	}
	info := rec.Info
	info.TaskID = task.TaskID{Value: id}
	return info, nil
}

// failLaunches records TASK_ERROR for launches that will never report, so
// their ids do not stay on the requested status.
func (s *Scheduler) failLaunches(infos []task.Info, reason string) {
	for _, info := range infos {
		id := info.TaskID.Value
		rec, err := s.store.FindByTaskID(id)
		if err != nil {
			continue // already relaunched
		}
		var seq uint64 = 1
		if rec.Status != nil {
			if rec.Status.State.Terminal() {
				continue
			}
			seq = rec.Status.Sequence + 1
		}
		st := task.Status{
			TaskID:   task.TaskID{Value: id},
			State:    task.StateError,
			Message:  reason,
			Sequence: seq,
		}
		if err := s.sink.ReportStatus(context.Background(), id, st); err != nil {
			s.logger.Warn("record failed launch",
				slog.String("task_id", id),
				slog.Any("err", err),
			)
		}
	}
}

// storeSink applies reports directly to the task store.
type storeSink struct {
	store task.Store
}

func (s storeSink) ReportStatus(_ context.Context, _ string, st task.Status) error {
	_, err := s.store.ApplyStatus(st)
	return err
}

// evaluate reads the current launch of every task. It reports finished
// once all tasks reached their goal, or as soon as one can no longer reach
// it, in which case failure describes why.
func (s *Scheduler) evaluate(names []string) (finished bool, failure string, err error) {
	launched := 0
	for _, name := range names {
		rec, err := s.store.Get(name)
		if err != nil {
			return false, "", fmt.Errorf("load task %s: %w", name, err)
		}
		switch {
		case rec.Launched():
			launched++
		case rec.Failed():
			msg := fmt.Sprintf("task %s: %s", name, rec.Status.State)
			if rec.Status.Message != "" {
				msg += ": " + rec.Status.Message
			}
			return true, msg, nil
		case rec.Status != nil && rec.Status.State.Terminal():
			return true, fmt.Sprintf("task %s: %s before reaching goal %s", name, rec.Status.State, rec.Info.Goal), nil
		}
	}
	return launched == len(names), "", nil
}

func (s *Scheduler) transition(p *plan.Plan, ph *plan.Phase, st *plan.Step, to plan.Status, msg string) {
	st.SetStatus(to, msg)

	attrs := []any{
		slog.String("plan", p.Name()),
		slog.String("phase", ph.Name()),
		slog.String("step", st.Name()),
		slog.String("status", string(to)),
	}
	if to == plan.StatusError {
		s.logger.Warn("step failed", append(attrs, slog.String("reason", msg))...)
	} else {
		s.logger.Debug("step transition", attrs...)
	}

	for _, topic := range []string{comms.TopicPlans, p.Name()} {
		s.publish(&comms.Event{
			Type:    comms.TypeStepState,
			Topic:   topic,
			Plan:    p.Name(),
			Phase:   ph.Name(),
			Step:    st.Name(),
			State:   string(to),
			Message: msg,
		})
	}
}

func (s *Scheduler) publishPlan(p *plan.Plan, msg string) {
	for _, topic := range []string{comms.TopicPlans, p.Name()} {
		s.publish(&comms.Event{
			Type:     comms.TypePlanState,
			Topic:    topic,
			Plan:     p.Name(),
			State:    string(p.Status()),
			Message:  msg,
			Metadata: map[string]string{"active": fmt.Sprint(p.Active())},
		})
	}
}

func (s *Scheduler) publish(ev *comms.Event) {
	if err := s.bus.Publish(context.Background(), ev); err != nil {
		s.logger.Warn("publish event failed", slog.String("type", string(ev.Type)), slog.Any("err", err))
	}
}
