// Package simulated provides a launcher that walks tasks through their
// lifecycle without running any process. It backs tests and dry runs.
package simulated

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/rollout/internal/errs"
	"github.com/GoCodeAlone/rollout/internal/logging"
	"github.com/GoCodeAlone/rollout/launcher"
	"github.com/GoCodeAlone/rollout/task"
)

// Name is the registry name of this launcher.
const Name = "simulated"

const defaultStepDelay = 20 * time.Millisecond

// Config scripts the simulated outcome of launches.
type Config struct {
	// StepDelay is the pause before each status report.
	StepDelay time.Duration
	// Fail maps task names to the failure message reported after STARTING.
	Fail map[string]string
	// Stall lists task names that never progress past STARTING.
	Stall map[string]bool
	// Reject maps task names to an error returned by Launch itself.
	Reject map[string]error
}

// Launcher implements launcher.Launcher.
type Launcher struct {
	sink   launcher.StatusSink
	cfg    Config
	logger *slog.Logger
	seq    launcher.Sequencer

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.Mutex
	live map[string]context.CancelFunc // launch id -> cancel

	launches atomic.Int64
}

// New creates a simulated launcher reporting to sink.
func New(sink launcher.StatusSink, cfg Config, logger *slog.Logger) *Launcher {
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = defaultStepDelay
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Launcher{
		sink:   sink,
		cfg:    cfg,
		logger: logging.OrDiscard(logger),
		ctx:    ctx,
		stop:   stop,
		live:   make(map[string]context.CancelFunc),
	}
}

// Factory builds a simulated launcher from registry options. Recognised
// settings are "step_delay" (a duration) and "fail" (comma-separated task
// names).
func Factory(opts launcher.Options) (launcher.Launcher, error) {
	var cfg Config
	if v := opts.Settings["step_delay"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse step_delay: %w", err)
		}
		cfg.StepDelay = d
	}
	if v := opts.Settings["fail"]; v != "" {
		cfg.Fail = make(map[string]string)
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Fail[name] = "simulated failure"
			}
		}
	}
	return New(opts.Sink, cfg, opts.Logger), nil
}

// Name returns the launcher identifier.
func (l *Launcher) Name() string { return Name }

// Launches returns how many launches were accepted.
func (l *Launcher) Launches() int { return int(l.launches.Load()) }

// Launch accepts info and starts reporting its progress.
func (l *Launcher) Launch(ctx context.Context, info task.Info) error {
	id := info.TaskID.Value
	if id == "" {
		return errs.InvalidInput("launch %q without task id", info.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.cfg.Reject[info.Name]; err != nil {
		return fmt.Errorf("launch %s: %w", id, err)
	}

	l.mu.Lock()
	if l.ctx.Err() != nil {
		l.mu.Unlock()
		return fmt.Errorf("launch %s: launcher closed", id)
	}
	runCtx, cancel := context.WithCancel(l.ctx)
	l.live[id] = cancel
	l.wg.Add(1)
	l.mu.Unlock()

	l.launches.Add(1)
	go l.run(runCtx, info)
	return nil
}

func (l *Launcher) run(ctx context.Context, info task.Info) {
	defer l.wg.Done()
	id := info.TaskID.Value

	stages := []task.State{task.StateStaging, task.StateStarting}
	var final task.State
	var message string
	switch {
	case l.cfg.Stall[info.Name]:
	case l.cfg.Fail[info.Name] != "":
		final, message = task.StateFailed, l.cfg.Fail[info.Name]
	case info.Goal == task.GoalOnce:
		stages = append(stages, task.StateRunning)
		final = task.StateFinished
	default:
		stages = append(stages, task.StateRunning)
	}
	if final != "" {
		stages = append(stages, final)
	}

	for _, st := range stages {
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.StepDelay):
		}
		seq, ok := l.nextIfLive(id)
		if !ok {
			return
		}
		msg := ""
		if st == final {
			msg = message
		}
		l.report(ctx, id, st, msg, seq)
	}
	if final != "" {
		if cancel, ok := l.forget(id); ok {
			cancel()
		}
	}
}

// Kill stops a live launch and reports it killed. Unknown or finished
// launches are ignored.
func (l *Launcher) Kill(ctx context.Context, info task.Info) error {
	id := info.TaskID.Value
	cancel, ok := l.forget(id)
	if !ok {
		return nil
	}
	cancel()
	l.report(ctx, id, task.StateKilled, "killed", l.seq.Next())
	return nil
}

// nextIfLive draws a sequence number while id is still live, so a kill
// always outranks progress reports already in flight.
func (l *Launcher) nextIfLive(id string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.live[id]; !ok {
		return 0, false
	}
	return l.seq.Next(), true
}

func (l *Launcher) forget(id string) (context.CancelFunc, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cancel, ok := l.live[id]
	delete(l.live, id)
	return cancel, ok
}

func (l *Launcher) report(ctx context.Context, id string, state task.State, msg string, seq uint64) {
	st := task.Status{
		TaskID:    task.TaskID{Value: id},
		State:     state,
		Message:   msg,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
	}
	// Reports outlive the request that triggered them.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := l.sink.ReportStatus(ctx, id, st); err != nil {
		l.logger.Debug("status report dropped",
			slog.String("task_id", id),
			slog.String("state", string(state)),
			slog.Any("err", err),
		)
	}
}

// Close stops all simulated launches.
func (l *Launcher) Close() error {
	l.mu.Lock()
	l.stop()
	l.live = make(map[string]context.CancelFunc)
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}
