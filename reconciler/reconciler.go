// Package reconciler applies task status reports to the task store and
// answers questions about the launched state of pods.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/GoCodeAlone/rollout/comms"
	"github.com/GoCodeAlone/rollout/internal/errs"
	"github.com/GoCodeAlone/rollout/internal/logging"
	"github.com/GoCodeAlone/rollout/task"
)

// Reconciler implements launcher.StatusSink.
type Reconciler struct {
	store  task.Store
	bus    comms.Bus
	logger *slog.Logger
}

// New creates a Reconciler.
func New(store task.Store, bus comms.Bus, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, bus: bus, logger: logging.OrDiscard(logger)}
}

// ReportStatus records one status observation for the launch taskID.
//
// Out-of-order and duplicate reports are ignored without error. Reports
// for launches the store does not know (never launched, or replaced by a
// newer launch) return an UnknownTask error and leave the store untouched.
func (r *Reconciler) ReportStatus(ctx context.Context, taskID string, st task.Status) error {
	if taskID == "" {
		return errs.InvalidInput("status without task id")
	}
	switch st.TaskID.Value {
	case "":
		st.TaskID.Value = taskID
	case taskID:
	default:
		return errs.InvalidInput("status for %q carries task id %q", taskID, st.TaskID.Value)
	}

	applied, err := r.store.ApplyStatus(st)
	if err != nil {
		if errs.Is(err, errs.CodeUnknownTask) {
			r.logger.Warn("status for unknown task",
				slog.String("task_id", taskID),
				slog.String("state", string(st.State)),
			)
		}
		return err
	}
	if !applied {
		r.logger.Debug("stale status ignored",
			slog.String("task_id", taskID),
			slog.String("state", string(st.State)),
			slog.Uint64("sequence", st.Sequence),
		)
		return nil
	}

	name := task.NameFromTaskID(taskID)
	r.logger.Info("task status",
		slog.String("task", name),
		slog.String("task_id", taskID),
		slog.String("state", string(st.State)),
	)
	if r.bus != nil {
		ev := &comms.Event{
			Type:     comms.TypeTaskStatus,
			Topic:    comms.TopicTaskStatus,
			TaskName: name,
			TaskID:   taskID,
			State:    string(st.State),
			Message:  st.Message,
			Metadata: map[string]string{"sequence": strconv.FormatUint(st.Sequence, 10)},
		}
		if err := r.bus.Publish(ctx, ev); err != nil {
			r.logger.Warn("publish task status failed", slog.String("task_id", taskID), slog.Any("err", err))
		}
	}
	return nil
}

// GetPodInfo returns the records of one pod instance.
func (r *Reconciler) GetPodInfo(podInstance string) ([]task.Record, error) {
	recs, err := r.store.ListByPod(podInstance)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, errs.NotFound("pod", podInstance)
	}
	return recs, nil
}

// Pods returns the names of all known pod instances in order.
func (r *Reconciler) Pods() ([]string, error) {
	recs, err := r.store.List(task.Filter{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var pods []string
	for _, rec := range recs {
		if p := rec.Info.PodInstance; !seen[p] {
			seen[p] = true
			pods = append(pods, p)
		}
	}
	return pods, nil
}

// Tasks returns the records matching filter.
func (r *Reconciler) Tasks(filter task.Filter) ([]task.Record, error) {
	return r.store.List(filter)
}

// IsLaunched reports whether the task's current launch reached its goal.
func (r *Reconciler) IsLaunched(name string) (bool, error) {
	rec, err := r.store.Get(name)
	if err != nil {
		return false, err
	}
	return rec.Launched(), nil
}

// ActiveTasks returns the records whose current launch is still alive.
func (r *Reconciler) ActiveTasks() ([]task.Record, error) {
	return r.store.List(task.Filter{ActiveOnly: true})
}

// ActiveCount returns the number of live launches.
func (r *Reconciler) ActiveCount() (int, error) {
	recs, err := r.ActiveTasks()
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// RecoverOrphans marks every live launch LOST. The daemon calls it at
// boot, before any launcher runs, since launches recorded by a previous
// process can no longer report. It returns how many launches it marked.
func (r *Reconciler) RecoverOrphans(ctx context.Context) (int, error) {
	active, err := r.ActiveTasks()
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, rec := range active {
		id := rec.Info.TaskID.Value
		var seq uint64 = 1
		if rec.Status != nil {
			seq = rec.Status.Sequence + 1
		}
		st := task.Status{
			TaskID:   task.TaskID{Value: id},
			State:    task.StateLost,
			Message:  "launch orphaned by daemon restart",
			Sequence: seq,
		}
		if err := r.ReportStatus(ctx, id, st); err != nil {
			return marked, fmt.Errorf("recover task %s: %w", rec.Info.Name, err)
		}
		marked++
	}
	return marked, nil
}
