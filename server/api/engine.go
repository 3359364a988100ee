// Package api defines the REST API handlers and the interfaces they use to
// reach the plan engine.
package api

import (
	"context"
	"time"

	"github.com/GoCodeAlone/rollout/plan"
	"github.com/GoCodeAlone/rollout/task"
	"github.com/GoCodeAlone/rollout/uninstall"
)

// PlanRunner is the interface the API uses to start and observe plans.
// Implemented by scheduler.Scheduler.
type PlanRunner interface {
	Plans() []string
	Plan(name string) (plan.View, error)
	StartPlan(ctx context.Context, name string) error
	WaitForCompletion(ctx context.Context, name string, timeout time.Duration) (plan.Status, error)
}

// PodQuerier answers task and pod queries and ingests task status.
// Implemented by reconciler.Reconciler.
type PodQuerier interface {
	Pods() ([]string, error)
	GetPodInfo(podInstance string) ([]task.Record, error)
	Tasks(filter task.Filter) ([]task.Record, error)
	ReportStatus(ctx context.Context, taskID string, st task.Status) error
}

// Uninstaller exposes the uninstall state machine.
// Implemented by uninstall.Controller.
type Uninstaller interface {
	State() uninstall.State
	RequestUninstall(ctx context.Context) uninstall.State
}
