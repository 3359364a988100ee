package server

import (
	"context"
	"time"

	"github.com/GoCodeAlone/rollout/comms"
	"github.com/GoCodeAlone/rollout/plan"
	"github.com/GoCodeAlone/rollout/task"
	"github.com/GoCodeAlone/rollout/uninstall"
)

// noopPlans satisfies api.PlanRunner for tests.
type noopPlans struct{}

func (n *noopPlans) Plans() []string {
	return []string{"deploy"}
}

func (n *noopPlans) Plan(name string) (plan.View, error) {
	return plan.View{Name: name, Status: plan.StatusPending}, nil
}

func (n *noopPlans) StartPlan(_ context.Context, _ string) error {
	return nil
}

func (n *noopPlans) WaitForCompletion(_ context.Context, _ string, _ time.Duration) (plan.Status, error) {
	return plan.StatusComplete, nil
}

// noopPods satisfies api.PodQuerier for tests.
type noopPods struct{}

func (n *noopPods) Pods() ([]string, error) {
	return nil, nil
}

func (n *noopPods) GetPodInfo(_ string) ([]task.Record, error) {
	return nil, nil
}

func (n *noopPods) Tasks(_ task.Filter) ([]task.Record, error) {
	return nil, nil
}

func (n *noopPods) ReportStatus(_ context.Context, _ string, _ task.Status) error {
	return nil
}

// noopUninstaller satisfies api.Uninstaller for tests.
type noopUninstaller struct{}

func (n *noopUninstaller) State() uninstall.State {
	return uninstall.StateNone
}

func (n *noopUninstaller) RequestUninstall(_ context.Context) uninstall.State {
	return uninstall.StateRequested
}

// noopBus satisfies comms.Bus for tests.
type noopBus struct{}

func (n *noopBus) Publish(_ context.Context, _ *comms.Event) error {
	return nil
}

func (n *noopBus) Subscribe(_ string, _ comms.Handler) (unsubscribe func()) {
	return func() {}
}

func (n *noopBus) History(_ string, _ int) ([]*comms.Event, error) {
	return nil, nil
}
