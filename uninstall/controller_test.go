package uninstall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/rollout/comms"
	"github.com/GoCodeAlone/rollout/internal/errs"
	"github.com/GoCodeAlone/rollout/launcher/simulated"
	"github.com/GoCodeAlone/rollout/plan"
	"github.com/GoCodeAlone/rollout/reconciler"
	"github.com/GoCodeAlone/rollout/scheduler"
	"github.com/GoCodeAlone/rollout/task"
)

type service struct {
	ctrl  *Controller
	sched *scheduler.Scheduler
	rec   *reconciler.Reconciler
	bus   *comms.InMemoryBus
}

func newService(t *testing.T, simCfg simulated.Config, drain time.Duration) *service {
	t.Helper()
	store := task.NewMemStore()
	var steps []plan.StepSpec
	for _, pod := range []string{"custom-pod-A-0", "custom-pod-B-0", "custom-pod-C-0"} {
		name := pod + "-server"
		require.NoError(t, store.Register(task.Info{Name: name, PodInstance: pod, Goal: task.GoalRunning}))
		steps = append(steps, plan.StepSpec{Name: pod, Tasks: []string{name}})
	}
	p, err := plan.Build(plan.Spec{Name: "deploy", Phases: []plan.PhaseSpec{{Name: "all", Steps: steps}}})
	require.NoError(t, err)
	plans := plan.NewRegistry()
	require.NoError(t, plans.Register(p))

	bus := comms.NewInMemoryBus()
	rec := reconciler.New(store, bus, nil)
	if simCfg.StepDelay == 0 {
		simCfg.StepDelay = time.Millisecond
	}
	sim := simulated.New(rec, simCfg, nil)
	t.Cleanup(func() { _ = sim.Close() })

	sched := scheduler.New(scheduler.Config{
		Plans:        plans,
		Store:        store,
		Launcher:     sim,
		Sink:         rec,
		Bus:          bus,
		PollInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = sched.Close() })

	ctrl := New(Config{
		Scheduler:    sched,
		Tasks:        rec,
		Launcher:     sim,
		Bus:          bus,
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: drain,
	})
	t.Cleanup(func() { _ = ctrl.Close() })
	return &service{ctrl: ctrl, sched: sched, rec: rec, bus: bus}
}

func TestRequestUninstall_IdempotentAndDrainsEverything(t *testing.T) {
	svc := newService(t, simulated.Config{Stall: map[string]bool{"custom-pod-C-0-server": true}}, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, svc.sched.StartPlan(ctx, "deploy"))
	require.Eventually(t, func() bool {
		n, _ := svc.rec.ActiveCount()
		return n == 3
	}, 2*time.Second, 5*time.Millisecond)

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := svc.ctrl.RequestUninstall(ctx)
			assert.NotEqual(t, StateNone, st)
		}()
	}
	wg.Wait()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := svc.ctrl.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, StateUninstalled, st)
	assert.Equal(t, StateUninstalled, svc.ctrl.RequestUninstall(ctx), "later requests report the final state")

	n, err := svc.rec.ActiveCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	err = svc.sched.StartPlan(ctx, "deploy")
	assert.True(t, errs.Is(err, errs.CodeUninstallInProgress))

	events, err := svc.bus.History(comms.TopicUninstall, 0)
	require.NoError(t, err)
	var states []string
	for _, ev := range events {
		states = append(states, ev.State)
	}
	assert.Equal(t, []string{string(StateRequested), string(StateDraining), string(StateUninstalled)}, states)
}

func TestRequestUninstall_IdleService(t *testing.T) {
	svc := newService(t, simulated.Config{}, time.Second)
	assert.Equal(t, StateNone, svc.ctrl.State())
	assert.Equal(t, StateRequested, svc.ctrl.RequestUninstall(context.Background()))

	select {
	case <-svc.ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("uninstall did not finish")
	}
	assert.Equal(t, StateUninstalled, svc.ctrl.State())
}

func TestWait_TimesOutWithoutRequest(t *testing.T) {
	svc := newService(t, simulated.Config{}, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st, err := svc.ctrl.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateNone, st)
}

func TestRequestUninstall_LetsInFlightStepsFinish(t *testing.T) {
	svc := newService(t, simulated.Config{StepDelay: 20 * time.Millisecond}, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, svc.sched.StartPlan(ctx, "deploy"))
	require.Eventually(t, func() bool {
		n, _ := svc.rec.ActiveCount()
		return n == 3
	}, 2*time.Second, time.Millisecond)

	svc.ctrl.RequestUninstall(ctx)
	st, err := svc.sched.WaitForCompletion(ctx, "deploy", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusComplete, st, "launched steps reach RUNNING before teardown")

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	final, err := svc.ctrl.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, StateUninstalled, final)

	n, err := svc.rec.ActiveCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}
