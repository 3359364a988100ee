package reconciler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/rollout/comms"
	"github.com/GoCodeAlone/rollout/internal/errs"
	"github.com/GoCodeAlone/rollout/task"
)

func setup(t *testing.T) (*Reconciler, task.Store, *comms.InMemoryBus) {
	t.Helper()
	store := task.NewMemStore()
	for _, pod := range []string{"custom-pod-A-0", "custom-pod-B-0"} {
		require.NoError(t, store.Register(task.Info{
			Name:        pod + "-server",
			PodType:     pod[:len(pod)-2],
			PodInstance: pod,
			Goal:        task.GoalRunning,
		}))
	}
	bus := comms.NewInMemoryBus()
	return New(store, bus, nil), store, bus
}

func status(state task.State, seq uint64) task.Status {
	return task.Status{State: state, Sequence: seq}
}

func TestReportStatus_AppliesAndPublishes(t *testing.T) {
	r, store, bus := setup(t)
	require.NoError(t, store.AssignTaskID("custom-pod-A-0-server", "custom-pod-A-0-server__1"))

	require.NoError(t, r.ReportStatus(context.Background(), "custom-pod-A-0-server__1", status(task.StateRunning, 1)))

	rec, err := store.Get("custom-pod-A-0-server")
	require.NoError(t, err)
	require.NotNil(t, rec.Status)
	assert.Equal(t, "custom-pod-A-0-server__1", rec.Status.TaskID.Value, "status carries the record's task id")

	events, err := bus.History(comms.TopicTaskStatus, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "custom-pod-A-0-server", events[0].TaskName)
	assert.Equal(t, string(task.StateRunning), events[0].State)

	launched, err := r.IsLaunched("custom-pod-A-0-server")
	require.NoError(t, err)
	assert.True(t, launched)
}

func TestReportStatus_OutOfOrderIgnored(t *testing.T) {
	r, store, bus := setup(t)
	require.NoError(t, store.AssignTaskID("custom-pod-A-0-server", "a__1"))

	require.NoError(t, r.ReportStatus(context.Background(), "a__1", status(task.StateRunning, 5)))
	require.NoError(t, r.ReportStatus(context.Background(), "a__1", status(task.StateStarting, 3)))

	rec, _ := store.Get("custom-pod-A-0-server")
	assert.Equal(t, task.StateRunning, rec.Status.State)
	events, _ := bus.History(comms.TopicTaskStatus, 10)
	assert.Len(t, events, 1, "stale reports are not published")
}

func TestReportStatus_UnknownTask(t *testing.T) {
	r, store, _ := setup(t)

	err := r.ReportStatus(context.Background(), "nobody__1", status(task.StateRunning, 1))
	assert.True(t, errs.Is(err, errs.CodeUnknownTask))

	require.NoError(t, store.AssignTaskID("custom-pod-A-0-server", "a__1"))
	require.NoError(t, store.AssignTaskID("custom-pod-A-0-server", "a__2"))
	err = r.ReportStatus(context.Background(), "a__1", status(task.StateRunning, 9))
	assert.True(t, errs.Is(err, errs.CodeUnknownTask), "retired launch ids are unknown")

	rec, _ := store.Get("custom-pod-A-0-server")
	require.NotNil(t, rec.Status)
	assert.Equal(t, "a__2", rec.Status.TaskID.Value)
	assert.True(t, rec.Requested(), "the stale report did not touch the new launch")
}

func TestReportStatus_InvalidInput(t *testing.T) {
	r, store, _ := setup(t)
	require.NoError(t, store.AssignTaskID("custom-pod-A-0-server", "a__1"))

	err := r.ReportStatus(context.Background(), "", status(task.StateRunning, 1))
	assert.True(t, errs.Is(err, errs.CodeInvalidInput))

	st := status(task.StateRunning, 1)
	st.TaskID = task.TaskID{Value: "a__2"}
	err = r.ReportStatus(context.Background(), "a__1", st)
	assert.True(t, errs.Is(err, errs.CodeInvalidInput), "mismatched task id")
}

func TestPodQueries(t *testing.T) {
	r, store, _ := setup(t)

	recs, err := r.GetPodInfo("custom-pod-A-0")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Info.TaskID.Value, "never launched")
	assert.Nil(t, recs[0].Status)

	_, err = r.GetPodInfo("custom-pod-Z-0")
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	pods, err := r.Pods()
	require.NoError(t, err)
	assert.Equal(t, []string{"custom-pod-A-0", "custom-pod-B-0"}, pods)

	require.NoError(t, store.AssignTaskID("custom-pod-B-0-server", "b__1"))
	require.NoError(t, r.ReportStatus(context.Background(), "b__1", status(task.StateStarting, 1)))
	n, err := r.ActiveCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r.ReportStatus(context.Background(), "b__1", status(task.StateKilled, 2)))
	n, _ = r.ActiveCount()
	assert.Equal(t, 0, n)
}

func TestRecoverOrphans(t *testing.T) {
	r, store, _ := setup(t)
	require.NoError(t, store.AssignTaskID("custom-pod-A-0-server", "a__1"))
	require.NoError(t, r.ReportStatus(context.Background(), "a__1", status(task.StateRunning, 7)))
	require.NoError(t, store.AssignTaskID("custom-pod-B-0-server", "b__1"))
	require.NoError(t, r.ReportStatus(context.Background(), "b__1", status(task.StateStaging, 1)))

	n, err := r.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := store.Get("custom-pod-A-0-server")
	require.NoError(t, err)
	assert.Equal(t, task.StateLost, rec.Status.State)
	assert.Equal(t, uint64(8), rec.Status.Sequence)

	active, err := r.ActiveCount()
	require.NoError(t, err)
	assert.Zero(t, active)

	n, err = r.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to recover")
}
