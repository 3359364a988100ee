package simulated

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/rollout/launcher"
	"github.com/GoCodeAlone/rollout/task"
)

// recordingSink captures every reported status.
type recordingSink struct {
	mu       sync.Mutex
	statuses []task.Status
}

func (s *recordingSink) ReportStatus(_ context.Context, taskID string, st task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.TaskID.Value != taskID {
		return errors.New("task id mismatch")
	}
	s.statuses = append(s.statuses, st)
	return nil
}

func (s *recordingSink) states(id string) []task.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.State
	for _, st := range s.statuses {
		if st.TaskID.Value == id {
			out = append(out, st.State)
		}
	}
	return out
}

func (s *recordingSink) last(id string) (task.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best task.Status
	found := false
	for _, st := range s.statuses {
		if st.TaskID.Value == id && (!found || st.Sequence > best.Sequence) {
			best, found = st, true
		}
	}
	return best, found
}

func newLauncher(t *testing.T, cfg Config) (*Launcher, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	if cfg.StepDelay == 0 {
		cfg.StepDelay = time.Millisecond
	}
	l := New(sink, cfg, nil)
	t.Cleanup(func() { _ = l.Close() })
	return l, sink
}

func info(name, id string, goal task.Goal) task.Info {
	return task.Info{Name: name, TaskID: task.TaskID{Value: id}, PodInstance: "custom-pod-A-0", Goal: goal}
}

func TestLaunch_RunningGoal(t *testing.T) {
	l, sink := newLauncher(t, Config{})
	require.NoError(t, l.Launch(context.Background(), info("server", "server__1", task.GoalRunning)))

	want := []task.State{task.StateStaging, task.StateStarting, task.StateRunning}
	assert.Eventually(t, func() bool { return len(sink.states("server__1")) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, sink.states("server__1"))
	assert.Equal(t, 1, l.Launches())
}

func TestLaunch_OnceGoalFinishes(t *testing.T) {
	l, sink := newLauncher(t, Config{})
	require.NoError(t, l.Launch(context.Background(), info("init", "init__1", task.GoalOnce)))

	assert.Eventually(t, func() bool {
		st, ok := sink.last("init__1")
		return ok && st.State == task.StateFinished
	}, time.Second, 5*time.Millisecond)
}

func TestLaunch_ScriptedFailure(t *testing.T) {
	l, sink := newLauncher(t, Config{Fail: map[string]string{"server": "exit 1"}})
	require.NoError(t, l.Launch(context.Background(), info("server", "server__1", task.GoalRunning)))

	assert.Eventually(t, func() bool {
		st, ok := sink.last("server__1")
		return ok && st.State == task.StateFailed && st.Message == "exit 1"
	}, time.Second, 5*time.Millisecond)
	assert.NotContains(t, sink.states("server__1"), task.StateRunning)
}

func TestLaunch_Rejections(t *testing.T) {
	boom := errors.New("no offers")
	l, _ := newLauncher(t, Config{Reject: map[string]error{"server": boom}})

	err := l.Launch(context.Background(), info("server", "server__1", task.GoalRunning))
	assert.ErrorIs(t, err, boom)

	err = l.Launch(context.Background(), info("other", "", task.GoalRunning))
	assert.Error(t, err, "launch without task id")

	require.NoError(t, l.Close())
	err = l.Launch(context.Background(), info("other", "other__1", task.GoalRunning))
	assert.Error(t, err, "launch after close")
}

func TestKill_OutranksProgress(t *testing.T) {
	l, sink := newLauncher(t, Config{Stall: map[string]bool{"server": true}})
	in := info("server", "server__1", task.GoalRunning)
	require.NoError(t, l.Launch(context.Background(), in))

	assert.Eventually(t, func() bool { return len(sink.states("server__1")) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Kill(context.Background(), in))
	require.NoError(t, l.Kill(context.Background(), in), "second kill is a no-op")

	st, ok := sink.last("server__1")
	require.True(t, ok)
	assert.Equal(t, task.StateKilled, st.State)

	killed := 0
	for _, s := range sink.states("server__1") {
		if s == task.StateKilled {
			killed++
		}
	}
	assert.Equal(t, 1, killed)
}

func TestKill_FinishedLaunchIgnored(t *testing.T) {
	l, sink := newLauncher(t, Config{})
	in := info("init", "init__1", task.GoalOnce)
	require.NoError(t, l.Launch(context.Background(), in))
	assert.Eventually(t, func() bool {
		st, ok := sink.last("init__1")
		return ok && st.State == task.StateFinished
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Kill(context.Background(), in))
	st, _ := sink.last("init__1")
	assert.Equal(t, task.StateFinished, st.State)
}

func TestFactory_Settings(t *testing.T) {
	l, err := Factory(launcher.Options{
		Sink:     &recordingSink{},
		Settings: map[string]string{"step_delay": "5ms", "fail": "a, b"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	sim := l.(*Launcher)
	assert.Equal(t, 5*time.Millisecond, sim.cfg.StepDelay)
	assert.Len(t, sim.cfg.Fail, 2)
	assert.Equal(t, Name, l.Name())

	_, err = Factory(launcher.Options{Settings: map[string]string{"step_delay": "soon"}})
	assert.Error(t, err)
}
