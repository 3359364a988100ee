// Package task defines task records and their persistence.
//
// A record pairs a task's declared Info with the latest Status observed
// for its current launch. Records are keyed by task name; the launch id
// (Info.TaskID) is assigned each time the task is launched.
package task

import (
	"strings"
	"time"
)

// TaskID is a launch identifier. The wrapper keeps the JSON shape
// {"taskId": {"value": "..."}} that status clients expect.
type TaskID struct {
	Value string `json:"value"`
}

// Goal is the desired end state of a task.
type Goal string

const (
	GoalRunning Goal = "RUNNING" // long-lived; launched once RUNNING
	GoalOnce    Goal = "ONCE"    // run to completion; launched once FINISHED
)

// State is an observed task state.
type State string

const (
	StateStaging  State = "TASK_STAGING"
	StateStarting State = "TASK_STARTING"
	StateRunning  State = "TASK_RUNNING"
	StateFinished State = "TASK_FINISHED"
	StateFailed   State = "TASK_FAILED"
	StateKilled   State = "TASK_KILLED"
	StateLost     State = "TASK_LOST"
	StateError    State = "TASK_ERROR"
)

// Terminal reports whether no further updates are expected for the launch.
func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateFailed, StateKilled, StateLost, StateError:
		return true
	}
	return false
}

// Failed reports whether the state ends a launch unsuccessfully.
func (s State) Failed() bool {
	switch s {
	case StateFailed, StateKilled, StateLost, StateError:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateStaging, StateStarting, StateRunning, StateFinished,
		StateFailed, StateKilled, StateLost, StateError:
		return true
	}
	return false
}

// Info is the declared description of a task.
type Info struct {
	Name        string            `json:"name"`
	TaskID      TaskID            `json:"taskId"`
	PodType     string            `json:"podType"`
	PodIndex    int               `json:"podIndex"`
	PodInstance string            `json:"podInstance"`
	Goal        Goal              `json:"goal"`
	Image       string            `json:"image,omitempty"`
	Cmd         string            `json:"cmd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Status is one observation of a launched task.
type Status struct {
	TaskID    TaskID    `json:"taskId"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	Sequence  uint64    `json:"sequence"`
	Healthy   *bool     `json:"healthy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LaunchRequested is the message of the status a store records when it
// assigns a launch id. The status sits at sequence 0, so the first report
// for the launch replaces it.
const LaunchRequested = "launch requested"

func requestedStatus(id string, at time.Time) *Status {
	return &Status{
		TaskID:    TaskID{Value: id},
		State:     StateStaging,
		Message:   LaunchRequested,
		Timestamp: at,
	}
}

// Record is a task's info together with its latest status, if any.
type Record struct {
	Info   Info    `json:"info"`
	Status *Status `json:"status"`
}

// Active reports whether the current launch is alive.
func (r Record) Active() bool {
	return r.Status != nil && !r.Status.State.Terminal()
}

// Requested reports whether the current launch has been assigned but
// nothing has reported on it yet.
func (r Record) Requested() bool {
	return r.Status != nil && r.Status.Sequence == 0 && r.Status.State == StateStaging
}

// Launched reports whether the current launch reached the task's goal.
func (r Record) Launched() bool {
	if r.Status == nil {
		return false
	}
	if r.Info.Goal == GoalOnce {
		return r.Status.State == StateFinished
	}
	return r.Status.State == StateRunning
}

// Failed reports whether the current launch ended unsuccessfully.
func (r Record) Failed() bool {
	return r.Status != nil && r.Status.State.Failed()
}

func (r Record) clone() Record {
	out := r
	out.Info = cloneInfo(r.Info)
	if r.Status != nil {
		st := *r.Status
		out.Status = &st
	}
	return out
}

// LaunchIDSeparator joins a task name and the per-launch suffix.
const LaunchIDSeparator = "__"

// NameFromTaskID extracts the task name from a launch id.
func NameFromTaskID(id string) string {
	if i := strings.LastIndex(id, LaunchIDSeparator); i > 0 {
		return id[:i]
	}
	return id
}

// Filter controls which records List returns.
type Filter struct {
	PodInstance string `json:"pod_instance,omitempty"`
	ActiveOnly  bool   `json:"active_only,omitempty"`
}

func (f Filter) match(r Record) bool {
	if f.PodInstance != "" && r.Info.PodInstance != f.PodInstance {
		return false
	}
	if f.ActiveOnly && !r.Active() {
		return false
	}
	return true
}

// Store persists task records.
//
// Implementations apply every mutation under per-record exclusivity and
// enforce, at write time, that a stored status always carries the
// record's current launch id.
type Store interface {
	// Register declares a new task. Info.Name must be unique and non-empty;
	// Info.TaskID must be empty.
	Register(info Info) error

	// Get returns the record for a task name.
	Get(name string) (Record, error)

	// FindByTaskID returns the record whose current launch id is id.
	FindByTaskID(id string) (Record, error)

	// AssignTaskID records a new launch of name and clears its status.
	AssignTaskID(name, id string) error

	// ApplyStatus stores st if it belongs to a current launch and is newer
	// than the stored status. It reports whether st was applied.
	ApplyStatus(st Status) (bool, error)

	// ListByPod returns the records of one pod instance.
	ListByPod(podInstance string) ([]Record, error)

	// List returns records matching filter, ordered by name.
	List(filter Filter) ([]Record, error)

	// Delete removes a record.
	Delete(name string) error
}
