// Package comms provides the in-process event bus that connects the
// status reconciler, the scheduler, the uninstall controller and the SSE
// stream.
package comms

import (
	"context"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	TypeTaskStatus EventType = "task_status" // an applied task status update
	TypeStepState  EventType = "step_state"  // a step changed state
	TypePlanState  EventType = "plan_state"  // a plan execution started or ended
	TypeUninstall  EventType = "uninstall"   // uninstall controller progress
)

// Well-known topics. Plan and step events are also published on a topic
// named after the plan.
const (
	TopicAll        = "*"
	TopicTaskStatus = "task-status"
	TopicPlans      = "plans"
	TopicUninstall  = "uninstall"
)

// Event is one notification on the bus.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Topic     string            `json:"topic"`
	Plan      string            `json:"plan,omitempty"`
	Phase     string            `json:"phase,omitempty"`
	Step      string            `json:"step,omitempty"`
	TaskName  string            `json:"task_name,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	State     string            `json:"state"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler processes a delivered event. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(ctx context.Context, ev *Event) error

// Bus fans events out to topic subscribers.
type Bus interface {
	// Publish delivers ev to subscribers of ev.Topic and of TopicAll.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers a handler for topic. Returns an unsubscribe function.
	Subscribe(topic string, handler Handler) (unsubscribe func())

	// History returns recent events for topic (all topics for TopicAll or "").
	History(topic string, limit int) ([]*Event, error)
}
