// Package launcher defines how the scheduler starts and stops tasks.
//
// A Launcher acknowledges launch requests synchronously and reports the
// task's progress asynchronously through a StatusSink, the same way an
// orchestration layer delivers status updates after accepting a task.
package launcher

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/GoCodeAlone/rollout/task"
)

// StatusSink receives task status observations.
type StatusSink interface {
	ReportStatus(ctx context.Context, taskID string, st task.Status) error
}

// Launcher starts and stops tasks.
type Launcher interface {
	// Name returns the launcher identifier (e.g., "simulated", "docker").
	Name() string

	// Launch requests that info be started under info.TaskID. It returns
	// once the request is acknowledged; status follows via the sink.
	Launch(ctx context.Context, info task.Info) error

	// Kill stops the launch identified by info.TaskID.
	Kill(ctx context.Context, info task.Info) error

	// Close stops background work.
	Close() error
}

// Options are passed to launcher factories.
type Options struct {
	Sink   StatusSink
	Logger *slog.Logger
	// Settings carries launcher-specific configuration.
	Settings map[string]string
}

// Sequencer hands out increasing status sequence numbers.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 { return s.n.Add(1) }
