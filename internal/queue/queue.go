// Package queue provides the at-least-once FIFO contract between ingress and
// the worker pool, with an in-process backend and a durable broker backend.
package queue

import (
	"errors"
	"time"

	"github.com/forgepilot/forgepilot/internal/task"
)

var (
	// ErrQueueFull is returned when a bounded backend cannot accept more work.
	ErrQueueFull = errors.New("task queue is full")
	// ErrQueueClosed is returned once the queue has been shut down.
	ErrQueueClosed = errors.New("task queue is closed")
)

// SignalChecker reports whether a shutdown or pause signal is raised.
type SignalChecker func() bool

// Queue is the producer/consumer contract. FIFO within a single backend;
// the durable backend preserves order across restarts, the in-process one
// does not survive them.
type Queue interface {
	// Put enqueues a descriptor. Persistent on the durable backend.
	Put(d task.Descriptor) error

	// Get blocks up to timeout for the next descriptor. The boolean is false
	// when the deadline expires with the queue still empty.
	Get(timeout time.Duration) (task.Descriptor, bool, error)

	// GetWithSignalCheck polls the queue at pollInterval, aborting early when
	// signal() returns true. This is how workers react to shutdown or pause
	// without waiting out the full timeout.
	GetWithSignalCheck(timeout, pollInterval time.Duration, signal SignalChecker) (task.Descriptor, bool, error)

	// Empty is advisory; the producer uses it to decide whether to poll.
	Empty() bool

	Close() error
}

// DefaultPollInterval is the granularity at which blocked receives observe
// signals.
const DefaultPollInterval = 100 * time.Millisecond
