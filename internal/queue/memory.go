package queue

import (
	"sync"
	"time"

	"github.com/forgepilot/forgepilot/internal/task"
)

// Memory is the in-process bounded FIFO backend. Delivery is exactly-once
// within the same process; nothing survives a restart.
type Memory struct {
	ch     chan task.Descriptor
	stopCh chan struct{}
	once   sync.Once
}

// NewMemory creates an in-process queue with the given capacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 64
	}
	return &Memory{
		ch:     make(chan task.Descriptor, capacity),
		stopCh: make(chan struct{}),
	}
}

func (m *Memory) Put(d task.Descriptor) error {
	select {
	case <-m.stopCh:
		return ErrQueueClosed
	default:
	}

	select {
	case m.ch <- d:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Memory) Get(timeout time.Duration) (task.Descriptor, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.stopCh:
		return task.Descriptor{}, false, ErrQueueClosed
	case d := <-m.ch:
		return d, true, nil
	case <-timer.C:
		return task.Descriptor{}, false, nil
	}
}

func (m *Memory) GetWithSignalCheck(timeout, pollInterval time.Duration, signal SignalChecker) (task.Descriptor, bool, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)

	for {
		if signal != nil && signal() {
			return task.Descriptor{}, false, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return task.Descriptor{}, false, nil
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}

		d, ok, err := m.Get(wait)
		if err != nil || ok {
			return d, ok, err
		}
	}
}

func (m *Memory) Empty() bool {
	return len(m.ch) == 0
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}
