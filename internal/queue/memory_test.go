package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/forgepilot/internal/task"
)

func testDescriptor(n int) task.Descriptor {
	return task.NewDescriptor(task.GitHubIssue("octo", "repo", n), "alice")
}

func TestMemoryFIFO(t *testing.T) {
	q := NewMemory(8)
	defer q.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Put(testDescriptor(i)))
	}
	assert.False(t, q.Empty())

	for i := 1; i <= 3; i++ {
		d, ok, err := q.Get(time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, d.Key.Number)
	}
	assert.True(t, q.Empty())
}

func TestMemoryPreservesDescriptorContents(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()

	in := testDescriptor(7)
	require.NoError(t, q.Put(in))

	out, ok, err := q.Get(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, out)
}

func TestMemoryGetTimesOutEmpty(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()

	start := time.Now()
	_, ok, err := q.Get(50 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryPutFullQueue(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()

	require.NoError(t, q.Put(testDescriptor(1)))
	assert.ErrorIs(t, q.Put(testDescriptor(2)), ErrQueueFull)
}

func TestMemoryClosed(t *testing.T) {
	q := NewMemory(1)
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Put(testDescriptor(1)), ErrQueueClosed)
	_, _, err := q.Get(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestGetWithSignalCheckAbortsOnSignal(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()

	raised := false
	go func() {
		time.Sleep(150 * time.Millisecond)
		raised = true
	}()

	start := time.Now()
	_, ok, err := q.GetWithSignalCheck(5*time.Second, 10*time.Millisecond, func() bool { return raised })
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.False(t, ok)
	// Aborted well before the timeout, at roughly the signal latency.
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestGetWithSignalCheckDelivers(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = q.Put(testDescriptor(9))
	}()

	d, ok, err := q.GetWithSignalCheck(2*time.Second, 10*time.Millisecond, func() bool { return false })
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, d.Key.Number)
}

func TestGetWithSignalCheckTimesOut(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()

	start := time.Now()
	_, ok, err := q.GetWithSignalCheck(100*time.Millisecond, 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}
