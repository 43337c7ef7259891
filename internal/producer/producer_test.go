package producer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/forgepilot/internal/forge"
	"github.com/forgepilot/forgepilot/internal/health"
	"github.com/forgepilot/forgepilot/internal/queue"
	"github.com/forgepilot/forgepilot/internal/sigctl"
	"github.com/forgepilot/forgepilot/internal/task"
)

type listingForge struct {
	forge.Forge
	name  string
	items []forge.Item
	err   error

	polls    int
	gotLabel string
	gotState string
}

func (f *listingForge) Name() string { return f.name }

func (f *listingForge) ListItemsWithLabel(ctx context.Context, label, state string) ([]forge.Item, error) {
	f.polls++
	f.gotLabel, f.gotState = label, state
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func TestRunOnceEnqueuesLabelledItems(t *testing.T) {
	gh := &listingForge{name: "github", items: []forge.Item{
		{Key: task.GitHubIssue("octo", "repo", 1), Author: "alice"},
		{Key: task.GitHubPullRequest("octo", "repo", 2), Author: "bob"},
	}}
	gl := &listingForge{name: "gitlab", items: []forge.Item{
		{Key: task.GitLabIssue(314, 9), Author: "carol"},
	}}
	q := queue.NewMemory(8)

	p := &Producer{
		Forges:   []forge.Forge{gh, gl},
		Queue:    q,
		BotLabel: "coding agent",
	}
	n := p.RunOnce(context.Background())
	assert.Equal(t, 3, n)

	assert.Equal(t, "coding agent", gh.gotLabel)
	assert.Equal(t, "open", gh.gotState)

	d, ok, err := q.Get(100 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", d.User)
	assert.Equal(t, 1, d.Key.Number)
}

func TestRunOnceToleratesPollFailure(t *testing.T) {
	broken := &listingForge{name: "github", err: errors.New("rate limited")}
	working := &listingForge{name: "gitlab", items: []forge.Item{
		{Key: task.GitLabIssue(314, 9), Author: "carol"},
	}}
	q := queue.NewMemory(8)

	p := &Producer{Forges: []forge.Forge{broken, working}, Queue: q, BotLabel: "coding agent"}
	assert.Equal(t, 1, p.RunOnce(context.Background()))
}

func TestRunOnceBeatsHeartbeat(t *testing.T) {
	dir := t.TempDir()
	hb, err := health.NewHeartbeat(dir, "producer")
	require.NoError(t, err)
	p := &Producer{
		Forges:    []forge.Forge{&listingForge{name: "github"}},
		Queue:     queue.NewMemory(1),
		Heartbeat: hb,
		BotLabel:  "coding agent",
	}
	p.RunOnce(context.Background())

	last, err := hb.Last()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), last, 5*time.Second)
	assert.FileExists(t, filepath.Join(dir, "producer.health"))
}

func TestRunStopsOnShutdown(t *testing.T) {
	signals := &sigctl.Controller{}
	p := &Producer{
		Forges:   []forge.Forge{&listingForge{name: "github"}},
		Queue:    queue.NewMemory(1),
		Signals:  signals,
		BotLabel: "coding agent",
		Interval: time.Hour,
	}

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	signals.RequestShutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop after shutdown request")
	}
}

func TestRunSkipsPollWhileQueueBacklogged(t *testing.T) {
	signals := &sigctl.Controller{}
	q := queue.NewMemory(4)
	require.NoError(t, q.Put(task.NewDescriptor(task.GitHubIssue("octo", "repo", 1), "alice")))

	f := &listingForge{name: "github"}
	p := &Producer{
		Forges:   []forge.Forge{f},
		Queue:    q,
		Signals:  signals,
		BotLabel: "coding agent",
		Interval: time.Hour,
	}

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	signals.RequestShutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop after shutdown request")
	}

	assert.Zero(t, f.polls, "poll pass must be skipped while the queue holds work")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	signals := &sigctl.Controller{}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Producer{
		Forges:   []forge.Forge{&listingForge{name: "github"}},
		Queue:    queue.NewMemory(1),
		Signals:  signals,
		BotLabel: "coding agent",
		Interval: time.Hour,
	}

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop after context cancellation")
	}
}
