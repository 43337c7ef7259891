// Package producer polls the configured forges for labelled work and feeds
// the queue. It is the ingress path for deployments without webhooks.
package producer

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgepilot/forgepilot/internal/forge"
	"github.com/forgepilot/forgepilot/internal/health"
	"github.com/forgepilot/forgepilot/internal/queue"
	"github.com/forgepilot/forgepilot/internal/sigctl"
	"github.com/forgepilot/forgepilot/internal/task"
)

// Producer periodically lists open items carrying the bot label on every
// configured forge and enqueues a descriptor for each. Duplicates from rapid
// polling are tolerated downstream: workers skip items already marked
// processing.
type Producer struct {
	Forges    []forge.Forge
	Queue     queue.Queue
	Signals   *sigctl.Controller
	Heartbeat *health.Heartbeat

	BotLabel string
	Interval time.Duration
}

// RunOnce performs a single poll-and-enqueue pass. It returns the number of
// descriptors enqueued.
func (p *Producer) RunOnce(ctx context.Context) int {
	enqueued := 0
	for _, f := range p.Forges {
		items, err := f.ListItemsWithLabel(ctx, p.BotLabel, "open")
		if err != nil {
			slog.Error("poll failed", "forge", f.Name(), "error", err)
			continue
		}
		for _, item := range items {
			d := task.NewDescriptor(item.Key, item.Author)
			if err := p.Queue.Put(d); err != nil {
				slog.Error("enqueue failed", "task", item.Key.String(), "error", err)
				continue
			}
			slog.Info("enqueued task", "task", item.Key.String(), "uuid", d.UUID)
			enqueued++
		}
	}

	p.beat()
	return enqueued
}

func (p *Producer) beat() {
	if p.Heartbeat == nil {
		return
	}
	if err := p.Heartbeat.Beat(); err != nil {
		slog.Warn("heartbeat write failed", "error", err)
	}
}

// Run loops RunOnce at the configured interval until shutdown. The sleep is
// interruptible at 100 ms granularity so shutdown latency stays short.
func (p *Producer) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	slog.Info("producer started", "interval", interval, "bot_label", p.BotLabel)
	for !p.Signals.ShuttingDown() {
		// A backlog means consumers have not drained the previous pass yet;
		// polling now would only enqueue duplicates.
		if p.Queue.Empty() {
			n := p.RunOnce(ctx)
			slog.Debug("poll pass complete", "enqueued", n)
		} else {
			slog.Debug("queue not drained, skipping poll pass")
			p.beat()
		}

		if !p.sleep(ctx, interval) {
			break
		}
	}
	slog.Info("producer stopped")
}

// sleep waits out the interval in 100 ms slices, returning false when the
// wait was cut short by shutdown or context cancellation.
func (p *Producer) sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if p.Signals.ShuttingDown() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(queue.DefaultPollInterval):
		}
	}
	return true
}
