package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Pool runs up to max workers against the shared queue and waits for them on
// shutdown.
type Pool struct {
	Deps Deps
	Max  int
}

// Run blocks until every worker exits. Workers exit on shutdown signal or a
// closed queue.
func (p *Pool) Run(ctx context.Context) {
	n := p.Max
	if n <= 0 {
		n = 1
	}
	slog.Info("worker pool starting", "workers", n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		w := &Worker{ID: i + 1, Deps: p.Deps}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
	slog.Info("worker pool stopped")
}
