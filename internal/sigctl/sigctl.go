// Package sigctl turns OS signals into process-wide pause and shutdown flags
// that workers observe at their suspension points.
package sigctl

import (
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Controller holds the cooperative shutdown and pause flags. Workers finish
// their current turn, checkpoint if mid-flight, and then exit (shutdown) or
// idle (pause).
type Controller struct {
	shutdown atomic.Bool
	paused   atomic.Bool
}

// Install registers the signal handlers: SIGINT/SIGTERM request shutdown,
// SIGUSR1 pauses, SIGUSR2 resumes.
func Install() *Controller {
	c := &Controller{}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGUSR1:
				slog.Info("pause signal received")
				c.paused.Store(true)
			case syscall.SIGUSR2:
				slog.Info("resume signal received")
				c.paused.Store(false)
			default:
				slog.Info("shutdown signal received", "signal", sig.String())
				c.shutdown.Store(true)
			}
		}
	}()

	return c
}

// RequestShutdown raises the shutdown flag programmatically.
func (c *Controller) RequestShutdown() { c.shutdown.Store(true) }

// RequestPause raises the pause flag programmatically.
func (c *Controller) RequestPause() { c.paused.Store(true) }

// Resume clears the pause flag.
func (c *Controller) Resume() { c.paused.Store(false) }

// ShuttingDown reports whether shutdown was requested.
func (c *Controller) ShuttingDown() bool { return c.shutdown.Load() }

// Paused reports whether the pause flag is raised.
func (c *Controller) Paused() bool { return c.paused.Load() }

// Interrupted reports whether either flag is raised. This is the signal
// checker handed to queue receives.
func (c *Controller) Interrupted() bool {
	return c.shutdown.Load() || c.paused.Load()
}
