package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/clopca/open-mem/internal/daemon"
	"github.com/clopca/open-mem/internal/queue"
)

// ServeAsDaemon claims the project's daemon socket and processes nudges: this
// process becomes the only in-process queue for the directory.
func (e *Engine) ServeAsDaemon(ctx context.Context) error {
	server, err := daemon.Serve(e.cfg.Dir())
	if err != nil {
		return err
	}
	e.daemonServer = server

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-server.Wake():
				if !ok {
					return
				}
				if _, err := e.queue.ProcessBatch(ctx); err != nil {
					slog.Error("nudged batch failed", "error", err)
				}
			}
		}
	}()
	return e.Start(ctx)
}

// WatchDaemon polls daemon liveness and flips the queue between enqueue-only
// (daemon alive) and in-process (daemon dead). Call once on hosts that are
// not themselves the daemon.
func (e *Engine) WatchDaemon(ctx context.Context) {
	stop := make(chan struct{})
	e.watchStop = stop

	probe := func() {
		dir := e.cfg.Dir()
		if daemon.Ping(dir) {
			if e.queue.Mode() != queue.ModeEnqueueOnly {
				slog.Info("daemon detected, switching to enqueue-only")
				e.queue.SetMode(queue.ModeEnqueueOnly, func() {
					if err := daemon.Nudge(dir); err != nil {
						slog.Debug("daemon nudge failed", "error", err)
					}
				})
			}
			return
		}
		if e.queue.Mode() != queue.ModeInProcess {
			slog.Warn("daemon unreachable, falling back to in-process queue")
			e.queue.SetMode(queue.ModeInProcess, nil)
			e.queue.Start(ctx)
		}
	}

	probe()
	go func() {
		ticker := time.NewTicker(daemon.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}
