package lib

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// WithSignals returns a context cancelled on the first SIGINT or SIGTERM.
// A second SIGINT exits the process immediately. Call stop to release the
// signal handlers.
func WithSignals(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC,
		syscall.SIGTERM, // graceful shutdown
		syscall.SIGINT,  // graceful-then-fast shutdown
	)
	done := make(chan struct{})

	go func() {
		var alreadyInterrupted bool
		for {
			select {
			case <-done:
				return
			case sig := <-sigC:
				if sig == syscall.SIGINT && alreadyInterrupted {
					log.Warn("Interrupted twice, exiting")
					os.Exit(130)
				}
				log.Infof("Got %v, stopping...", sig)
				alreadyInterrupted = true
				cancel()
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigC)
		close(done)
		cancel()
	}
}
