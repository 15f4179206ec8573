package shutdown

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// HandleSignals turns SIGINT/SIGTERM into RequestShutdown. Repeated signals
// are logged and otherwise ignored. The returned func stops listening.
func (c *Coordinator) HandleSignals() (stop func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	quit := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-sigCh:
				if c.IsShuttingDown() {
					c.logger.Warnf("signal_ignored signal=%s reason=shutdown_in_progress", sig)
					continue
				}
				c.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
				c.RequestShutdown("signal " + sig.String())
			case <-quit:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(quit)
	}
}
