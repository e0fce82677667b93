// Package signals wires OS signals into the host's shutdown path.
package signals

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mmilitzer/activation-host/internal/logging"
)

// SetupSignalHandler calls onInterrupt once on SIGINT or SIGTERM.
func SetupSignalHandler(onInterrupt func()) {
	log := logging.For("signals")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.WithField("signal", sig.String()).Info("Received signal - triggering graceful shutdown")
		if onInterrupt != nil {
			onInterrupt()
		}
	}()

	log.Debug("Signal handler installed")
}

// SetupDebugSignalHandler sets up SIGQUIT handler for on-demand debugging.
// SIGQUIT (kill -QUIT <pid> or Ctrl+\) triggers onQuit, typically a goroutine dump.
func SetupDebugSignalHandler(onQuit func()) {
	log := logging.For("signals")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGQUIT)

	go func() {
		for range sigChan {
			log.Info("Received SIGQUIT - dumping goroutine stacks")
			if onQuit != nil {
				onQuit()
			}
		}
	}()

	log.Debug("Debug signal handler installed (SIGQUIT will dump stacks)")
}
