//go:build !windows

package signals

import (
	"os"
	"os/signal"
	"syscall"
)

func init() {
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
}

// dispatch runs the handlers for sig and reports whether it was terminal.
func dispatch(sig os.Signal) bool {
	switch sig {
	case syscall.SIGHUP:
		log.Info("SIGHUP received, reloading")
		handleReload()
		return false
	case syscall.SIGINT, syscall.SIGTERM:
		log.WithField("signal", sig.String()).Info("shutting down")
		handleInterrupted()
		return true
	}
	return false
}
