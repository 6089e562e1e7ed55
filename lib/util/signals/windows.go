//go:build windows

package signals

import (
	"os"
	"os/signal"
)

func init() {
	signal.Notify(sigChan, os.Interrupt)
}

func dispatch(sig os.Signal) bool {
	if sig == os.Interrupt {
		log.Info("interrupt received, shutting down")
		handleInterrupted()
		return true
	}
	return false
}
