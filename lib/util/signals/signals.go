// Package signals dispatches process signals to registered handlers.
// SIGINT and SIGTERM close open sessions, SIGHUP reloads configuration.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"
)

// sigChan is buffered so a signal delivered before Handle runs is not lost.
var sigChan = make(chan os.Signal, 1)

// Handler is called when a signal is received.
type Handler func()

// HandlerID identifies a registration for later removal.
type HandlerID int

type registeredHandler struct {
	id   HandlerID
	name string
	fn   Handler
}

const defaultShutdownTimeout = 5 * time.Second

var (
	mu              sync.RWMutex
	reloaders       []registeredHandler
	interrupters    []registeredHandler
	nextID          HandlerID
	stopOnce        sync.Once
	shutdownTimeout = defaultShutdownTimeout
)

// RegisterReloadHandler registers f to run on SIGHUP.
// Nil handlers are ignored and return -1.
func RegisterReloadHandler(name string, f Handler) HandlerID {
	return register(&reloaders, name, f)
}

// RegisterInterruptHandler registers f to run on SIGINT or SIGTERM.
// Handlers run in registration order. Nil handlers are ignored and return -1.
func RegisterInterruptHandler(name string, f Handler) HandlerID {
	return register(&interrupters, name, f)
}

func DeregisterReloadHandler(id HandlerID) {
	deregister(&reloaders, id)
}

func DeregisterInterruptHandler(id HandlerID) {
	deregister(&interrupters, id)
}

// SetShutdownTimeout bounds how long interrupt handlers may run in total.
// Non-positive values restore the default.
func SetShutdownTimeout(timeout time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	if timeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
		return
	}
	shutdownTimeout = timeout
}

func register(list *[]registeredHandler, name string, f Handler) HandlerID {
	if f == nil {
		return -1
	}
	mu.Lock()
	defer mu.Unlock()
	id := nextID
	nextID++
	*list = append(*list, registeredHandler{id: id, name: name, fn: f})
	log.WithField("handler", name).Debug("Registered signal handler")
	return id
}

func deregister(list *[]registeredHandler, id HandlerID) {
	mu.Lock()
	defer mu.Unlock()
	for i, h := range *list {
		if h.id == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func snapshot(list []registeredHandler) []registeredHandler {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]registeredHandler, len(list))
	copy(out, list)
	return out
}

func runHandlers(kind string, handlers []registeredHandler) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("handler", h.name).WithField("kind", kind).Errorf("panic in signal handler: %v", r)
				}
			}()
			h.fn()
		}()
	}
}

func handleReload() {
	runHandlers("reload", snapshot(reloaders))
}

// handleInterrupted runs interrupt handlers and reports whether they finished
// within the shutdown timeout.
func handleInterrupted() bool {
	mu.RLock()
	handlers := make([]registeredHandler, len(interrupters))
	copy(handlers, interrupters)
	timeout := shutdownTimeout
	mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runHandlers("interrupt", handlers)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.WithField("timeout", timeout).Warn("interrupt handlers timed out")
		return false
	}
}

// Handle dispatches signals until ctx is done or StopHandle is called.
// It returns after the first interrupt has been handled.
func Handle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigChan:
			if !ok {
				return
			}
			if dispatch(sig) {
				return
			}
		}
	}
}

// StopHandle stops signal delivery and makes Handle return.
// Safe to call more than once.
func StopHandle() {
	stopOnce.Do(func() {
		signal.Stop(sigChan)
		close(sigChan)
	})
}
