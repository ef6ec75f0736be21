// Package shutdown provides a reusable helper for exactly-once,
// best-effort asynchronous teardown, adapted from the wstunnel proxy's
// ShutdownHelper. The Session state machine's Closed transition (spec
// section 4.2) is built on top of this.
package shutdown

import "sync"

// OnceHandler performs the real teardown work exactly once. completionErr
// is the advisory reason shutdown was triggered (nil for a clean close);
// the return value becomes the final completion status.
type OnceHandler func(completionErr error) error

// Helper manages exactly-once shutdown of an object, tracking whether
// shutdown has been requested, whether it has completed, and the final
// completion error. It is safe for concurrent use.
type Helper struct {
	mu       sync.Mutex
	handler  OnceHandler
	started  bool
	done     bool
	err      error
	doneChan chan struct{}
}

// Init prepares a Helper in place. handler is invoked exactly once, in its
// own goroutine, the first time StartShutdown is called.
func (h *Helper) Init(handler OnceHandler) {
	h.handler = handler
	h.doneChan = make(chan struct{})
}

// StartShutdown schedules teardown if it has not already started. It never
// blocks and has no effect on subsequent calls.
func (h *Helper) StartShutdown(completionErr error) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.err = completionErr
	h.mu.Unlock()

	go func() {
		finalErr := h.handler(completionErr)
		h.mu.Lock()
		h.err = finalErr
		h.done = true
		h.mu.Unlock()
		close(h.doneChan)
	}()
}

// IsStarted reports whether shutdown has been requested.
func (h *Helper) IsStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// DoneChan is closed once teardown has completed.
func (h *Helper) DoneChan() <-chan struct{} {
	return h.doneChan
}

// Wait blocks until teardown completes and returns its final status.
func (h *Helper) Wait() error {
	<-h.doneChan
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Shutdown starts (if needed) and waits for teardown, returning the final
// completion status.
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.Wait()
}
