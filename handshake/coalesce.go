package handshake

import (
	"sync"
	"time"

	"github.com/opd-ai/meshconnect/errs"
	"github.com/opd-ai/meshconnect/transport"
)

// Coalescer prevents two concurrent MakeConnection calls to the same remote
// endpoint from racing into two TCP connects. The first caller proceeds; any
// concurrent callers wait (bounded by timeout) on a condition variable and,
// on waking, simply retry their own existence check rather than being handed
// the first caller's result.
type Coalescer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	inFlight map[transport.Endpoint]bool
}

// NewCoalescer creates an empty coalescer. A separate instance should be
// used for real connections and for virtual (relayed) ones, per §4.6.
func NewCoalescer() *Coalescer {
	c := &Coalescer{inFlight: make(map[transport.Endpoint]bool)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Begin marks endpoint as in-flight if it is not already, returning true and
// a Done func the caller must call when the connect attempt finishes
// (success or failure). If endpoint is already in-flight, Begin blocks the
// caller until it is released or timeout elapses; it then returns false,
// leaving the existence check (registry.Lookup) to the caller. A timed-out
// wait returns errs.ErrConnectInProgress.
func (c *Coalescer) Begin(endpoint transport.Endpoint, timeout time.Duration) (bool, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inFlight[endpoint] {
		c.inFlight[endpoint] = true
		return true, func() { c.release(endpoint) }, nil
	}

	deadline := time.Now().Add(timeout)
	for c.inFlight[endpoint] {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil, errs.ErrConnectInProgress
		}
		waited := waitWithTimeout(c.cond, &c.mu, remaining)
		if !waited {
			return false, nil, errs.ErrConnectInProgress
		}
	}
	return false, nil, nil
}

func (c *Coalescer) release(endpoint transport.Endpoint) {
	c.mu.Lock()
	delete(c.inFlight, endpoint)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// waitWithTimeout waits on cond (mu already held) for at most timeout,
// reporting whether it was woken (true) rather than timing out (false).
// sync.Cond has no native timeout, so a watcher goroutine broadcasts once
// the deadline passes to unblock the wait.
func waitWithTimeout(cond *sync.Cond, mu *sync.Mutex, timeout time.Duration) bool {
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		close(done)
		cond.Broadcast()
	})
	defer timer.Stop()

	cond.Wait()

	select {
	case <-done:
		return false
	default:
		return true
	}
}
