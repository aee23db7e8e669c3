package proc

import (
	"runtime"
	"sync"
)

// Resumer restores a saved trap frame and transfers control to it.
//
// Resume never returns to its caller. Implementations that cannot actually
// transfer control (hosted sessions, tests) must end the calling goroutine
// with runtime.Goexit.
type Resumer interface {
	Resume(tf *Trapframe)
}

// Handoff is the Resumer used when the monitor is hosted outside of the
// kernel: it records the trap frame that would have been restored and
// abandons the calling goroutine.
type Handoff struct {
	mu      sync.Mutex
	resumed *Trapframe
	count   int
}

// Resume records a copy of tf and terminates the calling goroutine.
func (h *Handoff) Resume(tf *Trapframe) {
	cp := *tf
	h.mu.Lock()
	h.resumed = &cp
	h.count++
	h.mu.Unlock()
	runtime.Goexit()
}

// Resumed returns the last trap frame passed to Resume.
func (h *Handoff) Resumed() (*Trapframe, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resumed, h.resumed != nil
}

// Count returns how many times Resume was called.
func (h *Handoff) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
