package timeprof

import "sync"

// fakeHost is an in-package host runtime for tests: interrupts and idle
// callbacks queue up until the test pumps them, standing in for the host
// thread reaching a safe point or going idle.
type fakeHost struct {
	stack []uintptr

	mutex      sync.Mutex
	interrupts []func()
	idle       []func()

	listeners []CodeListener
	teardown  []func()
}

func newFakeHost(stack ...uintptr) *fakeHost {
	return &fakeHost{stack: stack}
}

func (h *fakeHost) RequestInterrupt(fn func()) {
	h.mutex.Lock()
	h.interrupts = append(h.interrupts, fn)
	h.mutex.Unlock()
}

func (h *fakeHost) ScheduleIdle(fn func()) {
	h.mutex.Lock()
	h.idle = append(h.idle, fn)
	h.mutex.Unlock()
}

func (h *fakeHost) SampleStack(pcs []uintptr) int {
	return copy(pcs, h.stack)
}

func (h *fakeHost) SubscribeCode(l CodeListener) {
	h.listeners = append(h.listeners, l)
}

func (h *fakeHost) UnsubscribeCode(l CodeListener) {
	for i, x := range h.listeners {
		if x == l {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

func (h *fakeHost) OnTeardown(fn func()) {
	h.teardown = append(h.teardown, fn)
}

func (h *fakeHost) subscribed() int {
	return len(h.listeners)
}

func (h *fakeHost) emitCode(rec *CodeEventRecord) {
	for _, l := range h.listeners {
		l.CodeEvent(rec)
	}
}

func (h *fakeHost) emitJIT(addr uintptr, size uint64, scriptID int32) {
	for _, l := range h.listeners {
		l.JITEvent(addr, size, scriptID)
	}
}

// pump plays the host thread: run the queued interrupts, then the queued
// idle callbacks.
func (h *fakeHost) pump() {
	h.mutex.Lock()
	interrupts, idle := h.interrupts, h.idle
	h.interrupts, h.idle = nil, nil
	h.mutex.Unlock()

	for _, fn := range interrupts {
		fn()
	}
	for _, fn := range idle {
		fn()
	}
}

// shutdown plays the host teardown path.
func (h *fakeHost) shutdown() {
	hooks := h.teardown
	h.teardown = nil
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

var _ Host = (*fakeHost)(nil)
