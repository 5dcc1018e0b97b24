//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package timeprof

import (
	"context"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// WazeroHost implements the Host contract on top of a WebAssembly module run
// by wazero, making a wazero guest profilable as if it were a managed
// runtime with native interrupt support.
//
// The goroutine invoking the guest (through Run) is the host's primary
// execution thread. Function call boundaries act as safe points: the host's
// function listeners check for pending interrupt and idle callbacks on every
// Before/After and run them inline. Code regions are the function bodies of
// the guest binary, addressed by their offset in the wasm file, which is the
// address space wazero reports for source-level program counters.
//
// A WazeroHost instruments a single guest module.
type WazeroHost struct {
	pending atomic.Bool
	mutex   sync.Mutex
	// Callback queues crossing from other threads into the execution
	// thread, drained at safe points.
	interrupts []func()
	idle       []func()

	teardown []func()

	// Execution-thread state.
	listeners []CodeListener
	stack     []uintptr
	addrs     map[uint32]uintptr
	regions   []hostCodeRegion

	scriptID int32
}

type hostCodeRegion struct {
	rec      *CodeEventRecord
	scriptID int32
}

// NewWazeroHost constructs a host with no instrumented module; call
// LoadModule with the guest binary before instantiating it.
func NewWazeroHost() *WazeroHost {
	return &WazeroHost{addrs: make(map[uint32]uintptr)}
}

// Instrument returns a context which configures wazero to attach the host's
// function listeners to the guest. The returned context must be used both to
// compile and to instantiate the module.
func (h *WazeroHost) Instrument(ctx context.Context) context.Context {
	return context.WithValue(ctx,
		experimental.FunctionListenerFactoryKey{},
		experimental.FunctionListenerFactoryFunc(h.newFunctionListener),
	)
}

// LoadModule parses the guest binary and emits a code event for every
// function body it defines, enriched with DWARF line information when the
// binary carries debug sections. Must be called on the execution thread.
// Listeners subscribing later receive the loaded regions through
// SubscribeCode.
func (h *WazeroHost) LoadModule(name string, wasm []byte) error {
	functions, err := wasmFunctions(wasm)
	if err != nil {
		return err
	}

	dw, err := newDwarfInfo(wasm)
	if err != nil {
		log.Printf("timeprof: %s: %s", name, err)
	}

	h.scriptID++
	scriptID := h.scriptID

	for _, fn := range functions {
		rec := &CodeEventRecord{
			Address:      fn.Address,
			Size:         fn.Size,
			FunctionName: fn.Name,
			ScriptName:   name,
			Comment:      "wasm",
		}
		if dw != nil {
			if file, line, column, ok := dw.lookup(uint64(fn.Address)); ok {
				rec.ScriptName = file
				rec.Line = line
				rec.Column = column
			}
		}
		h.addrs[fn.Index] = fn.Address
		h.regions = append(h.regions, hostCodeRegion{rec: rec, scriptID: scriptID})

		for _, l := range h.listeners {
			l.CodeEvent(rec)
		}
		// The script binding arrives as a separate raw notification, after
		// the structured event, the way JIT runtimes report it.
		for _, l := range h.listeners {
			l.JITEvent(rec.Address, rec.Size, scriptID)
		}
	}
	return nil
}

// Run pins the calling goroutine to its OS thread, making it the host's
// primary execution thread, and invokes fn, typically the module
// instantiation. Callbacks pending when fn returns are drained once before
// Run returns; callbacks they schedule wait for the next safe point (Close
// provides one).
func (h *WazeroHost) Run(fn func()) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	fn()
	h.safepoint()
}

// Close runs the registered teardown hooks. Call after the guest finished,
// on the execution thread.
func (h *WazeroHost) Close() {
	h.safepoint()
	hooks := h.teardown
	h.teardown = nil
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
	h.safepoint()
}

// RequestInterrupt implements Host. May be called from any thread; fn runs
// on the execution thread at the next safe point.
func (h *WazeroHost) RequestInterrupt(fn func()) {
	h.mutex.Lock()
	h.interrupts = append(h.interrupts, fn)
	h.pending.Store(true)
	h.mutex.Unlock()
}

// ScheduleIdle implements Host. Idle callbacks run at safe points, after any
// pending interrupts.
func (h *WazeroHost) ScheduleIdle(fn func()) {
	h.mutex.Lock()
	h.idle = append(h.idle, fn)
	h.pending.Store(true)
	h.mutex.Unlock()
}

// SampleStack implements Host, copying the shadow stack maintained by the
// function listeners, innermost frame first.
func (h *WazeroHost) SampleStack(pcs []uintptr) int {
	n := 0
	for i := len(h.stack) - 1; i >= 0 && n < len(pcs); i-- {
		pcs[n] = h.stack[i]
		n++
	}
	return n
}

// SubscribeCode implements Host. Code regions loaded before the subscription
// are replayed to the new listener, so a profiler enabled mid-run still
// resolves the guest's code.
func (h *WazeroHost) SubscribeCode(l CodeListener) {
	h.listeners = append(h.listeners, l)
	for _, region := range h.regions {
		l.CodeEvent(region.rec)
		l.JITEvent(region.rec.Address, region.rec.Size, region.scriptID)
	}
}

// UnsubscribeCode implements Host.
func (h *WazeroHost) UnsubscribeCode(l CodeListener) {
	for i, x := range h.listeners {
		if x == l {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

// OnTeardown implements Host.
func (h *WazeroHost) OnTeardown(fn func()) {
	h.teardown = append(h.teardown, fn)
}

// safepoint drains queued interrupt and idle callbacks. Runs on the
// execution thread only. Callbacks scheduled while draining wait for the
// next safe point.
func (h *WazeroHost) safepoint() {
	if !h.pending.Load() {
		return
	}
	h.mutex.Lock()
	interrupts, idle := h.interrupts, h.idle
	h.interrupts, h.idle = nil, nil
	h.pending.Store(false)
	h.mutex.Unlock()

	for _, fn := range interrupts {
		fn()
	}
	for _, fn := range idle {
		fn()
	}
}

func (h *WazeroHost) newFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	if def.GoFunction() != nil {
		return nil // host functions have no code region
	}
	return wazeroHostListener{h}
}

type wazeroHostListener struct{ *WazeroHost }

func (h wazeroHostListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, si experimental.StackIterator) context.Context {
	h.stack = append(h.stack, h.addrs[def.Index()])
	h.safepoint()
	return ctx
}

func (h wazeroHostListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
	h.stack = h.stack[:len(h.stack)-1]
	h.safepoint()
}

var _ Host = (*WazeroHost)(nil)
