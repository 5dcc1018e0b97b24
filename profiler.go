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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	_ "unsafe"
)

//go:linkname nanotime runtime.nanotime
func nanotime() int64

// ErrInvalidFrequency is returned by Start when the sampling frequency is
// not a positive number of hertz.
var ErrInvalidFrequency = errors.New("invalid sampling frequency")

// CPUProfiler is a sampling CPU profiler attached to a host runtime.
//
// While started, a background sampler thread periodically interrupts the
// host's primary execution thread to capture a raw stack sample, and the
// host's idle loop symbolizes pending captures against the per-host CodeMap.
// Profile drains the accumulated samples into a profile envelope.
//
// CaptureSample runs in interrupt context and ProcessSample in idle context,
// both on the host thread; the remaining methods are host-thread API except
// Stop, which the teardown hook may also call.
type CPUProfiler struct {
	host    Host
	codeMap *CodeMap
	clock   *CPUClock
	ring    *RingBuffer[*Sample]

	walltime func() int64

	// Host-thread state: the output array, the installed labels, and the
	// most recent raw capture.
	samples    []*Sample
	labels     *LabelSet
	lastSample *Sample
	startTime  int64

	wakeScheduled atomic.Bool

	// Guards the lifecycle fields against the host teardown hook stopping
	// the profiler concurrently.
	mutex     sync.Mutex
	sampler   *samplerThread
	frequency int
}

// CPUProfilerOption is a type used to represent configuration options for
// CPUProfiler instances created by NewCPUProfiler.
type CPUProfilerOption func(*CPUProfiler)

// TimeFunc configures the wall-clock source stamped on profile envelopes.
//
// Defaults to time.Now.
func TimeFunc(now func() int64) CPUProfilerOption {
	return func(p *CPUProfiler) { p.walltime = now }
}

// CPUTimeFunc configures the per-thread CPU time source used to compute the
// cpu-time delta carried by each sample.
//
// Defaults to the per-thread CPU clock of the platform.
func CPUTimeFunc(now func() int64) CPUProfilerOption {
	return func(p *CPUProfiler) { p.clock = newCPUClock(now) }
}

// RingCapacity configures how many raw samples may be buffered between
// capture and symbolization; further captures are dropped until the
// symbolizer catches up.
//
// Defaults to DefaultRingCapacity.
func RingCapacity(n int) CPUProfilerOption {
	return func(p *CPUProfiler) { p.ring = NewRingBuffer[*Sample](n) }
}

// NewCPUProfiler constructs a profiler attached to host. Profilers attached
// to the same host share one CodeMap; the first profiler attached to a host
// also installs the teardown hook which stops all of its profilers when the
// host shuts down.
func NewCPUProfiler(host Host, options ...CPUProfilerOption) *CPUProfiler {
	p := &CPUProfiler{
		host:     host,
		clock:    NewCPUClock(),
		ring:     NewRingBuffer[*Sample](DefaultRingCapacity),
		walltime: func() int64 { return time.Now().UnixNano() },
	}
	for _, opt := range options {
		opt(p)
	}
	p.codeMap = attachProfiler(host, p)
	p.startTime = p.walltime()
	return p
}

// Start begins sampling at hz samples per second. Starting an already
// started profiler has no effect, in particular the frequency is not
// changed.
func (p *CPUProfiler) Start(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("%w: want > 0, got %d", ErrInvalidFrequency, hz)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.sampler != nil {
		return nil // already started
	}

	p.startTime = p.walltime()
	p.codeMap.Enable()
	p.frequency = hz
	p.sampler = startSamplerThread(p, hz)
	return nil
}

// Stop ends sampling and waits for the sampler thread to exit. Stopping a
// stopped profiler has no effect. Samples already symbolized remain
// available through TakeSamples and Profile.
func (p *CPUProfiler) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.sampler == nil {
		return // not started
	}

	p.sampler.stop()
	p.sampler.join()
	p.sampler = nil
	p.frequency = 0
	p.codeMap.Disable()
}

// Frequency returns the sampling frequency in hertz, zero when the profiler
// is stopped.
func (p *CPUProfiler) Frequency() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.frequency
}

// SetLabels installs labels on the profiler; every subsequent capture
// carries them until the next call. Must be called on the host thread.
func (p *CPUProfiler) SetLabels(labels *LabelSet) {
	p.labels = labels
}

// Labels returns the currently installed label set, nil if none was ever
// installed.
func (p *CPUProfiler) Labels() *LabelSet {
	return p.labels
}

// CaptureSample records one raw stack sample. It runs in interrupt context
// on the host thread: it takes no locks, allocates only the sample itself,
// and silently drops the capture when the ring buffer is full.
func (p *CPUProfiler) CaptureSample() {
	var pcs [maxStackDepth]uintptr
	n := p.host.SampleStack(pcs[:])

	frames := make([]uintptr, n)
	copy(frames, pcs[:n])

	s := &Sample{
		Labels:    p.labels,
		Frames:    frames,
		CPUTime:   p.clock.Diff(),
		Timestamp: nanotime(),
	}
	p.lastSample = s
	p.ring.Push(s)
}

// captureAndWake is the interrupt callback issued by the sampler thread.
func (p *CPUProfiler) captureAndWake() {
	p.CaptureSample()
	if p.wakeScheduled.CompareAndSwap(false, true) {
		p.host.ScheduleIdle(p.ProcessSample)
	}
}

// LastSample returns the most recent raw capture, whether or not the
// symbolizer processed it yet.
func (p *CPUProfiler) LastSample() *Sample {
	return p.lastSample
}

// TakeSamples returns the symbolized samples accumulated since the previous
// call and clears the output array.
func (p *CPUProfiler) TakeSamples() []*Sample {
	samples := p.samples
	p.samples = nil
	return samples
}

// SampleCount returns the number of symbolized samples accumulated.
func (p *CPUProfiler) SampleCount() int {
	return len(p.samples)
}

// Profile drains the accumulated samples into a profile envelope covering
// the time since the profiler started or since the previous Profile call:
// the envelope's end time becomes the next one's start time, so back-to-back
// calls produce disjoint intervals.
func (p *CPUProfiler) Profile() *Profile {
	now := p.walltime()
	prof := &Profile{
		Name:      "(root)",
		StartTime: p.startTime,
		EndTime:   now,
		Samples:   p.TakeSamples(),
	}
	p.startTime = now
	return prof
}
