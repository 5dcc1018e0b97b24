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

// CPUClock measures the CPU time consumed by the calling OS thread, in
// nanoseconds. Readings are only meaningful when every call happens on the
// same thread, which the profiler guarantees by running the capture path on
// the host's pinned execution thread.
//
// If the platform clock cannot be read, readings are zero; the profiler
// keeps running and the affected samples carry a zero delta.
type CPUClock struct {
	now  func() int64
	last int64
}

// NewCPUClock constructs a clock backed by the per-thread CPU time source of
// the platform. The initial reference point for Diff is the construction
// time.
func NewCPUClock() *CPUClock {
	return newCPUClock(threadCPUTime)
}

func newCPUClock(now func() int64) *CPUClock {
	return &CPUClock{now: now, last: now()}
}

// Now returns the CPU time consumed by the calling thread.
func (c *CPUClock) Now() int64 {
	return c.now()
}

// Diff returns the CPU time consumed since the previous call to Diff (or
// since construction for the first call) and advances the reference point.
func (c *CPUClock) Diff() int64 {
	t := c.now()
	if t == 0 {
		return 0 // the clock could not be read; keep the reference point
	}
	return c.diffAt(t)
}

func (c *CPUClock) diffAt(t int64) int64 {
	d := t - c.last
	c.last = t
	return d
}
