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
	"sync/atomic"
	"time"
)

// samplerThread periodically asks the host to run the profiler's capture
// callback on its primary execution thread. It owns no profiler state: it
// only talks to the host through the interrupt request primitive, so the
// capture path and the symbolizer never contend with it.
type samplerThread struct {
	profiler *CPUProfiler
	period   time.Duration
	running  atomic.Bool
	done     chan struct{}
}

func startSamplerThread(p *CPUProfiler, hz int) *samplerThread {
	s := &samplerThread{
		profiler: p,
		period:   time.Second / time.Duration(hz),
		done:     make(chan struct{}),
	}
	s.running.Store(true)
	go s.loop()
	return s
}

func (s *samplerThread) loop() {
	defer close(s.done)
	for s.running.Load() {
		s.profiler.host.RequestInterrupt(s.profiler.captureAndWake)
		time.Sleep(s.period)
	}
}

// stop flips the running flag; the loop exits after its current sleep.
func (s *samplerThread) stop() {
	s.running.Store(false)
}

// join blocks until the loop has exited. Teardown paths must join before
// releasing the profiler, or a late interrupt request would reach a dead
// host.
func (s *samplerThread) join() {
	<-s.done
}
