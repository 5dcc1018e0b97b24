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

// ProcessSample is the symbolizer worker. It runs on the host thread when
// the runtime is idle and drains every pending raw capture from the ring
// buffer, resolving frames against the CodeMap and appending the result to
// the output array. Captures with no resolvable frame are discarded.
//
// Ring pushes happen in interrupt context and pops happen here; both run on
// the host thread and never concurrently, which is the single-producer
// single-consumer discipline the ring relies on.
func (p *CPUProfiler) ProcessSample() {
	p.wakeScheduled.Store(false)
	for {
		s, ok := p.ring.Pop()
		if !ok {
			return
		}
		if s.symbolize(p.codeMap) {
			p.samples = append(p.samples, s)
		}
	}
}
