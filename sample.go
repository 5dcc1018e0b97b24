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

// maxStackDepth is the maximum number of return addresses captured per
// sample. Deeper stacks are truncated.
const maxStackDepth = 255

// Sample is one stack capture taken on the host's execution thread.
//
// A freshly captured sample holds the raw return addresses in Frames,
// innermost frame first, exactly as written by the host's stack sampler.
// Symbolization resolves those addresses through the CodeMap into Locations,
// ordered outermost frame first so the sequence reads as a call stack.
//
// A sample is exclusively owned by whoever currently holds it: the capture
// path hands it to the ring buffer, the symbolizer takes it from the ring
// and appends it to the profiler's output.
type Sample struct {
	// Labels is the label set installed when the sample was captured, nil
	// if none was.
	Labels *LabelSet

	// Frames are the raw captured return addresses, innermost first.
	Frames []uintptr

	// CPUTime is the CPU time consumed by the host thread since the
	// previous capture, in nanoseconds.
	CPUTime int64

	// Timestamp is the monotonic capture time in nanoseconds.
	Timestamp int64

	// Locations are the resolved code regions, outermost first. Populated
	// by symbolize.
	Locations []*CodeEventRecord

	symbolized bool
}

// symbolize resolves the sample's raw frames through m. Frames that fall in
// no known code region are skipped. It returns false when no frame resolved,
// in which case the sample carries no usable information.
//
// Symbolizing an already symbolized sample is a no-op.
func (s *Sample) symbolize(m *CodeMap) bool {
	if !s.symbolized {
		s.symbolized = true
		// Walking the raw frames backwards inverts innermost-first into
		// outermost-first.
		for i := len(s.Frames) - 1; i >= 0; i-- {
			if rec := m.Lookup(s.Frames[i]); rec != nil {
				s.Locations = append(s.Locations, rec)
			}
		}
	}
	return len(s.Locations) > 0
}
