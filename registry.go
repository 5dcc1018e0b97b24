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

import "sync"

// The process-wide registry maps each host runtime to the state shared by
// every profiler attached to it. An entry is installed on first attach,
// along with a host teardown hook that stops the host's profilers and
// removes the entry. Insertion and removal are serialized by the registry
// mutex; once attached, profilers hold direct references and never go
// through the registry again.
var registry = struct {
	mutex sync.Mutex
	hosts map[Host]*hostState
}{
	hosts: make(map[Host]*hostState),
}

type hostState struct {
	codeMap *CodeMap

	mutex     sync.Mutex
	profilers []*CPUProfiler
}

// attachProfiler registers p with the state of its host, installing the
// state and the teardown hook on first use, and returns the host's shared
// CodeMap.
func attachProfiler(host Host, p *CPUProfiler) *CodeMap {
	registry.mutex.Lock()
	state := registry.hosts[host]
	if state == nil {
		state = &hostState{codeMap: NewCodeMap(host)}
		registry.hosts[host] = state
		host.OnTeardown(func() { teardownHost(host) })
	}
	registry.mutex.Unlock()

	state.mutex.Lock()
	state.profilers = append(state.profilers, p)
	state.mutex.Unlock()
	return state.codeMap
}

// teardownHost runs when a host shuts down. Every profiler still attached is
// stopped, which joins its sampler thread, before the entry is dropped;
// otherwise a sampler could request an interrupt on a dead host.
func teardownHost(host Host) {
	registry.mutex.Lock()
	state := registry.hosts[host]
	delete(registry.hosts, host)
	registry.mutex.Unlock()

	if state == nil {
		return
	}

	state.mutex.Lock()
	profilers := state.profilers
	state.profilers = nil
	state.mutex.Unlock()

	for _, p := range profilers {
		p.Stop()
	}
}
