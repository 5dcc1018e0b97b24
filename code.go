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
	"golang.org/x/exp/slices"
)

// CodeEventRecord describes a region of code emitted by the host runtime.
// Records are immutable once stored in a CodeMap, with the exception of
// ScriptID which may be bound once when a later raw JIT event reveals it.
//
// A record may be shared between the CodeMap and any symbolized sample
// referencing it; it outlives the map entry if a sample still holds it.
type CodeEventRecord struct {
	Address         uintptr
	PreviousAddress uintptr // non-zero only on relocation events
	Size            uint64
	ScriptID        int32 // 0 when unknown
	Line            int32
	Column          int32
	FunctionName    string
	ScriptName      string
	Comment         string
}

// Equal reports whether two records have identical fields, including
// ScriptID.
func (r *CodeEventRecord) Equal(o *CodeEventRecord) bool {
	return r.Address == o.Address &&
		r.PreviousAddress == o.PreviousAddress &&
		r.Size == o.Size &&
		r.ScriptID == o.ScriptID &&
		r.Line == o.Line &&
		r.Column == o.Column &&
		r.FunctionName == o.FunctionName &&
		r.ScriptName == o.ScriptName &&
		r.Comment == o.Comment
}

// contains reports whether addr falls inside the record's code region.
func (r *CodeEventRecord) contains(addr uintptr) bool {
	return addr >= r.Address && uint64(addr-r.Address) < r.Size
}

// CodeMap is an ordered mapping from code start address to CodeEventRecord
// with range lookup. One CodeMap exists per host runtime and is shared by
// every profiler attached to it; all accesses happen on the host's primary
// execution thread so the map needs no synchronization.
//
// The map subscribes to the host's code events while enabled. Enabling is
// reference counted: the first Enable installs the event listener, the last
// matching Disable removes it and clears all entries.
type CodeMap struct {
	host    Host
	records []*CodeEventRecord // sorted by Address
	enabled int
}

// NewCodeMap constructs an empty, disabled code map fed by host.
func NewCodeMap(host Host) *CodeMap {
	return &CodeMap{host: host}
}

// Enable subscribes the map to host code events, unless an earlier Enable
// already did.
func (m *CodeMap) Enable() {
	if m.enabled == 0 {
		m.host.SubscribeCode(m)
	}
	m.enabled++
}

// Disable undoes one Enable. When the last Enable is undone the map
// unsubscribes from host code events and drops all entries.
func (m *CodeMap) Disable() {
	if m.enabled == 0 {
		return
	}
	if m.enabled--; m.enabled == 0 {
		m.host.UnsubscribeCode(m)
		m.Clear()
	}
}

// CodeEvent implements CodeListener. Relocations erase the region previously
// at rec.PreviousAddress before the record is stored at its new address.
func (m *CodeMap) CodeEvent(rec *CodeEventRecord) {
	if rec.Address == 0 {
		return
	}
	if rec.PreviousAddress != 0 {
		m.Remove(rec.PreviousAddress)
	}
	m.Add(rec)
}

// CodeRemoved implements CodeListener.
func (m *CodeMap) CodeRemoved(addr uintptr) {
	m.Remove(addr)
}

// JITEvent implements CodeListener. It binds the script id of the record at
// addr when the id was not known at compile time.
func (m *CodeMap) JITEvent(addr uintptr, size uint64, scriptID int32) {
	i, ok := m.search(addr)
	if !ok {
		return
	}
	if rec := m.records[i]; rec.ScriptID == 0 {
		rec.ScriptID = scriptID
	}
}

// Add inserts rec, replacing any record already keyed by the same address.
func (m *CodeMap) Add(rec *CodeEventRecord) {
	if rec.Address == 0 {
		return
	}
	i, ok := m.search(rec.Address)
	if ok {
		m.records[i] = rec
	} else {
		m.records = slices.Insert(m.records, i, rec)
	}
}

// Remove erases the record keyed by addr, if any.
func (m *CodeMap) Remove(addr uintptr) {
	if i, ok := m.search(addr); ok {
		m.records = slices.Delete(m.records, i, i+1)
	}
}

// Lookup returns the record whose region contains addr, or nil if no region
// does.
func (m *CodeMap) Lookup(addr uintptr) *CodeEventRecord {
	// Upper bound on addr, then one predecessor step.
	i, ok := m.search(addr)
	if !ok {
		if i == 0 {
			return nil
		}
		i--
	}
	if rec := m.records[i]; rec.contains(addr) {
		return rec
	}
	return nil
}

// Clear drops all entries.
func (m *CodeMap) Clear() {
	m.records = nil
}

// Len returns the number of code regions currently mapped.
func (m *CodeMap) Len() int {
	return len(m.records)
}

func (m *CodeMap) search(addr uintptr) (int, bool) {
	return slices.BinarySearchFunc(m.records, addr, func(rec *CodeEventRecord, addr uintptr) int {
		switch {
		case rec.Address < addr:
			return -1
		case rec.Address > addr:
			return +1
		default:
			return 0
		}
	})
}

var _ CodeListener = (*CodeMap)(nil)
