package timeprof

import (
	"encoding/binary"
	"testing"

	"golang.org/x/exp/slices"
)

// wasmBuilder assembles just enough of a wasm binary to exercise the weak
// parser, tracking where each function body lands.
type wasmBuilder struct {
	b         []byte
	bodyAddrs []uintptr
	bodySizes []uint64
}

func newWasmBuilder() *wasmBuilder {
	return &wasmBuilder{b: []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}}
}

func (w *wasmBuilder) uvarint(b []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(b, tmp[:n]...)
}

func (w *wasmBuilder) section(id byte, payload []byte) {
	w.b = append(w.b, id)
	w.b = w.uvarint(w.b, uint64(len(payload)))
	w.b = append(w.b, payload...)
}

// importFunc adds an import section with a single function import.
func (w *wasmBuilder) importFunc(module, name string) {
	var p []byte
	p = w.uvarint(p, 1)
	p = w.uvarint(p, uint64(len(module)))
	p = append(p, module...)
	p = w.uvarint(p, uint64(len(name)))
	p = append(p, name...)
	p = append(p, wasmExternalKindFun)
	p = w.uvarint(p, 0) // type index
	w.section(wasmSectionImport, p)
}

// codeSection adds the given function bodies and records their absolute
// offsets in the binary.
func (w *wasmBuilder) codeSection(bodies ...[]byte) {
	var p []byte
	p = w.uvarint(p, uint64(len(bodies)))
	offsets := make([]int, len(bodies))
	for i, body := range bodies {
		p = w.uvarint(p, uint64(len(body)))
		offsets[i] = len(p)
		p = append(p, body...)
	}

	// Absolute position of the payload once the section header is written.
	base := len(w.b) + 1
	var sizeHeader [binary.MaxVarintLen64]byte
	base += binary.PutUvarint(sizeHeader[:], uint64(len(p)))

	for i, off := range offsets {
		w.bodyAddrs = append(w.bodyAddrs, uintptr(base+off))
		w.bodySizes = append(w.bodySizes, uint64(len(bodies[i])))
	}
	w.section(wasmSectionCode, p)
}

// nameSection adds a "name" custom section mapping function indices to
// names.
func (w *wasmBuilder) nameSection(names map[uint32]string) {
	indices := make([]uint32, 0, len(names))
	for index := range names {
		indices = append(indices, index)
	}
	slices.Sort(indices)

	var sub []byte
	sub = w.uvarint(sub, uint64(len(names)))
	for _, index := range indices {
		name := names[index]
		sub = w.uvarint(sub, uint64(index))
		sub = w.uvarint(sub, uint64(len(name)))
		sub = append(sub, name...)
	}

	var p []byte
	p = w.uvarint(p, 4)
	p = append(p, "name"...)
	p = append(p, 1) // function names subsection
	p = w.uvarint(p, uint64(len(sub)))
	p = append(p, sub...)
	w.section(wasmSectionCustom, p)
}

func TestWasmFunctions(t *testing.T) {
	w := newWasmBuilder()
	w.importFunc("env", "host_call")
	w.codeSection(
		[]byte{0x00, 0x0b},
		[]byte{0x00, 0x01, 0x01, 0x0b},
	)
	w.nameSection(map[uint32]string{1: "alpha", 2: "beta"})

	functions, err := wasmFunctions(w.b)
	if err != nil {
		t.Fatalf("parsing failed: %v", err)
	}
	if n := len(functions); n != 2 {
		t.Fatalf("wrong function count: want=2 got=%d", n)
	}

	want := []wasmFunction{
		{Index: 1, Address: w.bodyAddrs[0], Size: w.bodySizes[0], Name: "alpha"},
		{Index: 2, Address: w.bodyAddrs[1], Size: w.bodySizes[1], Name: "beta"},
	}
	for i, fn := range functions {
		if fn != want[i] {
			t.Errorf("wrong function %d: want=%+v got=%+v", i, want[i], fn)
		}
	}
}

func TestWasmFunctionsWithoutNames(t *testing.T) {
	w := newWasmBuilder()
	w.codeSection([]byte{0x00, 0x0b})

	functions, err := wasmFunctions(w.b)
	if err != nil {
		t.Fatalf("parsing failed: %v", err)
	}
	if n := len(functions); n != 1 {
		t.Fatalf("wrong function count: want=1 got=%d", n)
	}
	if got := functions[0].Name; got != "function[0]" {
		t.Errorf("wrong placeholder name: want=function[0] got=%s", got)
	}
}

func TestWasmFunctionsRejectsTruncatedBinary(t *testing.T) {
	w := newWasmBuilder()
	w.codeSection([]byte{0x00, 0x0b})

	for _, end := range []int{0, 4, len(w.b) - 1} {
		if _, err := wasmFunctions(w.b[:end]); err == nil {
			t.Errorf("no error on binary truncated at %d bytes", end)
		}
	}
}

func TestWasmCustomSection(t *testing.T) {
	w := newWasmBuilder()
	w.nameSection(map[uint32]string{0: "f"})

	if got := wasmCustomSection(w.b, "name"); got == nil {
		t.Error("name section not found")
	}
	if got := wasmCustomSection(w.b, ".debug_info"); got != nil {
		t.Errorf("missing section found: %v", got)
	}
}
