package timeprof

import (
	"encoding/binary"
	"fmt"
)

// Weak parser for WebAssembly binaries: just enough to enumerate function
// body regions and their names. Offsets are absolute within the binary,
// which matches the program counters reported by runtimes that address code
// by source offset.

const (
	wasmSectionCustom   = 0
	wasmSectionImport   = 2
	wasmSectionCode     = 10
	wasmHeaderSize      = 8 // magic + version
	wasmExternalKindFun = 0
)

type wasmFunction struct {
	Index   uint32 // index in the module function index space, imports included
	Address uintptr
	Size    uint64
	Name    string
}

type wasmSection struct {
	id     byte
	data   []byte
	offset int // absolute offset of data in the binary
}

func wasmSectionList(b []byte) ([]wasmSection, error) {
	if len(b) < wasmHeaderSize {
		return nil, fmt.Errorf("wasm: binary too short (%d bytes)", len(b))
	}
	var sections []wasmSection
	offset := wasmHeaderSize
	b = b[wasmHeaderSize:]
	for len(b) > 0 {
		id := b[0]
		length, n := binary.Uvarint(b[1:])
		if n <= 0 {
			return nil, fmt.Errorf("wasm: malformed section size at offset %d", offset)
		}
		header := 1 + n
		if header > len(b) || length > uint64(len(b)-header) {
			return nil, fmt.Errorf("wasm: section %d truncated at offset %d", id, offset)
		}
		sections = append(sections, wasmSection{
			id:     id,
			data:   b[header : header+int(length)],
			offset: offset + header,
		})
		b = b[header+int(length):]
		offset += header + int(length)
	}
	return sections, nil
}

// wasmFunctions returns the code regions of all local functions defined by
// the binary, named from the "name" custom section when present.
func wasmFunctions(b []byte) ([]wasmFunction, error) {
	sections, err := wasmSectionList(b)
	if err != nil {
		return nil, err
	}

	imported := uint32(0)
	names := map[uint32]string(nil)
	var functions []wasmFunction

	for _, s := range sections {
		switch s.id {
		case wasmSectionImport:
			if imported, err = wasmImportedFunctions(s.data); err != nil {
				return nil, err
			}
		case wasmSectionCustom:
			name, data := wasmCustomSectionHeader(s.data)
			if name == "name" {
				names = wasmFunctionNames(data)
			}
		}
	}

	for _, s := range sections {
		if s.id != wasmSectionCode {
			continue
		}
		d := wasmDecoder{b: s.data, offset: s.offset}
		count := d.uvarint()
		for i := uint32(0); i < uint32(count) && d.ok(); i++ {
			size := d.uvarint()
			start := d.offset
			d.skip(int(size))
			index := imported + i
			name := names[index]
			if name == "" {
				name = fmt.Sprintf("function[%d]", index)
			}
			functions = append(functions, wasmFunction{
				Index:   index,
				Address: uintptr(start),
				Size:    size,
				Name:    name,
			})
		}
		if !d.ok() {
			return nil, fmt.Errorf("wasm: malformed code section")
		}
	}

	return functions, nil
}

// wasmImportedFunctions counts the function entries of an import section,
// which offset the indices of local functions.
func wasmImportedFunctions(b []byte) (uint32, error) {
	d := wasmDecoder{b: b}
	count := d.uvarint()
	functions := uint32(0)
	for i := uint64(0); i < count && d.ok(); i++ {
		d.skip(int(d.uvarint())) // module name
		d.skip(int(d.uvarint())) // import name
		switch kind := d.byte(); kind {
		case wasmExternalKindFun:
			d.uvarint() // type index
			functions++
		case 1: // table
			d.byte() // reference type
			d.limits()
		case 2: // memory
			d.limits()
		case 3: // global
			d.byte() // value type
			d.byte() // mutability
		default:
			return 0, fmt.Errorf("wasm: unsupported import kind %#x", kind)
		}
	}
	if !d.ok() {
		return 0, fmt.Errorf("wasm: malformed import section")
	}
	return functions, nil
}

// wasmFunctionNames parses subsection 1 of the "name" custom section.
// Malformed name data yields nil rather than an error, names are best
// effort.
func wasmFunctionNames(b []byte) map[uint32]string {
	d := wasmDecoder{b: b}
	for d.ok() && len(d.b) > 0 {
		id := d.byte()
		size := d.uvarint()
		if id != 1 {
			d.skip(int(size))
			continue
		}
		names := make(map[uint32]string)
		count := d.uvarint()
		for i := uint64(0); i < count && d.ok(); i++ {
			index := d.uvarint()
			names[uint32(index)] = string(d.read(int(d.uvarint())))
		}
		if !d.ok() {
			return nil
		}
		return names
	}
	return nil
}

func wasmCustomSectionHeader(b []byte) (string, []byte) {
	d := wasmDecoder{b: b}
	name := string(d.read(int(d.uvarint())))
	if !d.ok() {
		return "", nil
	}
	return name, d.b
}

// wasmCustomSection returns the contents of the custom section with the
// given name, or nil if the binary has none.
func wasmCustomSection(b []byte, name string) []byte {
	sections, err := wasmSectionList(b)
	if err != nil {
		return nil
	}
	for _, s := range sections {
		if s.id != wasmSectionCustom {
			continue
		}
		if n, data := wasmCustomSectionHeader(s.data); n == name {
			return data
		}
	}
	return nil
}

// wasmDecoder reads the primitive encodings used by wasm sections. Reads
// past the end flip the failed flag instead of panicking; callers check ok
// once after decoding.
type wasmDecoder struct {
	b      []byte
	offset int
	failed bool
}

func (d *wasmDecoder) ok() bool { return !d.failed }

func (d *wasmDecoder) fail() {
	d.failed = true
	d.b = nil
}

func (d *wasmDecoder) read(n int) []byte {
	if n < 0 || n > len(d.b) {
		d.fail()
		return nil
	}
	b := d.b[:n]
	d.b = d.b[n:]
	d.offset += n
	return b
}

func (d *wasmDecoder) skip(n int) {
	d.read(n)
}

func (d *wasmDecoder) byte() byte {
	b := d.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *wasmDecoder) uvarint() uint64 {
	x, n := binary.Uvarint(d.b)
	if n <= 0 {
		d.fail()
		return 0
	}
	d.skip(n)
	return x
}

func (d *wasmDecoder) limits() {
	flags := d.byte()
	d.uvarint() // min
	if flags&1 != 0 {
		d.uvarint() // max
	}
}
