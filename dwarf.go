package timeprof

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"log"
	"sort"
)

// dwarfInfo resolves source locations for code-region start offsets using
// the DWARF custom sections of a wasm binary. It only keeps what code-event
// enrichment needs: subprogram ranges and the line tables of their compile
// units.
type dwarfInfo struct {
	d           *dwarf.Data
	subprograms []dwarfSubprogram
}

type dwarfSubprogram struct {
	lo, hi uint64
	cu     *dwarf.Entry
}

const (
	debugInfo   = ".debug_info"
	debugLine   = ".debug_line"
	debugStr    = ".debug_str"
	debugAbbrev = ".debug_abbrev"
	debugRanges = ".debug_ranges"
)

// newDwarfInfo parses the DWARF sections of a wasm binary. Returns an error
// when the binary carries no debug information.
func newDwarfInfo(wasm []byte) (*dwarfInfo, error) {
	info := wasmCustomSection(wasm, debugInfo)
	line := wasmCustomSection(wasm, debugLine)
	ranges := wasmCustomSection(wasm, debugRanges)
	str := wasmCustomSection(wasm, debugStr)
	abbrev := wasmCustomSection(wasm, debugAbbrev)

	if info == nil {
		return nil, errors.New("dwarf: no debug sections")
	}

	d, err := dwarf.New(abbrev, nil, nil, info, line, nil, ranges, str)
	if err != nil {
		return nil, fmt.Errorf("dwarf: %w", err)
	}

	di := &dwarfInfo{d: d}
	di.parseSubprograms()
	return di, nil
}

func (di *dwarfInfo) parseSubprograms() {
	r := di.d.Reader()
	var cu *dwarf.Entry
	for {
		ent, err := r.Next()
		if err != nil || ent == nil {
			break
		}
		switch ent.Tag {
		case dwarf.TagCompileUnit:
			cu = ent
		case dwarf.TagSubprogram:
			ranges, err := di.d.Ranges(ent)
			if err != nil {
				log.Printf("dwarf: failed to read ranges: %s", err)
				continue
			}
			for _, pcr := range ranges {
				di.subprograms = append(di.subprograms, dwarfSubprogram{
					lo: pcr[0],
					hi: pcr[1],
					cu: cu,
				})
			}
			r.SkipChildren()
		}
	}
	sort.Slice(di.subprograms, func(i, j int) bool {
		return di.subprograms[i].lo < di.subprograms[j].lo
	})
}

// lookup returns the source file, line, and column of the instruction at the
// given source offset. ok is false when the offset falls outside every known
// subprogram or has no line information.
func (di *dwarfInfo) lookup(offset uint64) (file string, line, column int32, ok bool) {
	i := sort.Search(len(di.subprograms), func(i int) bool {
		return di.subprograms[i].hi > offset
	})
	if i == len(di.subprograms) || di.subprograms[i].lo > offset {
		return "", 0, 0, false
	}

	lr, err := di.d.LineReader(di.subprograms[i].cu)
	if err != nil || lr == nil {
		return "", 0, 0, false
	}

	var le dwarf.LineEntry
	if err := lr.SeekPC(offset, &le); err != nil {
		return "", 0, 0, false
	}
	return le.File.Name, int32(le.Line), int32(le.Column), true
}
