package driver

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/nklein/galago-fi/internal/target"
)

// LoadImage builds the Image the Driver needs to boot t: the symbol table
// is resolved from the 64-bit ELF (the form humans write marker names and
// memory-region bounds against), while the entry point and loadable
// segments come from the 32-bit bootable wrapper, since that is the form
// the emulator actually executes (spec.md §1, §6).
func LoadImage(t target.Target) (Image, error) {
	symbols, ptrSize, err := readSymbols(t.Path64)
	if err != nil {
		return Image{}, fmt.Errorf("driver: load symbols from %s: %w", t.Path64, err)
	}

	entry, segments, err := readSegments(t.Path32)
	if err != nil {
		return Image{}, fmt.Errorf("driver: load segments from %s: %w", t.Path32, err)
	}

	return Image{
		Path32:      t.Path32,
		Symbols:     symbols,
		PointerSize: ptrSize,
		Segments:    segments,
		Entry:       entry,
	}, nil
}

// readSymbols parses every named, non-zero symbol out of the 64-bit ELF's
// .symtab and .dynsym tables.
func readSymbols(path string) (map[string]uint64, uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	ptrSize := uint64(4)
	if f.Class == elf.ELFCLASS64 {
		ptrSize = 8
	}

	symbols := make(map[string]uint64)
	addSymbols := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				symbols[sym.Name] = sym.Value
			}
		}
	}

	if syms, err := f.Symbols(); err == nil {
		addSymbols(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		addSymbols(syms)
	}

	return symbols, ptrSize, nil
}

// readSegments parses the 32-bit bootable ELF's PT_LOAD program headers
// into the raw data Start loads verbatim; no relocation or linking is
// performed here, since the 32-bit wrapper is pre-linked to run at the
// addresses it declares (spec.md §1 Non-goals: producing that wrapper is
// an external collaborator's job, this harness only loads it).
func readSegments(path string) (uint64, []Segment, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	fileData, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, fmt.Errorf("read: %w", err)
	}

	var segments []Segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		seg := Segment{VAddr: prog.Vaddr, MemSz: prog.Memsz}
		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			data := make([]byte, prog.Memsz)
			copy(data, fileData[prog.Off:prog.Off+prog.Filesz])
			seg.Data = data
		} else if prog.Memsz > 0 {
			seg.Data = make([]byte, prog.Memsz)
		}
		segments = append(segments, seg)
	}

	return f.Entry, segments, nil
}
