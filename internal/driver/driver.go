// Package driver mediates all interaction with one x86-64 full-system
// emulator (spec.md §4.1). The Driver interface is deliberately narrow:
// start, run-to-symbol, snapshot save/load, MSR and memory peek/poke, and
// quit. One Driver instance is owned exclusively by one shard's Experiment
// Engine, which reuses it for every experiment of that shard.
package driver

import (
	"context"
	"errors"
	"fmt"
)

// ErrDisconnected is returned by RunUntil when the emulator died or
// otherwise can no longer make progress.
var ErrDisconnected = errors.New("driver: emulator disconnected")

// Image describes the bootable program to load: its 32-bit view (the
// form the emulator actually executes) and the full symbol table resolved
// from the original 64-bit ELF, used to translate marker_* configuration
// names and symbolic memory-region bounds into addresses.
type Image struct {
	Path32  string
	Symbols map[string]uint64
	// PointerSize is 4 or 8, used by the Analyzer's canary alignment
	// check (spec.md §3).
	PointerSize uint64
	// Segments are the loadable program segments, in file order.
	Segments []Segment
	Entry    uint64
}

// Segment is one loadable ELF segment.
type Segment struct {
	VAddr uint64
	Data  []byte
	MemSz uint64
}

// HitSymbol names the breakpoint a RunUntil call stopped at.
type HitSymbol string

// WatchpointCancel removes a previously installed watchpoint.
type WatchpointCancel func()

// Driver owns one emulator instance attached to one program image.
type Driver interface {
	// Start spawns the emulator paused at the reset vector with image
	// loaded and serial output routed to sink. diskPath is not used:
	// snapshots are kept in process memory. The debug stub (here: the
	// instruction hook table) is attached before the first instruction
	// retires.
	Start(image Image, diskPath string, sink *SerialSink) error

	// RunUntil sets breakpoints on every symbol in image.Symbols named by
	// symbols and resumes, returning whichever was hit first. ctx bounds
	// how long RunUntil may block; on cancellation it returns ctx.Err().
	RunUntil(ctx context.Context, symbols ...string) (HitSymbol, error)

	// SaveSnapshot persists the current register file and mapped memory
	// under tag. LoadSnapshot restores it, program counter included, so
	// execution resumes where the snapshot was taken; the underlying engine
	// has no "debugger's PC cache" to invalidate.
	SaveSnapshot(tag string) error
	LoadSnapshot(tag string) error

	WriteMSR(index uint32, value uint64) error
	ReadMSR(index uint32) (uint64, error)

	ReadByte(addr uint64) (byte, error)
	WriteByte(addr uint64, v byte) error

	// SetWatchpoint installs a data write-watchpoint on the byte at addr.
	// onWrite is invoked with the value the guest just stored, synchronously,
	// before execution resumes; it does not halt the run. The returned
	// cancel func removes the watchpoint.
	SetWatchpoint(addr uint64, onWrite func(stored byte)) WatchpointCancel

	// Tick returns the number of instructions retired since Start or the
	// last LoadSnapshot. The PMU simulation in pmu.go keeps its own
	// counters and does not read it.
	Tick() uint64

	// Tag is this emulator instance's unique identifier, assigned at
	// construction (spec.md §4.1).
	Tag() string

	// Quit tears down the emulator and releases its resources.
	Quit() error
}

// New constructs the Unicorn-Engine-backed Driver implementation.
func New() (Driver, error) {
	d, err := newUnicornDriver()
	if err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}
	return d, nil
}
