package analyzer

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/nklein/galago-fi/internal/config"
	"github.com/nklein/galago-fi/internal/driver"
)

// canary32/canary64 are the pointer-sized markers written across a region
// before execution so unused memory can be recognized afterward by its
// untouched pattern (spec.md §4.2).
const (
	canary32 uint32 = 0xDEADBEEF
	canary64 uint64 = 0xDEADBEEFDEADBEEF
)

// analyzeMemory fills every analyzed region with its canary, runs the
// target to completion from the golden snapshot, then scans each region
// for the words that no longer carry the canary pattern, reporting those
// as used (NO_ANALYSIS regions pass through unchanged).
func analyzeMemory(ctx context.Context, drv driver.Driver, cfg *config.Config, regions []config.ResolvedMemRegion, ptrSize uint64) ([]config.ResolvedMemRegion, error) {
	if err := drv.LoadSnapshot(snapshotTag); err != nil {
		return nil, fmt.Errorf("load golden snapshot: %w", err)
	}

	for _, r := range regions {
		if r.Kind == config.NoAnalysis {
			continue
		}
		if err := writeCanary(drv, r.Start, r.End, ptrSize); err != nil {
			return nil, fmt.Errorf("write canary 0x%x:0x%x: %w", r.Start, r.End, err)
		}
	}

	if _, err := drv.RunUntil(ctx, cfg.MarkerFinished); err != nil {
		return nil, fmt.Errorf("run to %s: %w", cfg.MarkerFinished, err)
	}

	var effective []config.ResolvedMemRegion
	for _, r := range regions {
		switch r.Kind {
		case config.NoAnalysis:
			effective = append(effective, r)
		case config.StackAnalysis:
			used, err := scanStack(drv, r, ptrSize)
			if err != nil {
				return nil, err
			}
			if used != nil {
				effective = append(effective, *used)
			}
		case config.CompleteAnalysis:
			used, err := scanComplete(drv, r, ptrSize)
			if err != nil {
				return nil, err
			}
			effective = append(effective, used...)
		}
	}
	return effective, nil
}

func writeCanary(drv driver.Driver, start, end, ptrSize uint64) error {
	buf := canaryBytes(ptrSize)
	for addr := start; addr+ptrSize <= end; addr += ptrSize {
		for i, b := range buf {
			if err := drv.WriteByte(addr+uint64(i), b); err != nil {
				return err
			}
		}
	}
	return nil
}

func canaryBytes(ptrSize uint64) []byte {
	if ptrSize == 8 {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, canary64)
		return b
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, canary32)
	return b
}

func wordMatchesCanary(drv driver.Driver, addr, ptrSize uint64) (bool, error) {
	want := canaryBytes(ptrSize)
	for i, w := range want {
		got, err := drv.ReadByte(addr + uint64(i))
		if err != nil {
			return false, err
		}
		if got != w {
			return false, nil
		}
	}
	return true, nil
}

// scanStack implements spec.md §4.2's stack rule: scan upward from start
// for the first word that no longer matches the canary. Everything before
// that word is unused (stack grows downward from end toward start), so
// the reported used region begins at the first mismatch.
func scanStack(drv driver.Driver, r config.ResolvedMemRegion, ptrSize uint64) (*config.ResolvedMemRegion, error) {
	addr := r.Start
	for ; addr+ptrSize <= r.End; addr += ptrSize {
		match, err := wordMatchesCanary(drv, addr, ptrSize)
		if err != nil {
			return nil, err
		}
		if !match {
			break
		}
	}
	if addr >= r.End {
		// no mismatch found anywhere: the whole region was unused
		return nil, nil
	}
	return &config.ResolvedMemRegion{Start: addr, End: r.End, Kind: config.StackAnalysis}, nil
}

// scanComplete implements spec.md §4.2's heap rule: alternate between
// scanning to the first mismatch and scanning back to the first renewed
// match, emitting each inconsistent (i.e. used) interval.
func scanComplete(drv driver.Driver, r config.ResolvedMemRegion, ptrSize uint64) ([]config.ResolvedMemRegion, error) {
	var out []config.ResolvedMemRegion
	addr := r.Start

	for addr < r.End {
		changeStart := addr
		for changeStart+ptrSize <= r.End {
			match, err := wordMatchesCanary(drv, changeStart, ptrSize)
			if err != nil {
				return nil, err
			}
			if !match {
				break
			}
			changeStart += ptrSize
		}
		if changeStart+ptrSize > r.End {
			break // reached the end still matching the canary: nothing more used
		}

		changeEnd := changeStart
		for changeEnd+ptrSize <= r.End {
			match, err := wordMatchesCanary(drv, changeEnd, ptrSize)
			if err != nil {
				return nil, err
			}
			if match {
				break
			}
			changeEnd += ptrSize
		}

		if changeEnd+ptrSize > r.End {
			out = append(out, config.ResolvedMemRegion{Start: changeStart, End: r.End, Kind: config.CompleteAnalysis})
			break
		}

		out = append(out, config.ResolvedMemRegion{Start: changeStart, End: changeEnd, Kind: config.CompleteAnalysis})
		addr = changeEnd + ptrSize
	}

	return out, nil
}
