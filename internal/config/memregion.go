package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ResolvedMemRegion is a MemRegion after symbol resolution, with Start/End
// as concrete addresses. Invariant (spec.md §3): Start <= End, and
// (End-Start) is a multiple of the target's pointer size for any region
// that isn't NO_ANALYSIS.
type ResolvedMemRegion struct {
	Start uint64
	End   uint64
	Kind  RegionKind
}

// ResolveMemRegions resolves every symbolic bound against symbols, then
// splits off any unaligned suffix of a STACK_ANALYSIS/COMPLETE_ANALYSIS
// region into a separate NO_ANALYSIS region, per spec.md §3.
func ResolveMemRegions(regions []MemRegion, symbols map[string]uint64, ptrSize uint64) ([]ResolvedMemRegion, error) {
	var out []ResolvedMemRegion

	for i, r := range regions {
		start, err := resolveAddr(r.Start, symbols)
		if err != nil {
			return nil, fmt.Errorf("mem_regions[%d].start: %w", i, err)
		}
		end, err := resolveAddr(r.End, symbols)
		if err != nil {
			return nil, fmt.Errorf("mem_regions[%d].end: %w", i, err)
		}
		if start == end {
			continue
		}
		if end < start {
			return nil, fmt.Errorf("mem_regions[%d]: end 0x%x before start 0x%x", i, end, start)
		}

		if r.Kind == NoAnalysis {
			out = append(out, ResolvedMemRegion{Start: start, End: end, Kind: r.Kind})
			continue
		}

		if rem := (end - start) % ptrSize; rem != 0 {
			newEnd := end - rem
			out = append(out, ResolvedMemRegion{Start: newEnd, End: end, Kind: NoAnalysis})
			end = newEnd
		}
		out = append(out, ResolvedMemRegion{Start: start, End: end, Kind: r.Kind})
	}

	return out, nil
}

func resolveAddr(s string, symbols map[string]uint64) (uint64, error) {
	s = strings.TrimSpace(s)
	if v, err := parseHex(s); err == nil {
		return v, nil
	}
	addr, ok := symbols[s]
	if !ok {
		return 0, fmt.Errorf("unresolved symbol %q", s)
	}
	return addr, nil
}

func parseHex(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(trimmed, 16, 64)
}
