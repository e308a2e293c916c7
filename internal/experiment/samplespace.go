package experiment

import (
	"fmt"
	"math/rand/v2"

	"github.com/nklein/galago-fi/internal/config"
)

// SampleSpace draws faults and instants from a target's effective memory
// regions and golden runtime, built once per target by the Analyzer's
// output (spec.md §4.3 "sample-space preparation").
type SampleSpace struct {
	regions      []config.ResolvedMemRegion
	cumulative   []uint64 // cumulative bit-width, parallel to regions
	totalBits    uint64
}

// NewSampleSpace excludes NO_ANALYSIS regions, since a fault can only be
// drawn from memory the Analyzer determined the program actually used.
func NewSampleSpace(regions []config.ResolvedMemRegion) (*SampleSpace, error) {
	s := &SampleSpace{}
	var running uint64
	for _, r := range regions {
		if r.Kind == config.NoAnalysis {
			continue
		}
		running += (r.End - r.Start) * 8
		s.regions = append(s.regions, r)
		s.cumulative = append(s.cumulative, running)
	}
	if running == 0 {
		return nil, fmt.Errorf("experiment: sample space is empty (no analyzable memory)")
	}
	s.totalBits = running
	return s, nil
}

// DrawFault picks a uniform bit position across the whole sample space and
// maps it to (address, bit-in-byte), per spec.md §4.3's cumulative
// bit-width draw.
func (s *SampleSpace) DrawFault(rng *rand.Rand) (addr uint64, bit int) {
	chosen := rng.Uint64N(s.totalBits)

	var prev uint64
	for i, cum := range s.cumulative {
		if chosen < cum {
			offsetBits := chosen - prev
			byteOffset := offsetBits / 8
			bit = int(offsetBits % 8)
			addr = s.regions[i].Start + byteOffset
			return addr, bit
		}
		prev = cum
	}
	// unreachable given chosen < totalBits
	last := s.regions[len(s.regions)-1]
	return last.Start, 0
}

// DrawInstant picks a uniform instant in [0, runtime), the counter value
// at which the fault is delivered.
func DrawInstant(rng *rand.Rand, runtime uint64) int64 {
	if runtime == 0 {
		return 0
	}
	return int64(rng.Uint64N(runtime))
}
