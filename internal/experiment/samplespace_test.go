package experiment

import (
	"math/rand/v2"
	"testing"

	"github.com/nklein/galago-fi/internal/config"
)

func TestNewSampleSpaceExcludesNoAnalysisRegions(t *testing.T) {
	regions := []config.ResolvedMemRegion{
		{Start: 0x1000, End: 0x1010, Kind: config.NoAnalysis},
		{Start: 0x2000, End: 0x2008, Kind: config.CompleteAnalysis},
	}
	space, err := NewSampleSpace(regions)
	if err != nil {
		t.Fatalf("NewSampleSpace: %v", err)
	}
	if space.totalBits != 8*8 {
		t.Errorf("expected 64 bits from the one analyzable region, got %d", space.totalBits)
	}
}

func TestNewSampleSpaceErrorsWhenEmpty(t *testing.T) {
	regions := []config.ResolvedMemRegion{
		{Start: 0x1000, End: 0x1010, Kind: config.NoAnalysis},
	}
	if _, err := NewSampleSpace(regions); err == nil {
		t.Fatal("expected an error for an all-NO_ANALYSIS region set")
	}
}

func TestDrawFaultStaysWithinRegionBounds(t *testing.T) {
	regions := []config.ResolvedMemRegion{
		{Start: 0x1000, End: 0x1004, Kind: config.StackAnalysis},
		{Start: 0x2000, End: 0x2004, Kind: config.CompleteAnalysis},
	}
	space, err := NewSampleSpace(regions)
	if err != nil {
		t.Fatalf("NewSampleSpace: %v", err)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 1000; i++ {
		addr, bit := space.DrawFault(rng)
		inFirst := addr >= 0x1000 && addr < 0x1004
		inSecond := addr >= 0x2000 && addr < 0x2004
		if !inFirst && !inSecond {
			t.Fatalf("drew address 0x%x outside both regions", addr)
		}
		if bit < 0 || bit > 7 {
			t.Fatalf("drew out-of-range bit %d", bit)
		}
	}
}

func TestDrawInstantIsWithinRuntime(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 1000; i++ {
		instant := DrawInstant(rng, 100)
		if instant < 0 || instant >= 100 {
			t.Fatalf("instant %d outside [0, 100)", instant)
		}
	}
}

func TestDrawInstantZeroRuntimeReturnsZero(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	if got := DrawInstant(rng, 0); got != 0 {
		t.Errorf("expected 0 for zero runtime, got %d", got)
	}
}
