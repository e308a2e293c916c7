package analyzer

import (
	"testing"

	"github.com/nklein/galago-fi/internal/config"
)

func TestScanStackFindsFirstMismatch(t *testing.T) {
	d := newFakeDriver()
	r := config.ResolvedMemRegion{Start: 0x1000, End: 0x1000 + 4*8, Kind: config.StackAnalysis}
	if err := writeCanary(d, r.Start, r.End, 8); err != nil {
		t.Fatalf("writeCanary: %v", err)
	}

	// simulate the program having used the last 2 words of the region
	usedStart := r.Start + 2*8
	if err := d.WriteByte(usedStart, 0xAA); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}

	used, err := scanStack(d, r, 8)
	if err != nil {
		t.Fatalf("scanStack: %v", err)
	}
	if used == nil {
		t.Fatalf("expected a used region")
	}
	if used.Start != usedStart {
		t.Errorf("expected used region to start at 0x%x, got 0x%x", usedStart, used.Start)
	}
	if used.End != r.End {
		t.Errorf("expected used region to end at 0x%x, got 0x%x", r.End, used.End)
	}
}

func TestScanStackEntirelyUnused(t *testing.T) {
	d := newFakeDriver()
	r := config.ResolvedMemRegion{Start: 0x2000, End: 0x2000 + 4*8, Kind: config.StackAnalysis}
	if err := writeCanary(d, r.Start, r.End, 8); err != nil {
		t.Fatalf("writeCanary: %v", err)
	}

	used, err := scanStack(d, r, 8)
	if err != nil {
		t.Fatalf("scanStack: %v", err)
	}
	if used != nil {
		t.Errorf("expected no used region, got %+v", used)
	}
}

func TestScanCompleteFindsInconsistentInterval(t *testing.T) {
	d := newFakeDriver()
	r := config.ResolvedMemRegion{Start: 0x3000, End: 0x3000 + 6*8, Kind: config.CompleteAnalysis}
	if err := writeCanary(d, r.Start, r.End, 8); err != nil {
		t.Fatalf("writeCanary: %v", err)
	}

	// words 2 and 3 (of 6) were overwritten by the program
	if err := d.WriteByte(r.Start+2*8, 0x11); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	if err := d.WriteByte(r.Start+3*8, 0x22); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}

	got, err := scanComplete(d, r, 8)
	if err != nil {
		t.Fatalf("scanComplete: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one inconsistent interval, got %d: %+v", len(got), got)
	}
	if got[0].Start != r.Start+2*8 || got[0].End != r.Start+4*8 {
		t.Errorf("unexpected interval %+v", got[0])
	}
}

func TestCanaryBytesPointerSize(t *testing.T) {
	if len(canaryBytes(4)) != 4 {
		t.Errorf("expected 4 bytes for 32-bit canary")
	}
	if len(canaryBytes(8)) != 8 {
		t.Errorf("expected 8 bytes for 64-bit canary")
	}
}
