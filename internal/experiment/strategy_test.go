package experiment

import (
	"testing"

	"github.com/nklein/galago-fi/internal/config"
)

func TestStuckMaskStuckAt0ClearsBit(t *testing.T) {
	got := stuckMask(config.StuckAt0, 0xFF, 3, func() bool { return true })
	if got != 0xF7 {
		t.Errorf("expected bit 3 cleared (0xF7), got %08b", got)
	}
}

func TestStuckMaskStuckAt1SetsBit(t *testing.T) {
	got := stuckMask(config.StuckAt1, 0x00, 5, func() bool { return false })
	if got != 0x20 {
		t.Errorf("expected bit 5 set (0x20), got %08b", got)
	}
}

func TestStuckMaskRandomUsesCoinFlip(t *testing.T) {
	if got := stuckMask(config.StuckRandom, 0x00, 0, func() bool { return true }); got != 0x01 {
		t.Errorf("expected coin=true to set bit 0, got %08b", got)
	}
	if got := stuckMask(config.StuckRandom, 0xFF, 0, func() bool { return false }); got != 0xFE {
		t.Errorf("expected coin=false to clear bit 0, got %08b", got)
	}
}

func TestStuckMaskLeavesOtherBitsUntouched(t *testing.T) {
	got := stuckMask(config.StuckAt1, 0b10100000, 0, func() bool { return false })
	if got != 0b10100001 {
		t.Errorf("expected only bit 0 changed, got %08b", got)
	}
}
