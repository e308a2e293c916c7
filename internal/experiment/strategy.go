package experiment

import "github.com/nklein/galago-fi/internal/config"

// stuckMask returns the byte mask applied to force bit b stuck at the
// configured value. RANDOM takes the stuck value from coinFlip on every
// call; RunPermanent passes a coinFlip that returns one coin drawn per
// experiment, so a run stays stuck at the same value.
func stuckMask(mode config.PermanentMode, current byte, bit int, coinFlip func() bool) byte {
	stuckAt1 := false
	switch mode {
	case config.StuckAt1:
		stuckAt1 = true
	case config.StuckRandom:
		stuckAt1 = coinFlip()
	}

	if stuckAt1 {
		return current | (1 << uint(bit))
	}
	return current &^ (1 << uint(bit))
}
