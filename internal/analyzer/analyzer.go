// Package analyzer characterizes one target before any fault is injected:
// its golden serial output, its runtime (in instructions or reference
// cycles), and the subset of its declared memory regions actually touched
// during execution. The Experiment Engine uses these artifacts to build
// its sample space and its pass/fail oracle (spec.md §4.2).
package analyzer

import (
	"context"
	"fmt"

	"github.com/nklein/galago-fi/internal/config"
	"github.com/nklein/galago-fi/internal/driver"
)

// RepeatGoldenRun is how many times a RUNTIME-mode golden run is repeated
// from the same snapshot to build a distribution, matching the original's
// 20-iteration cpu-cycle sampling loop.
const RepeatGoldenRun = 20

// snapshotTag names the entry-symbol snapshot that the analysis passes save
// once and reload before each later pass.
const snapshotTag = "golden"

// Result bundles everything the Experiment Engine needs from analysis.
type Result struct {
	GoldenOutput []byte
	// Runtime is the golden distribution in the configured time unit: one
	// sample for INSTRUCTIONS mode, RepeatGoldenRun samples for RUNTIME.
	Runtime        []uint64
	DurationSecs   float64
	MemRegions     []config.ResolvedMemRegion
	PointerSize    uint64
	EffectiveTotal uint64 // sum of (end-start) across analyzed regions
}

// Run executes all three analysis passes against image using drv, which
// must already have image loaded via drv.Start with sink as its serial
// destination. The captured golden output is what later experiments
// against this target compare their own serial output with (spec.md
// §4.3.3); each shard collects that output in a sink of its own.
func Run(ctx context.Context, drv driver.Driver, image driver.Image, cfg *config.Config, sink *driver.SerialSink) (*Result, error) {
	regions, err := config.ResolveMemRegions(cfg.MemRegions, image.Symbols, image.PointerSize)
	if err != nil {
		return nil, fmt.Errorf("analyzer: resolve mem regions: %w", err)
	}

	output, err := captureGoldenSerial(ctx, drv, cfg, sink)
	if err != nil {
		return nil, fmt.Errorf("analyzer: serial capture: %w", err)
	}

	runtime, duration, err := measureGoldenTiming(ctx, drv, cfg)
	if err != nil {
		return nil, fmt.Errorf("analyzer: golden timing: %w", err)
	}

	effective, err := analyzeMemory(ctx, drv, cfg, regions, image.PointerSize)
	if err != nil {
		return nil, fmt.Errorf("analyzer: memory footprint: %w", err)
	}

	total := uint64(0)
	for _, r := range effective {
		if r.Kind != config.NoAnalysis {
			total += r.End - r.Start
		}
	}

	return &Result{
		GoldenOutput:   output,
		Runtime:        runtime,
		DurationSecs:   duration,
		MemRegions:     effective,
		PointerSize:    image.PointerSize,
		EffectiveTotal: total,
	}, nil
}
