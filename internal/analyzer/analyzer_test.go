package analyzer

import (
	"context"
	"testing"

	"github.com/nklein/galago-fi/internal/config"
	"github.com/nklein/galago-fi/internal/driver"
)

func TestRunOrchestratesAllThreePasses(t *testing.T) {
	d := newFakeDriver()
	image := driver.Image{
		PointerSize: 8,
		Symbols: map[string]uint64{
			"start":    0x1000,
			"finished": 0x2000,
		},
	}
	cfg := &config.Config{
		MarkerStart:    "start",
		MarkerFinished: "finished",
		TimeMode:       config.TimeInstructions,
		MemRegions: []config.MemRegion{
			{Start: "0x3000", End: "0x3010", Kind: config.NoAnalysis},
		},
	}

	sink, err := driver.NewSerialSink()
	if err != nil {
		t.Fatalf("NewSerialSink: %v", err)
	}
	defer sink.Close()

	res, err := Run(context.Background(), d, image, cfg, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Runtime) != 1 {
		t.Errorf("expected one INSTRUCTIONS sample, got %d", len(res.Runtime))
	}
	if len(res.MemRegions) != 1 || res.MemRegions[0].Kind != config.NoAnalysis {
		t.Errorf("expected the NO_ANALYSIS region to pass through unchanged, got %+v", res.MemRegions)
	}
}
