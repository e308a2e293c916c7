package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/nklein/galago-fi/internal/analyzer"
	"github.com/nklein/galago-fi/internal/config"
	"github.com/nklein/galago-fi/internal/driver"
	"github.com/nklein/galago-fi/internal/experiment"
	"github.com/nklein/galago-fi/internal/log"
	"github.com/nklein/galago-fi/internal/results"
	"github.com/nklein/galago-fi/internal/target"
)

// watchguardTimeout bounds one experiment attempt's wait for its first
// fault-injection point (spec.md §5's fixed 300s watchguard). The original
// arms an equivalent timer fresh inside execute_single_bit_flip for every
// attempt and cancels it once that attempt's first breakpoint is hit
// (_examples/original_source/fi/gqfi_gdb_controller.py:452-453); it never
// bounds a shard's whole lifetime, since a shard's total quota routinely
// takes much longer than 300s wall-clock. RunShard re-arms it around each
// attempt rather than once for the whole run.
const watchguardTimeout = 300 * time.Second

// RunShard drives quota experiments against t under shardIndex, resuming
// from whatever results.Store already has recorded on disk (spec.md §5).
// It reads the target's golden analysis artifacts rather than
// re-measuring them, matching the original tool's analyze-once,
// inject-many split.
func RunShard(ctx context.Context, cfg *config.Config, t target.Target, shardIndex, quota int) error {
	resultPath := results.Path(cfg.OutputFolderFIResults, t.Name, fmt.Sprintf("%d", shardIndex))
	store, done, err := results.Open(resultPath)
	if err != nil {
		return fmt.Errorf("campaign: open results for %s shard %d: %w", t.Name, shardIndex, err)
	}
	defer store.Close()

	if done > 0 {
		log.L.ShardResumed(t.Name, shardIndex, done, quota)
	}
	if done >= quota {
		return nil
	}

	image, err := driver.LoadImage(t)
	if err != nil {
		return fmt.Errorf("campaign: load image for %s: %w", t.Name, err)
	}

	golden, err := analyzer.ReadResult(cfg, t.Name, image.PointerSize)
	if err != nil {
		return fmt.Errorf("campaign: read analysis for %s: %w", t.Name, err)
	}

	drv, err := driver.New()
	if err != nil {
		return fmt.Errorf("campaign: new driver: %w", err)
	}
	defer drv.Quit()
	log.L.WithShard(t.Name, shardIndex).Info("emulator started", zap.String("tag", drv.Tag()))

	sink, err := driver.NewSerialSink()
	if err != nil {
		return fmt.Errorf("campaign: new serial sink: %w", err)
	}
	defer sink.Close()

	if err := drv.Start(image, "", sink); err != nil {
		return fmt.Errorf("campaign: start driver for %s: %w", t.Name, err)
	}
	if _, err := drv.RunUntil(ctx, cfg.MarkerStart); err != nil {
		return fmt.Errorf("campaign: run to %s: %w", cfg.MarkerStart, err)
	}
	if err := drv.SaveSnapshot("golden"); err != nil {
		return fmt.Errorf("campaign: snapshot %s: %w", t.Name, err)
	}

	// Seed deterministically per shard so a resumed shard continues with a
	// different draw sequence than a sibling shard of the same target,
	// without needing shared random state across processes.
	seed := uint64(shardIndex)*0x9e3779b97f4a7c15 + 1
	rng := rand.New(rand.NewPCG(seed, seed^0xff51afd7ed558ccd))

	eng, err := experiment.NewEngine(drv, cfg, golden, sink, rng)
	if err != nil {
		return fmt.Errorf("campaign: new engine for %s: %w", t.Name, err)
	}

	for i := done; i < quota; i++ {
		rec, err := runOneGuarded(ctx, eng, cfg.Mode, t.Name, shardIndex)
		if err != nil {
			return fmt.Errorf("campaign: %s shard %d run %d: %w", t.Name, shardIndex, i, err)
		}
		if err := store.Write(*rec); err != nil {
			return fmt.Errorf("campaign: write result: %w", err)
		}
		log.L.Classified(rec.Addr, rec.Bit, rec.Time, rec.Outcome.String())
	}

	return nil
}

// runOneGuarded arms watchguardTimeout fresh for a single experiment
// attempt and disarms it once that attempt returns, so a slow-but-alive
// shard's later attempts are never charged for an earlier one's wait.
func runOneGuarded(ctx context.Context, eng *experiment.Engine, mode config.Mode, fullName string, shardIndex int) (*experiment.Record, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, watchguardTimeout)
	defer cancel()
	rec, err := runOne(attemptCtx, eng, mode)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		log.L.Watchguard(fullName, shardIndex)
	}
	return rec, err
}

func runOne(ctx context.Context, eng *experiment.Engine, mode config.Mode) (*experiment.Record, error) {
	switch mode {
	case config.ModeSingleBitFlip:
		return eng.RunTransient(ctx)
	case config.ModePermanent:
		return eng.RunPermanent(ctx)
	default:
		return nil, fmt.Errorf("campaign: unknown mode %q", mode)
	}
}
