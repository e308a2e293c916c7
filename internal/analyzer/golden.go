package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/nklein/galago-fi/internal/config"
	"github.com/nklein/galago-fi/internal/driver"
)

// serialDrainWait mirrors the 500ms recv timeout the Experiment Engine
// uses when classifying a run (spec.md §4.3.3).
const serialDrainWait = 500 * time.Millisecond

// captureGoldenSerial runs the target from reset to marker_finished and
// returns everything it wrote to its serial port, the reference output
// every subsequent experiment's run is compared against.
func captureGoldenSerial(ctx context.Context, drv driver.Driver, cfg *config.Config, sink *driver.SerialSink) ([]byte, error) {
	if _, err := drv.RunUntil(ctx, cfg.MarkerStart); err != nil {
		return nil, fmt.Errorf("run to %s: %w", cfg.MarkerStart, err)
	}
	if err := drv.SaveSnapshot(snapshotTag); err != nil {
		return nil, fmt.Errorf("snapshot at %s: %w", cfg.MarkerStart, err)
	}

	if _, err := drv.RunUntil(ctx, cfg.MarkerFinished); err != nil {
		return nil, fmt.Errorf("run to %s: %w", cfg.MarkerFinished, err)
	}

	time.Sleep(serialDrainWait)
	return sink.Bytes(), nil
}

// measureGoldenTiming reads the golden run's duration in the configured
// time unit. INSTRUCTIONS mode samples once; RUNTIME mode repeats
// RepeatGoldenRun times from the entry snapshot to build a distribution,
// since reference-cycle counts vary run to run (spec.md §4.2).
func measureGoldenTiming(ctx context.Context, drv driver.Driver, cfg *config.Config) ([]uint64, float64, error) {
	iterations := 1
	if cfg.TimeMode == config.TimeRuntime {
		iterations = RepeatGoldenRun
	}

	var samples []uint64
	start := time.Now()
	for i := 0; i < iterations; i++ {
		if err := drv.LoadSnapshot(snapshotTag); err != nil {
			return nil, 0, fmt.Errorf("load golden snapshot: %w", err)
		}
		if err := armCounter(drv, cfg.TimeMode); err != nil {
			return nil, 0, err
		}

		if _, err := drv.RunUntil(ctx, cfg.MarkerFinished); err != nil {
			return nil, 0, fmt.Errorf("run to %s: %w", cfg.MarkerFinished, err)
		}

		val, err := readCounter(drv, cfg.TimeMode)
		if err != nil {
			return nil, 0, err
		}
		samples = append(samples, val)
	}
	duration := time.Since(start).Seconds()

	return samples, duration, nil
}

func armCounter(drv driver.Driver, mode config.TimeMode) error {
	switch mode {
	case config.TimeInstructions:
		if err := drv.WriteMSR(driver.MSRFixedCtr0, 0); err != nil {
			return err
		}
		if err := drv.WriteMSR(driver.MSRFixedCtrCtrl, driver.FixedCtrlCtr0PMI); err != nil {
			return err
		}
		return drv.WriteMSR(driver.MSRPerfGlobalCtrl, driver.GlobalCtrlCtr0Enabled)
	case config.TimeRuntime:
		if err := drv.WriteMSR(driver.MSRFixedCtr2, 0); err != nil {
			return err
		}
		if err := drv.WriteMSR(driver.MSRFixedCtrCtrl, driver.FixedCtrlCtr2PMI); err != nil {
			return err
		}
		return drv.WriteMSR(driver.MSRPerfGlobalCtrl, driver.GlobalCtrlCtr2Enabled)
	default:
		return fmt.Errorf("analyzer: unknown time_mode %q", mode)
	}
}

func readCounter(drv driver.Driver, mode config.TimeMode) (uint64, error) {
	switch mode {
	case config.TimeInstructions:
		return drv.ReadMSR(driver.MSRFixedCtr0)
	case config.TimeRuntime:
		return drv.ReadMSR(driver.MSRFixedCtr2)
	default:
		return 0, fmt.Errorf("analyzer: unknown time_mode %q", mode)
	}
}

// Reduce collapses a RUNTIME golden distribution to the single scalar the
// Experiment Engine uses to draw a fault instant, per the configured
// reduction policy. INSTRUCTIONS mode's single sample is returned as-is.
func Reduce(samples []uint64, policy config.RuntimeReduction) (uint64, error) {
	if len(samples) == 0 {
		return 0, fmt.Errorf("analyzer: empty golden distribution")
	}
	if len(samples) == 1 {
		return samples[0], nil
	}

	sorted := append([]uint64(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	switch policy {
	case config.RuntimeMin:
		return sorted[0], nil
	case config.RuntimeMedian:
		return sorted[len(sorted)/2], nil
	case config.RuntimeMean:
		var sum uint64
		for _, v := range sorted {
			sum += v
		}
		return sum / uint64(len(sorted)), nil
	default:
		return 0, fmt.Errorf("analyzer: unknown reduction policy %q", policy)
	}
}

// CompareSerial reports whether got matches the golden output byte for
// byte; a nil or empty got (no datagram arrived in time) never matches.
func CompareSerial(golden, got []byte) bool {
	if len(got) == 0 {
		return false
	}
	return bytes.Equal(golden, got)
}
