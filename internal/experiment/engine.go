// Package experiment implements the per-run fault-injection state
// machines (spec.md §4.3): one invocation, one attempt, one classified
// Record. Both the transient and permanent fault strategies are expressed
// as methods on a single Engine rather than duplicated state machines
// (SPEC_FULL.md §9, "unify behind a single engine with a strategy
// object").
package experiment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nklein/galago-fi/internal/analyzer"
	"github.com/nklein/galago-fi/internal/config"
	"github.com/nklein/galago-fi/internal/driver"
)

// Engine owns one Driver for the lifetime of a shard and runs repeated
// experiments against the same target, reloading the entry snapshot
// before each one.
type Engine struct {
	Drv    driver.Driver
	Cfg    *config.Config
	Golden *analyzer.Result
	Sink   *driver.SerialSink
	Space  *SampleSpace
	Rng    *rand.Rand

	// Runtime is the golden distribution reduced to a single scalar,
	// used to draw a fault instant (spec.md §4.3).
	Runtime uint64
}

// NewEngine builds an Engine from a target's analysis artifacts.
func NewEngine(drv driver.Driver, cfg *config.Config, golden *analyzer.Result, sink *driver.SerialSink, rng *rand.Rand) (*Engine, error) {
	space, err := NewSampleSpace(golden.MemRegions)
	if err != nil {
		return nil, err
	}

	runtime, err := analyzer.Reduce(golden.Runtime, cfg.RuntimeReduction)
	if err != nil && cfg.TimeMode == config.TimeRuntime {
		return nil, fmt.Errorf("experiment: reduce golden runtime: %w", err)
	}
	if cfg.TimeMode == config.TimeInstructions {
		runtime = golden.Runtime[0]
	}

	return &Engine{
		Drv:     drv,
		Cfg:     cfg,
		Golden:  golden,
		Sink:    sink,
		Space:   space,
		Rng:     rng,
		Runtime: runtime,
	}, nil
}

func (e *Engine) timeoutDuration() time.Duration {
	secs := 5 + e.Golden.DurationSecs*e.Cfg.TimeoutMultiplier
	return time.Duration(secs * float64(time.Second))
}

func (e *Engine) breakpointSymbols() []string {
	symbols := []string{e.Cfg.MarkerFinished}
	if e.Cfg.MarkerDetected != "" {
		symbols = append(symbols, e.Cfg.MarkerDetected)
	}
	symbols = append(symbols, e.Cfg.MarkerTraps...)
	return symbols
}

// classify applies spec.md §4.3.3's priority-ordered rules.
func (e *Engine) classify(hit driver.HitSymbol, timedOut bool) Outcome {
	if timedOut {
		return Timeout
	}
	if e.Cfg.MarkerDetected != "" && string(hit) == e.Cfg.MarkerDetected {
		return Detected
	}
	for _, trap := range e.Cfg.MarkerTraps {
		if string(hit) == trap {
			return Trap
		}
	}
	if string(hit) == e.Cfg.MarkerFinished {
		time.Sleep(serialDrainWait)
		got := e.Sink.Bytes()
		if analyzer.CompareSerial(e.Golden.GoldenOutput, got) {
			return OK
		}
		return SDC
	}
	return Error
}

// serialDrainWait matches the 500ms recv window in spec.md §4.3.3.
const serialDrainWait = 500 * time.Millisecond

// RunTransient implements spec.md §4.3.1. It redraws a fresh (addr, bit,
// instant) and retries whenever the counter doesn't overflow before the
// target reaches finished/detected/a trap on its own, since no fault was
// actually delivered in that case.
func (e *Engine) RunTransient(ctx context.Context) (*Record, error) {
	for {
		addr, bit := e.Space.DrawFault(e.Rng)
		instant := DrawInstant(e.Rng, e.Runtime)

		rec, delivered, err := e.attemptTransient(ctx, addr, bit, instant)
		if err != nil {
			return nil, err
		}
		if delivered {
			return rec, nil
		}
	}
}

func (e *Engine) attemptTransient(ctx context.Context, addr uint64, bit int, instant int64) (*Record, bool, error) {
	if err := e.Drv.LoadSnapshot(snapshotTag()); err != nil {
		return nil, false, fmt.Errorf("experiment: load snapshot: %w", err)
	}
	e.Sink.Reset()

	if err := e.armCounter(instant); err != nil {
		return nil, false, err
	}

	symbols := append([]string{e.Cfg.MarkerNMIHandler}, e.breakpointSymbols()...)
	hit1, err := e.Drv.RunUntil(ctx, symbols...)
	if err != nil {
		return nil, false, fmt.Errorf("experiment: run to injection point: %w", err)
	}

	if string(hit1) != e.Cfg.MarkerNMIHandler {
		// The target reached a terminal breakpoint before the PMU counter
		// overflowed: time_to_stop exceeded the remaining runtime.
		return nil, false, nil
	}

	overflowed, err := e.confirmOverflow()
	if err != nil {
		return nil, false, err
	}
	if !overflowed {
		return nil, false, nil
	}

	if err := e.flipBit(addr, bit); err != nil {
		return nil, false, fmt.Errorf("experiment: flip bit: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeoutDuration())
	defer cancel()

	hit2, err := e.Drv.RunUntil(runCtx, e.breakpointSymbols()...)
	timedOut := errors.Is(err, context.DeadlineExceeded)
	if err != nil && !timedOut {
		return nil, false, fmt.Errorf("experiment: run post-fault: %w", err)
	}

	outcome := e.classify(hit2, timedOut)
	return &Record{Addr: addr, Bit: bit, Time: instant, Outcome: outcome}, true, nil
}

func (e *Engine) armCounter(instant int64) error {
	remaining := uint64(driver.Int48Max) - uint64(instant)
	switch e.Cfg.TimeMode {
	case config.TimeInstructions:
		if err := e.Drv.WriteMSR(driver.MSRPerfGlobalCtrl, driver.GlobalCtrlCtr0Enabled); err != nil {
			return err
		}
		if err := e.Drv.WriteMSR(driver.MSRFixedCtr0, remaining); err != nil {
			return err
		}
		return e.Drv.WriteMSR(driver.MSRFixedCtrCtrl, driver.FixedCtrlCtr0PMI)
	case config.TimeRuntime:
		if err := e.Drv.WriteMSR(driver.MSRPerfGlobalCtrl, driver.GlobalCtrlCtr2Enabled); err != nil {
			return err
		}
		if err := e.Drv.WriteMSR(driver.MSRFixedCtr2, remaining); err != nil {
			return err
		}
		return e.Drv.WriteMSR(driver.MSRFixedCtrCtrl, driver.FixedCtrlCtr2PMI)
	default:
		return fmt.Errorf("experiment: unknown time_mode %q", e.Cfg.TimeMode)
	}
}

func (e *Engine) confirmOverflow() (bool, error) {
	status, err := e.Drv.ReadMSR(driver.MSRPerfGlobalStatus)
	if err != nil {
		return false, err
	}
	switch e.Cfg.TimeMode {
	case config.TimeInstructions:
		return status&driver.GlobalStatusCtr0Overflow != 0, nil
	case config.TimeRuntime:
		return status&driver.GlobalStatusCtr2Overflow != 0, nil
	default:
		return false, fmt.Errorf("experiment: unknown time_mode %q", e.Cfg.TimeMode)
	}
}

func (e *Engine) flipBit(addr uint64, bit int) error {
	cur, err := e.Drv.ReadByte(addr)
	if err != nil {
		return err
	}
	return e.Drv.WriteByte(addr, cur^(1<<uint(bit)))
}

// RunPermanent implements spec.md §4.3.2.
func (e *Engine) RunPermanent(ctx context.Context) (*Record, error) {
	if err := e.Drv.LoadSnapshot(snapshotTag()); err != nil {
		return nil, fmt.Errorf("experiment: load snapshot: %w", err)
	}
	e.Sink.Reset()

	addr, bit := e.Space.DrawFault(e.Rng)

	// RANDOM mode flips a coin once per experiment and holds it for both
	// the initial mask and every watchpoint re-assertion, so a single run
	// is consistently stuck at one value (spec.md §4.3.2).
	coin := e.Rng.IntN(2) == 1
	coinFlip := func() bool { return coin }

	cur, err := e.Drv.ReadByte(addr)
	if err != nil {
		return nil, fmt.Errorf("experiment: read initial byte: %w", err)
	}
	masked := stuckMask(e.Cfg.PermanentMode, cur, bit, coinFlip)
	if err := e.Drv.WriteByte(addr, masked); err != nil {
		return nil, fmt.Errorf("experiment: apply initial mask: %w", err)
	}

	cancel := e.Drv.SetWatchpoint(addr, func(stored byte) {
		_ = e.Drv.WriteByte(addr, stuckMask(e.Cfg.PermanentMode, stored, bit, coinFlip))
	})
	defer cancel()

	runCtx, cancelTimeout := context.WithTimeout(ctx, e.timeoutDuration())
	defer cancelTimeout()

	hit, err := e.Drv.RunUntil(runCtx, e.breakpointSymbols()...)
	timedOut := errors.Is(err, context.DeadlineExceeded)
	if err != nil && !timedOut {
		return nil, fmt.Errorf("experiment: run: %w", err)
	}

	outcome := e.classify(hit, timedOut)
	return &Record{Addr: addr, Bit: bit, Time: 0, Outcome: outcome}, nil
}

// snapshotTag is the tag the Analyzer saves the entry-symbol snapshot
// under (analyzer.snapshotTag is unexported, so this mirrors it).
func snapshotTag() string { return "golden" }
