package experiment

import (
	"testing"

	"github.com/nklein/galago-fi/internal/analyzer"
	"github.com/nklein/galago-fi/internal/config"
	"github.com/nklein/galago-fi/internal/driver"
)

// classifyEngine builds a bare Engine sufficient to exercise classify
// directly, without driving a full RunTransient/RunPermanent attempt.
func classifyEngine(t *testing.T, cfg *config.Config, golden []byte, sinkContents []byte) *Engine {
	t.Helper()
	sink, err := driver.NewSerialSink()
	if err != nil {
		t.Fatalf("NewSerialSink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	sink.Write(sinkContents)

	return &Engine{
		Cfg:    cfg,
		Golden: &analyzer.Result{GoldenOutput: golden},
		Sink:   sink,
	}
}

func TestClassifyTimeoutTakesPriorityOverEverything(t *testing.T) {
	cfg := &config.Config{MarkerFinished: "finished", MarkerDetected: "detected", MarkerTraps: []string{"finished"}}
	e := classifyEngine(t, cfg, []byte("x"), []byte("x"))
	if got := e.classify(driver.HitSymbol("finished"), true); got != Timeout {
		t.Errorf("expected TIMEOUT, got %s", got)
	}
}

func TestClassifyDetectedTakesPriorityOverOK(t *testing.T) {
	cfg := &config.Config{MarkerFinished: "finished", MarkerDetected: "detected"}
	e := classifyEngine(t, cfg, []byte("x"), []byte("x"))
	if got := e.classify(driver.HitSymbol("detected"), false); got != Detected {
		t.Errorf("expected DETECTED, got %s", got)
	}
}

func TestClassifyOKOnByteForByteSerialMatch(t *testing.T) {
	cfg := &config.Config{MarkerFinished: "finished"}
	e := classifyEngine(t, cfg, []byte("hello"), []byte("hello"))
	if got := e.classify(driver.HitSymbol("finished"), false); got != OK {
		t.Errorf("expected OK, got %s", got)
	}
}

func TestClassifySDCOnSerialMismatch(t *testing.T) {
	cfg := &config.Config{MarkerFinished: "finished"}
	e := classifyEngine(t, cfg, []byte("hello"), []byte("hellx"))
	if got := e.classify(driver.HitSymbol("finished"), false); got != SDC {
		t.Errorf("expected SDC, got %s", got)
	}
}

func TestClassifySDCNotErrorWhenNoDatagramArrives(t *testing.T) {
	cfg := &config.Config{MarkerFinished: "finished"}
	e := classifyEngine(t, cfg, []byte("hello"), nil)
	if got := e.classify(driver.HitSymbol("finished"), false); got != SDC {
		t.Errorf("expected SDC (not ERROR) for finished with no datagram, got %s", got)
	}
}

func TestClassifyTrapTakesPriorityOverError(t *testing.T) {
	cfg := &config.Config{MarkerFinished: "finished", MarkerTraps: []string{"gpf_trap", "page_fault"}}
	e := classifyEngine(t, cfg, []byte("x"), []byte("x"))
	if got := e.classify(driver.HitSymbol("page_fault"), false); got != Trap {
		t.Errorf("expected TRAP, got %s", got)
	}
}

func TestClassifyErrorOnUnrecognizedHalt(t *testing.T) {
	cfg := &config.Config{MarkerFinished: "finished"}
	e := classifyEngine(t, cfg, []byte("x"), []byte("x"))
	if got := e.classify(driver.HitSymbol("unexpected_halt"), false); got != Error {
		t.Errorf("expected ERROR, got %s", got)
	}
}
