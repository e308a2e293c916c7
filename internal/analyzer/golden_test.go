package analyzer

import (
	"testing"

	"github.com/nklein/galago-fi/internal/config"
)

func TestReduceSingleSample(t *testing.T) {
	v, err := Reduce([]uint64{42}, config.RuntimeMean)
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
}

func TestReduceMinMeanMedian(t *testing.T) {
	samples := []uint64{10, 30, 20}

	min, err := Reduce(samples, config.RuntimeMin)
	if err != nil || min != 10 {
		t.Errorf("min: got %d, err %v", min, err)
	}
	mean, err := Reduce(samples, config.RuntimeMean)
	if err != nil || mean != 20 {
		t.Errorf("mean: got %d, err %v", mean, err)
	}
	median, err := Reduce(samples, config.RuntimeMedian)
	if err != nil || median != 20 {
		t.Errorf("median: got %d, err %v", median, err)
	}
}

func TestReduceUnknownPolicy(t *testing.T) {
	if _, err := Reduce([]uint64{1, 2}, config.RuntimeReduction("BOGUS")); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestReduceEmpty(t *testing.T) {
	if _, err := Reduce(nil, config.RuntimeMin); err == nil {
		t.Fatalf("expected error for empty distribution")
	}
}

func TestCompareSerial(t *testing.T) {
	golden := []byte("boot ok\n")
	if !CompareSerial(golden, []byte("boot ok\n")) {
		t.Errorf("expected identical output to match")
	}
	if CompareSerial(golden, []byte("boot bad\n")) {
		t.Errorf("expected differing output to not match")
	}
	if CompareSerial(golden, nil) {
		t.Errorf("expected empty output to not match")
	}
}
