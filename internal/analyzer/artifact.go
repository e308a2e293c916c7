package analyzer

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nklein/galago-fi/internal/config"
)

// WriteArtifacts persists the analysis result as the five ".qgfi" files the
// original tool produces per target, under cfg.OutputFolderAnalyze and
// named by fullName (the target's campaign-unique name).
func WriteArtifacts(cfg *config.Config, fullName string, res *Result) error {
	base := cfg.OutputFolderAnalyze + fullName

	if err := writeRuntime(base+"_runtime.qgfi", res.Runtime); err != nil {
		return err
	}
	if err := os.WriteFile(base+"_runtime_seconds.qgfi", []byte(strconv.FormatFloat(res.DurationSecs, 'f', -1, 64)), 0o644); err != nil {
		return fmt.Errorf("analyzer: write runtime_seconds: %w", err)
	}
	if err := os.WriteFile(base+"_output.qgfi", res.GoldenOutput, 0o644); err != nil {
		return fmt.Errorf("analyzer: write output: %w", err)
	}
	if err := writeMemoryAnalysis(base+"_memory_analysis.qgfi", res.MemRegions); err != nil {
		return err
	}
	if err := os.WriteFile(base+"_memory_size.qgfi", []byte(strconv.FormatUint(res.EffectiveTotal, 10)), 0o644); err != nil {
		return fmt.Errorf("analyzer: write memory_size: %w", err)
	}
	return nil
}

func writeRuntime(path string, samples []uint64) error {
	parts := make([]string, len(samples))
	for i, v := range samples {
		parts[i] = strconv.FormatUint(v, 10)
	}
	if err := os.WriteFile(path, []byte(strings.Join(parts, ",")), 0o644); err != nil {
		return fmt.Errorf("analyzer: write runtime: %w", err)
	}
	return nil
}

// memoryAnalysisDoc mirrors the original tool's
// {"mem_regions": [[hexstart, hexend, kind], ...]} artifact shape
// (analyse/gqfi_gdb_controller.py's execute_memory_analysis), kept for
// source compatibility with configuration documents written for it.
type memoryAnalysisDoc struct {
	MemRegions [][3]string `json:"mem_regions"`
}

func writeMemoryAnalysis(path string, regions []config.ResolvedMemRegion) error {
	doc := memoryAnalysisDoc{MemRegions: make([][3]string, len(regions))}
	for i, r := range regions {
		doc.MemRegions[i] = [3]string{
			fmt.Sprintf("0x%x", r.Start),
			fmt.Sprintf("0x%x", r.End),
			string(r.Kind),
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("analyzer: encode memory_analysis: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("analyzer: write memory_analysis: %w", err)
	}
	return nil
}

// ReadResult reconstructs a full analysis Result from a target's .qgfi
// artifacts on disk. A campaign shard calls this instead of re-running the
// golden analysis pass itself, matching the original tool's analyze-once,
// inject-many split (spec.md §5).
func ReadResult(cfg *config.Config, fullName string, ptrSize uint64) (*Result, error) {
	base := cfg.OutputFolderAnalyze + fullName

	runtime, err := readRuntime(base + "_runtime.qgfi")
	if err != nil {
		return nil, err
	}

	durationRaw, err := os.ReadFile(base + "_runtime_seconds.qgfi")
	if err != nil {
		return nil, fmt.Errorf("analyzer: read runtime_seconds: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(durationRaw)), 64)
	if err != nil {
		return nil, fmt.Errorf("analyzer: parse runtime_seconds: %w", err)
	}

	output, err := os.ReadFile(base + "_output.qgfi")
	if err != nil {
		return nil, fmt.Errorf("analyzer: read output: %w", err)
	}

	regions, err := ReadMemoryAnalysis(base + "_memory_analysis.qgfi")
	if err != nil {
		return nil, err
	}

	sizeRaw, err := os.ReadFile(base + "_memory_size.qgfi")
	if err != nil {
		return nil, fmt.Errorf("analyzer: read memory_size: %w", err)
	}
	total, err := strconv.ParseUint(strings.TrimSpace(string(sizeRaw)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("analyzer: parse memory_size: %w", err)
	}

	return &Result{
		GoldenOutput:   output,
		Runtime:        runtime,
		DurationSecs:   duration,
		MemRegions:     regions,
		PointerSize:    ptrSize,
		EffectiveTotal: total,
	}, nil
}

func readRuntime(path string) ([]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("analyzer: read runtime: %w", err)
	}
	parts := strings.Split(strings.TrimSpace(string(data)), ",")
	samples := make([]uint64, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("analyzer: parse runtime sample %q: %w", p, err)
		}
		samples = append(samples, v)
	}
	return samples, nil
}

// ReadMemoryAnalysis parses a previously written memory-analysis artifact
// back into resolved regions, used when a campaign run resumes without
// re-analyzing the target.
func ReadMemoryAnalysis(path string) ([]config.ResolvedMemRegion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("analyzer: read memory_analysis: %w", err)
	}

	var doc memoryAnalysisDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("analyzer: parse memory_analysis: %w", err)
	}

	regions := make([]config.ResolvedMemRegion, 0, len(doc.MemRegions))
	for _, rec := range doc.MemRegions {
		start, err := strconv.ParseUint(strings.TrimPrefix(rec[0], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("analyzer: parse start in %v: %w", rec, err)
		}
		end, err := strconv.ParseUint(strings.TrimPrefix(rec[1], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("analyzer: parse end in %v: %w", rec, err)
		}
		regions = append(regions, config.ResolvedMemRegion{
			Start: start,
			End:   end,
			Kind:  config.RegionKind(rec[2]),
		})
	}
	return regions, nil
}
