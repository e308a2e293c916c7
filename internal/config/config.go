// Package config loads and validates the campaign configuration document
// (spec.md §6). The document is accepted as YAML (this harness's native
// format) or JSON (the format used by the original gqfi tool, kept for
// source compatibility with existing configuration documents).
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects the fault-injection strategy.
type Mode string

const (
	ModeSingleBitFlip Mode = "SINGLE_BIT_FLIP"
	ModePermanent     Mode = "PERMANENT"
)

// PermanentMode selects the stuck value used in PERMANENT mode.
type PermanentMode string

const (
	StuckAt0     PermanentMode = "STUCK_AT_0"
	StuckAt1     PermanentMode = "STUCK_AT_1"
	StuckRandom  PermanentMode = "RANDOM"
)

// TimeMode selects what unit a fault instant is measured in.
type TimeMode string

const (
	TimeInstructions TimeMode = "INSTRUCTIONS"
	TimeRuntime      TimeMode = "RUNTIME"
)

// RuntimeReduction selects how a RUNTIME golden distribution is reduced to
// a single scalar at injection time.
type RuntimeReduction string

const (
	RuntimeMin    RuntimeReduction = "MIN"
	RuntimeMean   RuntimeReduction = "MEAN"
	RuntimeMedian RuntimeReduction = "MEDIAN"
)

// RegionKind classifies a memory region's analysis treatment.
type RegionKind string

const (
	NoAnalysis       RegionKind = "NO_ANALYSIS"
	StackAnalysis    RegionKind = "STACK_ANALYSIS"
	CompleteAnalysis RegionKind = "COMPLETE_ANALYSIS"
)

// MemRegion is one declared memory region. Start and End may be hex
// literals ("0x1000") or symbol names, resolved later against the
// target's symbol table by ResolveMemRegions. In both YAML and JSON each
// region is a mapping with start, end and kind keys; a three-element
// [start, end, kind] list is not accepted.
type MemRegion struct {
	Start string     `yaml:"start" json:"start"`
	End   string     `yaml:"end" json:"end"`
	Kind  RegionKind `yaml:"kind" json:"kind"`
}

// Config is the validated settings document described in spec.md §6.
type Config struct {
	Create64BitElfWrapper bool `yaml:"create_64_bit_elf_wrapper" json:"create_64_bit_elf_wrapper"`

	OutputFolderAnalyze       string `yaml:"output_folder_analyze" json:"output_folder_analyze"`
	OutputFolderQemuSnapshot  string `yaml:"output_folder_qemu_snapshot" json:"output_folder_qemu_snapshot"`
	OutputFolderFIResults     string `yaml:"output_folder_fi_results" json:"output_folder_fi_results"`
	QemuImageSizeInMB         int    `yaml:"qemu_image_size_in_MB" json:"qemu_image_size_in_MB"`

	Mode             Mode             `yaml:"mode" json:"mode"`
	PermanentMode    PermanentMode    `yaml:"permanent_mode" json:"permanent_mode"`
	TimeMode         TimeMode         `yaml:"time_mode" json:"time_mode"`
	RuntimeReduction RuntimeReduction `yaml:"timemode_runtime_method" json:"timemode_runtime_method"`

	Samples     int `yaml:"samples" json:"samples"`
	ChunkFactor int `yaml:"chunk_factor" json:"chunk_factor"`

	MarkerStart      string   `yaml:"marker_start" json:"marker_start"`
	MarkerFinished   string   `yaml:"marker_finished" json:"marker_finished"`
	MarkerDetected   string   `yaml:"marker_detected" json:"marker_detected"`
	MarkerNMIHandler string   `yaml:"marker_nmi_handler" json:"marker_nmi_handler"`
	MarkerStackReady string   `yaml:"marker_stack_ready" json:"marker_stack_ready"`
	MarkerTraps      []string `yaml:"marker_traps" json:"marker_traps"`

	MemRegions []MemRegion `yaml:"mem_regions" json:"mem_regions"`

	TimeoutMultiplier float64 `yaml:"timeout_mulitplier" json:"timeout_mulitplier"`

	RunParallelInCluster bool   `yaml:"runParallelInCluster" json:"runParallelInCluster"`
	ClusterListFile      string `yaml:"clusterListFile" json:"clusterListFile"`
}

// Load reads and validates a configuration document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if looksLikeJSON(data) {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse json %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml %s: %w", path, err)
	}

	cfg.normalizeFolders()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func (c *Config) normalizeFolders() {
	c.OutputFolderAnalyze = ensureTrailingSlash(c.OutputFolderAnalyze)
	c.OutputFolderQemuSnapshot = ensureTrailingSlash(c.OutputFolderQemuSnapshot)
	c.OutputFolderFIResults = ensureTrailingSlash(c.OutputFolderFIResults)
}

func ensureTrailingSlash(path string) string {
	if path == "" || strings.HasSuffix(path, "/") {
		return path
	}
	return path + "/"
}

// Validate checks every enum and cross-field requirement from spec.md §6.
// Configuration-invalid errors are fatal before any experiment runs
// (spec.md §7).
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSingleBitFlip, ModePermanent:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	if c.Mode == ModePermanent {
		switch c.PermanentMode {
		case StuckAt0, StuckAt1, StuckRandom:
		default:
			return fmt.Errorf("unknown permanent_mode %q", c.PermanentMode)
		}
	}

	switch c.TimeMode {
	case TimeInstructions, TimeRuntime:
	default:
		return fmt.Errorf("unknown time_mode %q", c.TimeMode)
	}

	if c.TimeMode == TimeRuntime {
		switch c.RuntimeReduction {
		case RuntimeMin, RuntimeMean, RuntimeMedian:
		default:
			return fmt.Errorf("unknown timemode_runtime_method %q", c.RuntimeReduction)
		}
	}

	if c.Samples <= 0 {
		return fmt.Errorf("samples must be positive, got %d", c.Samples)
	}
	if c.ChunkFactor <= 0 {
		return fmt.Errorf("chunk_factor must be positive, got %d", c.ChunkFactor)
	}

	if c.OutputFolderAnalyze == "" || c.OutputFolderQemuSnapshot == "" || c.OutputFolderFIResults == "" {
		return fmt.Errorf("output folders must all be set")
	}

	if c.MarkerStart == "" || c.MarkerFinished == "" || c.MarkerNMIHandler == "" {
		return fmt.Errorf("marker_start, marker_finished and marker_nmi_handler are required")
	}

	if len(c.MemRegions) == 0 {
		return fmt.Errorf("mem_regions must not be empty")
	}
	for i, r := range c.MemRegions {
		switch r.Kind {
		case NoAnalysis, StackAnalysis, CompleteAnalysis:
		default:
			return fmt.Errorf("mem_regions[%d]: unknown kind %q", i, r.Kind)
		}
	}

	if c.RunParallelInCluster && c.ClusterListFile == "" {
		return fmt.Errorf("clusterListFile is required when runParallelInCluster is set")
	}

	return nil
}

// ClusterHosts reads the SSH host list file. A line containing only ":"
// denotes the local machine and is skipped, matching the original tool's
// convention.
func (c *Config) ClusterHosts() ([]string, error) {
	data, err := os.ReadFile(c.ClusterListFile)
	if err != nil {
		return nil, fmt.Errorf("config: read cluster list %s: %w", c.ClusterListFile, err)
	}

	var hosts []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == ":" {
			continue
		}
		hosts = append(hosts, line)
	}
	return hosts, nil
}
