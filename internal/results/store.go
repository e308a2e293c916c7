// Package results implements the append-only fault-injection result file
// spec.md §6 describes: a flat ";"-delimited record stream a shard appends
// to as experiments complete, and resumes counting from on restart.
package results

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nklein/galago-fi/internal/experiment"
)

// Store is one shard's result file, opened for append.
type Store struct {
	f *os.File
	w *bufio.Writer
}

// Path builds the canonical result file name for a target/shard, matching
// the original tool's "<full_name>_FI_RESULTS.<unique_id>" convention.
func Path(outputFolder, fullName, uniqueID string) string {
	return fmt.Sprintf("%s%s_FI_RESULTS.%s", outputFolder, fullName, uniqueID)
}

// Open opens path for append, creating it if absent, and reports how many
// complete records it already holds so a resumed shard knows how many more
// experiments it still owes (spec.md §5).
func Open(path string) (*Store, int, error) {
	done := 0
	if data, err := os.ReadFile(path); err == nil {
		done = countFinished(data)
	} else if !os.IsNotExist(err) {
		return nil, 0, fmt.Errorf("results: read %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("results: open %s: %w", path, err)
	}
	return &Store{f: f, w: bufio.NewWriter(f)}, done, nil
}

// countFinished counts completed records in a ";"-terminated stream. The
// empty string after the final ";" is not itself a record, hence len-1.
func countFinished(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	return len(strings.Split(string(data), ";")) - 1
}

// Write appends one classified record as "<addr>:<bit>:<time>:<outcome>;",
// addr in hex to match the reference tool's hex(address) formatting.
func (s *Store) Write(rec experiment.Record) error {
	if _, err := fmt.Fprintf(s.w, "0x%x:%d:%d:%d;", rec.Addr, rec.Bit, rec.Time, int(rec.Outcome)); err != nil {
		return fmt.Errorf("results: write record: %w", err)
	}
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("results: flush: %w", err)
	}
	return s.f.Close()
}

// Merge concatenates every shard's result file for fullName into one
// "<fullName>_FI_RESULTS" file with no shard suffix, then removes the
// per-shard files, matching fi/gqfi_fi_campagne.py's concat_results_of_fi.
func Merge(outputFolder, fullName string, shards int) error {
	merged := outputFolder + fullName + "_FI_RESULTS"
	out, err := os.OpenFile(merged, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("results: create %s: %w", merged, err)
	}
	defer out.Close()

	for i := 0; i < shards; i++ {
		shardPath := Path(outputFolder, fullName, strconv.Itoa(i))
		data, err := os.ReadFile(shardPath)
		if err != nil {
			return fmt.Errorf("results: read shard file %s: %w", shardPath, err)
		}
		if _, err := out.Write(data); err != nil {
			return fmt.Errorf("results: write merged %s: %w", merged, err)
		}
	}

	for i := 0; i < shards; i++ {
		shardPath := Path(outputFolder, fullName, strconv.Itoa(i))
		if err := os.Remove(shardPath); err != nil {
			return fmt.Errorf("results: remove shard file %s: %w", shardPath, err)
		}
	}
	return nil
}

// CountFinished reports how many complete records exist in the result file
// at path, without opening it for writing. Used by a campaign coordinator
// polling shard progress.
func CountFinished(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("results: read %s: %w", path, err)
	}
	return countFinished(data), nil
}
