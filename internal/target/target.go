// Package target holds the Target Descriptor: the 64-bit image under test,
// its derived 32-bit bootable variant, and the campaign-unique name used to
// namespace every artifact and result file produced for it.
package target

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Target is immutable once discovered.
type Target struct {
	// Name is the campaign-unique "basename_filename" identifier, derived
	// from the target's position in the discovery tree.
	Name string
	// Path64 is the absolute path to the 64-bit ELF image.
	Path64 string
	// Path32 is the absolute path to the derived 32-bit bootable wrapper.
	// Producing this file is an external collaborator's responsibility
	// (spec.md §1 Non-goals); Target only records where it is expected.
	Path32 string
}

// elf32Suffix marks auto-generated 32-bit wrappers so Discover skips them
// when walking a folder that already contains prior analysis output.
const elf32Suffix = ".elf_32"

// Discover walks folder and returns one Target per file found, skipping
// already-generated 32-bit wrappers. The name of each target is
// "<dir>_<file>", with the root directory itself named "main", matching
// the naming rule of the campaign tool this harness succeeds.
func Discover(folder string) ([]Target, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return nil, fmt.Errorf("target: stat %s: %w", folder, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("target: %s is not a directory", folder)
	}

	absFolder, err := filepath.Abs(folder)
	if err != nil {
		return nil, fmt.Errorf("target: abs path: %w", err)
	}

	var targets []Target
	err = filepath.Walk(absFolder, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, elf32Suffix) {
			return nil
		}

		dir := filepath.Dir(path)
		rel, err := filepath.Rel(absFolder, dir)
		if err != nil {
			return err
		}
		base := strings.ReplaceAll(rel, string(filepath.Separator), "-")
		if base == "." {
			base = "main"
		}

		targets = append(targets, Target{
			Name:   base + "_" + fi.Name(),
			Path64: path,
			Path32: path + elf32Suffix,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("target: walk %s: %w", folder, err)
	}

	return targets, nil
}
