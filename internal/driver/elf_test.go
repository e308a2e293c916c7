package driver

import (
	"os"
	"testing"

	"github.com/nklein/galago-fi/internal/target"
)

func TestLoadImageMissingFile(t *testing.T) {
	_, err := LoadImage(target.Target{Path64: "/nonexistent/a.elf", Path32: "/nonexistent/a.elf_32"})
	if err == nil {
		t.Fatalf("expected error loading nonexistent ELF")
	}
}

// TestLoadImageFixture loads a real target pair when GALAGO_FI_TEST_TARGET
// is set, for exercising the loader against a production-shaped binary
// during manual verification; it is skipped otherwise.
func TestLoadImageFixture(t *testing.T) {
	path64 := os.Getenv("GALAGO_FI_TEST_TARGET")
	if path64 == "" {
		t.Skip("GALAGO_FI_TEST_TARGET not set, skipping fixture-backed ELF load")
	}

	img, err := LoadImage(target.Target{Path64: path64, Path32: path64 + ".elf_32"})
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if len(img.Symbols) == 0 {
		t.Errorf("expected at least one resolved symbol")
	}
	if img.PointerSize != 4 && img.PointerSize != 8 {
		t.Errorf("unexpected pointer size %d", img.PointerSize)
	}
}
