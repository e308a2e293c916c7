package driver

import (
	"context"
	"testing"
	"time"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// x86-64 test program: MOV RAX, 5; MOV RBX, 3; ADD RAX, RBX; done: JMP done
var addTestCode = []byte{
	0x48, 0xc7, 0xc0, 0x05, 0x00, 0x00, 0x00, // mov rax, 5
	0x48, 0xc7, 0xc3, 0x03, 0x00, 0x00, 0x00, // mov rbx, 3
	0x48, 0x01, 0xd8, // add rax, rbx
	0xeb, 0xfe, // done: jmp done
}

func testImage() Image {
	return Image{
		PointerSize: 4,
		Entry:       CodeBase,
		Segments:    []Segment{{VAddr: CodeBase, Data: addTestCode, MemSz: uint64(len(addTestCode))}},
		Symbols: map[string]uint64{
			"done": CodeBase + uint64(len(addTestCode)) - 2,
		},
	}
}

func TestUnicornDriverRunUntilBreakpoint(t *testing.T) {
	d, err := newUnicornDriver()
	if err != nil {
		t.Fatalf("newUnicornDriver: %v", err)
	}
	defer d.Quit()

	if err := d.Start(testImage(), "", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hit, err := d.RunUntil(ctx, "done")
	if err != nil {
		t.Fatalf("RunUntil: %v", err)
	}
	if hit != "done" {
		t.Errorf("expected to stop at %q, got %q", "done", hit)
	}

	rax, err := d.eng.RegRead(uc.X86_REG_RAX)
	if err != nil {
		t.Fatalf("RegRead: %v", err)
	}
	if rax != 8 {
		t.Errorf("expected RAX=8, got %d", rax)
	}
}

func TestUnicornDriverSnapshotRoundtrip(t *testing.T) {
	d, err := newUnicornDriver()
	if err != nil {
		t.Fatalf("newUnicornDriver: %v", err)
	}
	defer d.Quit()

	if err := d.Start(testImage(), "", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := d.RunUntil(ctx, "done"); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}

	if err := d.SaveSnapshot("after-add"); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := d.WriteByte(CodeBase, 0x90); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	if err := d.LoadSnapshot("after-add"); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	b, err := d.ReadByte(CodeBase)
	if err != nil {
		t.Fatalf("ReadByte: %v", err)
	}
	if b != addTestCode[0] {
		t.Errorf("expected restored byte 0x%x, got 0x%x", addTestCode[0], b)
	}
}

func TestUnicornDriverWatchpointReassertsStuckValue(t *testing.T) {
	d, err := newUnicornDriver()
	if err != nil {
		t.Fatalf("newUnicornDriver: %v", err)
	}
	defer d.Quit()

	if err := d.Start(testImage(), "", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var observed byte
	cancel := d.SetWatchpoint(HeapBase, func(stored byte) {
		observed = stored
		_ = d.WriteByte(HeapBase, 0x00) // stuck-at-0 enforcement
	})
	defer cancel()

	if err := d.WriteByte(HeapBase, 0xFF); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	d.onMemWrite(HeapBase, 1, 0xFF)

	if observed != 0xFF {
		t.Errorf("expected watchpoint to observe the write value 0xFF, got 0x%x", observed)
	}
	b, err := d.ReadByte(HeapBase)
	if err != nil {
		t.Fatalf("ReadByte: %v", err)
	}
	if b != 0 {
		t.Errorf("expected byte re-pinned to 0, got 0x%x", b)
	}
}
