package analyzer

import (
	"context"

	"github.com/nklein/galago-fi/internal/driver"
)

// fakeDriver is a minimal in-memory driver.Driver used to test analyzer
// logic without an actual Unicorn engine.
type fakeDriver struct {
	mem        map[uint64]byte
	runUntil   []driver.HitSymbol
	runUntilAt int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{mem: make(map[uint64]byte)}
}

func (f *fakeDriver) Start(driver.Image, string, *driver.SerialSink) error { return nil }

func (f *fakeDriver) RunUntil(ctx context.Context, symbols ...string) (driver.HitSymbol, error) {
	if f.runUntilAt < len(f.runUntil) {
		hit := f.runUntil[f.runUntilAt]
		f.runUntilAt++
		return hit, nil
	}
	if len(symbols) > 0 {
		return driver.HitSymbol(symbols[0]), nil
	}
	return "", nil
}

func (f *fakeDriver) SaveSnapshot(tag string) error { return nil }
func (f *fakeDriver) LoadSnapshot(tag string) error { return nil }

func (f *fakeDriver) WriteMSR(index uint32, value uint64) error { return nil }
func (f *fakeDriver) ReadMSR(index uint32) (uint64, error)      { return 0, nil }

func (f *fakeDriver) ReadByte(addr uint64) (byte, error) { return f.mem[addr], nil }
func (f *fakeDriver) WriteByte(addr uint64, v byte) error {
	f.mem[addr] = v
	return nil
}

func (f *fakeDriver) SetWatchpoint(addr uint64, onWrite func(byte)) driver.WatchpointCancel {
	return func() {}
}

func (f *fakeDriver) Tick() uint64 { return 0 }
func (f *fakeDriver) Tag() string  { return "fake" }
func (f *fakeDriver) Quit() error  { return nil }
