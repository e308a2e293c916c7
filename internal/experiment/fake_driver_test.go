package experiment

import (
	"context"
	"fmt"

	"github.com/nklein/galago-fi/internal/driver"
)

// hitTimeout is a sentinel scripted hit telling fakeDriver.RunUntil to
// block until its context is cancelled, simulating a run that never
// reaches any breakpoint before the shard's timeout fires.
const hitTimeout driver.HitSymbol = "__timeout__"

// fakeDriver is a minimal in-memory driver.Driver standing in for Unicorn
// in engine tests: RunUntil replays a scripted sequence of hits regardless
// of which symbols were requested.
type fakeDriver struct {
	mem map[uint64]byte
	msr map[uint32]uint64

	hits  []driver.HitSymbol
	hitAt int

	// sink and outputOnHit let a test simulate the guest emitting serial
	// output once a given scripted hit is reached.
	sink        *driver.SerialSink
	outputOnHit map[driver.HitSymbol][]byte

	watchAddr    uint64
	watchOnWrite func(byte)
	watchActive  bool

	// onRunUntil, if set, runs inside every non-timeout RunUntil call,
	// letting a test act as the guest while the run is in progress.
	onRunUntil func()
}

func newFakeDriver(hits ...driver.HitSymbol) *fakeDriver {
	return &fakeDriver{
		mem:         make(map[uint64]byte),
		msr:         make(map[uint32]uint64),
		hits:        hits,
		outputOnHit: make(map[driver.HitSymbol][]byte),
	}
}

func (f *fakeDriver) Start(_ driver.Image, _ string, sink *driver.SerialSink) error {
	f.sink = sink
	return nil
}

func (f *fakeDriver) RunUntil(ctx context.Context, symbols ...string) (driver.HitSymbol, error) {
	if f.hitAt >= len(f.hits) {
		return "", fmt.Errorf("fakeDriver: scripted hits exhausted")
	}
	hit := f.hits[f.hitAt]
	f.hitAt++

	if hit == hitTimeout {
		<-ctx.Done()
		return "", ctx.Err()
	}

	if f.onRunUntil != nil {
		f.onRunUntil()
	}

	if f.sink != nil {
		if out, ok := f.outputOnHit[hit]; ok {
			f.sink.Write(out)
		}
	}

	return hit, nil
}

func (f *fakeDriver) SaveSnapshot(tag string) error { return nil }
func (f *fakeDriver) LoadSnapshot(tag string) error { return nil }

func (f *fakeDriver) WriteMSR(index uint32, value uint64) error {
	f.msr[index] = value
	return nil
}

func (f *fakeDriver) ReadMSR(index uint32) (uint64, error) {
	return f.msr[index], nil
}

func (f *fakeDriver) ReadByte(addr uint64) (byte, error) { return f.mem[addr], nil }

func (f *fakeDriver) WriteByte(addr uint64, v byte) error {
	f.mem[addr] = v
	return nil
}

func (f *fakeDriver) SetWatchpoint(addr uint64, onWrite func(byte)) driver.WatchpointCancel {
	f.watchAddr = addr
	f.watchOnWrite = onWrite
	f.watchActive = true
	return func() { f.watchActive = false }
}

// TriggerWatch simulates the guest overwriting the watched byte, the way
// unicornDriver's HOOK_MEM_WRITE callback would invoke onWrite.
func (f *fakeDriver) TriggerWatch(stored byte) {
	f.mem[f.watchAddr] = stored
	if f.watchActive {
		f.watchOnWrite(stored)
	}
}

func (f *fakeDriver) Tick() uint64  { return 0 }
func (f *fakeDriver) Tag() string   { return "fake" }
func (f *fakeDriver) Quit() error   { return nil }
