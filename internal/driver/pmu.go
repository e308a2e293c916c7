package driver

// MSR indices and mask constants from spec.md §6. Unicorn does not model
// the x86 PMU, so unicornDriver reproduces exactly this register surface
// in Go, backed by an instruction counter driven off its HOOK_CODE
// callback (see pmuState below and onInstruction in unicorn_driver.go).
const (
	MSRPerfGlobalCtrl   = 0x38F
	MSRPerfGlobalStatus = 0x38E
	MSRFixedCtrCtrl     = 0x38D
	MSRFixedCtr0        = 0x309
	MSRFixedCtr2        = 0x30B
)

// Int48Max is the maximum value of a 48-bit fixed-function PMU counter.
const Int48Max = 0xFFFFFFFFFFFF

// Per-counter PMI-enabled control values (IA32_FIXED_CTR_CTRL).
const (
	FixedCtrlCtr0PMI = 0xB
	FixedCtrlCtr2PMI = 0xB00
)

// Global-enable-plus-PMI values (IA32_PERF_GLOBAL_CTRL).
const (
	GlobalCtrlCtr0Enabled = 0x100000001
	GlobalCtrlCtr2Enabled = 0x400000004
	GlobalCtrlOff         = 0x0
)

// Overflow bits in IA32_PERF_GLOBAL_STATUS.
const (
	GlobalStatusCtr0Overflow = 1 << 32
	GlobalStatusCtr2Overflow = 1 << 34
)

// pmuState is the in-Go simulation of the three control/status MSRs above
// plus the two fixed counters. Only CTR0 (instructions retired) and CTR2 (reference
// cycles) are modeled, matching spec.md §6.
type pmuState struct {
	globalCtrl   uint64
	globalStatus uint64
	fixedCtrl    uint64
	ctr0         uint64
	ctr2         uint64
}

func (p *pmuState) writeMSR(index uint32, value uint64) {
	switch index {
	case MSRPerfGlobalCtrl:
		p.globalCtrl = value
	case MSRPerfGlobalStatus:
		p.globalStatus = value
	case MSRFixedCtrCtrl:
		p.fixedCtrl = value
	case MSRFixedCtr0:
		p.ctr0 = value
	case MSRFixedCtr2:
		p.ctr2 = value
	}
}

func (p *pmuState) readMSR(index uint32) uint64 {
	switch index {
	case MSRPerfGlobalCtrl:
		return p.globalCtrl
	case MSRPerfGlobalStatus:
		return p.globalStatus
	case MSRFixedCtrCtrl:
		return p.fixedCtrl
	case MSRFixedCtr0:
		return p.ctr0
	case MSRFixedCtr2:
		return p.ctr2
	}
	return 0
}

// tick advances the armed counter by one unit (one retired instruction for
// CTR0, an approximated reference cycle for CTR2) and reports whether it
// just overflowed past Int48Max, wrapping around (CTR0 to zero, CTR2 to the
// excess cycles) and latching the corresponding global-status overflow bit.
func (p *pmuState) tick(cycles uint64) (overflowed bool) {
	if p.globalCtrl&1 != 0 { // CTR0 enabled
		p.ctr0++
		if p.ctr0 > Int48Max {
			p.ctr0 = 0
			p.globalStatus |= GlobalStatusCtr0Overflow
			overflowed = true
		}
	}
	if p.globalCtrl&4 != 0 { // CTR2 enabled
		p.ctr2 += cycles
		if p.ctr2 > Int48Max {
			p.ctr2 -= Int48Max + 1
			p.globalStatus |= GlobalStatusCtr2Overflow
			overflowed = true
		}
	}
	return overflowed
}

// referenceCyclesPerInstruction approximates reference-cycle accounting
// for RUNTIME mode, since Unicorn has no cycle-accurate x86 timing model.
// This is a deliberate simplification: spec.md's Non-goals exclude
// reproducing non-deterministic hardware timing beyond what the emulator's
// deterministic execution provides, and a fixed per-instruction cost keeps
// RUNTIME mode deterministic across repeated golden runs (spec.md §8.4).
const referenceCyclesPerInstruction = 3
