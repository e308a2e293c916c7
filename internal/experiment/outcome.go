package experiment

import "fmt"

// Outcome is the terminal classification of one experiment, encoded with
// the integer codes spec.md §6 mandates for the result file format.
type Outcome int

const (
	OK      Outcome = 0
	Detected Outcome = 1
	SDC     Outcome = 2
	Timeout Outcome = 3
	Error   Outcome = 4
	Trap    Outcome = 5
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "OK"
	case Detected:
		return "DETECTED"
	case SDC:
		return "SDC"
	case Timeout:
		return "TIMEOUT"
	case Error:
		return "ERROR"
	case Trap:
		return "TRAP"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Record is one classified fault-injection attempt (spec.md §3 Injection
// Record). Time is 0 for permanent faults.
type Record struct {
	Addr    uint64
	Bit     int
	Time    int64
	Outcome Outcome
}
