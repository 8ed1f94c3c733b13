package harness

import (
	"snapfuzz/internal/channel"
)

// Verdict is the only outcome of an iteration visible to the fuzz loop.
type Verdict int

const (
	VerdictNormal Verdict = iota
	VerdictTimeout
	VerdictCrash
)

func (v Verdict) String() string {
	switch v {
	case VerdictNormal:
		return "normal"
	case VerdictTimeout:
		return "timeout"
	case VerdictCrash:
		return "crash"
	default:
		return "invalid"
	}
}

// IsObjective reports whether the verdict marks the input as worth persisting.
func (v Verdict) IsObjective() bool {
	return v == VerdictTimeout || v == VerdictCrash
}

// Restore selects the restore tier performed after an iteration.
type Restore int

const (
	RestoreStandard Restore = iota
	RestoreCorrective
)

func (r Restore) String() string {
	if r == RestoreCorrective {
		return "corrective"
	}
	return "standard"
}

// Diagnostic messages emitted by the controller.
const (
	DiagStatusNotSet     = "status not set"
	DiagGuestFault       = "guest fault, performing corrective restore"
	DiagUnexpectedStatus = "unexpected status value"
)

// Classification is what one status value means for the iteration.
type Classification struct {
	Verdict Verdict
	Restore Restore
	// Diagnostic is empty for regular outcomes.
	Diagnostic string
	// Violation marks a status outside the defined enumeration.
	Violation bool
}

// Classify maps every possible status value, including values outside the
// enumeration, to a classification.
func Classify(s channel.Status) Classification {
	switch s {
	case channel.StatusUnknown:
		return Classification{Verdict: VerdictNormal, Restore: RestoreStandard, Diagnostic: DiagStatusNotSet}
	case channel.StatusOk:
		return Classification{Verdict: VerdictNormal, Restore: RestoreStandard}
	case channel.StatusTimeout:
		return Classification{Verdict: VerdictTimeout, Restore: RestoreStandard}
	case channel.StatusCrash:
		return Classification{Verdict: VerdictCrash, Restore: RestoreStandard}
	case channel.StatusGuestFault:
		return Classification{Verdict: VerdictNormal, Restore: RestoreCorrective, Diagnostic: DiagGuestFault}
	default:
		return Classification{
			Verdict:    VerdictNormal,
			Restore:    RestoreStandard,
			Diagnostic: DiagUnexpectedStatus,
			Violation:  true,
		}
	}
}
