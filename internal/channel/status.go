package channel

import "fmt"

// Status is the outcome the in-guest agent reports for one execution.
type Status uint32

const (
	StatusUnknown    Status = iota // agent did not report
	StatusOk                       // input processed normally
	StatusTimeout                  // agent detected a hang in the tested code path
	StatusCrash                    // tested code path faulted
	StatusGuestFault               // guest kernel failure unrelated to the input
)

// Valid reports whether s is part of the defined enumeration.
func (s Status) Valid() bool {
	return s <= StatusGuestFault
}

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusOk:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusCrash:
		return "crash"
	case StatusGuestFault:
		return "guest_fault"
	default:
		return fmt.Sprintf("invalid(%d)", uint32(s))
	}
}
