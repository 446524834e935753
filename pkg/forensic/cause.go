package forensic

import (
	"github.com/munition/munition/pkg/capability"
	"github.com/munition/munition/pkg/runtime"
)

// CauseKind discriminates the reason an invocation crashed.
type CauseKind uint8

const (
	CauseFuelExhausted CauseKind = iota
	CauseTrap
	CauseTimeout
	CauseHostDenied
	CauseInstantiationFailed
	CauseInvalidModule
)

func (k CauseKind) String() string {
	switch k {
	case CauseFuelExhausted:
		return "fuel_exhausted"
	case CauseTrap:
		return "trap"
	case CauseTimeout:
		return "timeout"
	case CauseHostDenied:
		return "host_denied"
	case CauseInstantiationFailed:
		return "instantiation_failed"
	case CauseInvalidModule:
		return "invalid_module"
	default:
		return "unknown"
	}
}

// Cause is the crash-reason sum type carried by a ForensicDump. Only the
// fields relevant to Kind are meaningful, except Message, which for any
// Kind may also carry a note that capture was degraded.
type Cause struct {
	Kind       CauseKind
	TrapKind   runtime.TrapKind
	Message    string
	Capability capability.Capability
	Reason     string
}

func FuelExhausted() Cause { return Cause{Kind: CauseFuelExhausted} }

func Trap(kind runtime.TrapKind, message string) Cause {
	return Cause{Kind: CauseTrap, TrapKind: kind, Message: message}
}

func Timeout() Cause { return Cause{Kind: CauseTimeout} }

func HostDenied(cap capability.Capability) Cause {
	return Cause{Kind: CauseHostDenied, Capability: cap}
}

func InstantiationFailed(reason string) Cause {
	return Cause{Kind: CauseInstantiationFailed, Reason: reason}
}

func InvalidModule() Cause { return Cause{Kind: CauseInvalidModule} }
