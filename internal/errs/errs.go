// Package errs holds the closed vocabulary of error kinds shared across the
// detector core, so control-plane responses and log fields agree on one set
// of names.
package errs

// Kind tags a recognized failure mode. It is a sum type in the style of the
// teacher's C-derived enums, expressed idiomatically as a named int.
type Kind int

const (
	// KindNone indicates no error; the zero value.
	KindNone Kind = iota
	KindBadMagic
	KindBadLength
	KindBadCrc
	KindBadHmac
	KindTruncated
	KindReplaySequence
	KindFrameIncomplete
	KindRingOverflow
	KindTransportError
	KindRegisterVerifyError
	KindArmTimeout
	KindDeviceFault
	KindConfigInvalid
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBadMagic:
		return "bad_magic"
	case KindBadLength:
		return "bad_length"
	case KindBadCrc:
		return "bad_crc"
	case KindBadHmac:
		return "bad_hmac"
	case KindTruncated:
		return "truncated"
	case KindReplaySequence:
		return "replay_sequence"
	case KindFrameIncomplete:
		return "frame_incomplete"
	case KindRingOverflow:
		return "ring_overflow"
	case KindTransportError:
		return "transport_error"
	case KindRegisterVerifyError:
		return "register_verify_error"
	case KindArmTimeout:
		return "arm_timeout"
	case KindDeviceFault:
		return "device_fault"
	case KindConfigInvalid:
		return "config_invalid"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a human message, so call sites can both log a
// structured field and return a normal Go error.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// New builds an *Error for the given kind.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg}
}
