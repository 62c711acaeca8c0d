package globalplatform

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status word constants for ISO 7816 and GlobalPlatform responses.
const (
	SWSuccess                uint16 = 0x9000 // ISO success
	SWAuthFailed             uint16 = 0x6300 // Authentication of host cryptogram failed
	SWWrongLength            uint16 = 0x6700 // Wrong length
	SWLogicalChannel         uint16 = 0x6881 // Logical channel not supported
	SWSecureMessaging        uint16 = 0x6882 // Secure messaging not supported
	SWSecurityNotSatisfied   uint16 = 0x6982 // Security status not satisfied
	SWAuthBlocked            uint16 = 0x6983 // Authentication method blocked
	SWConditionsNotSatisfied uint16 = 0x6985 // Conditions of use not satisfied
	SWWrongData              uint16 = 0x6A80 // Incorrect values in command data
	SWFileNotFound           uint16 = 0x6A82 // Application or file not found
	SWWrongP1P2              uint16 = 0x6A86 // Incorrect P1/P2 parameters
	SWReferencedDataMissing  uint16 = 0x6A88 // Referenced data (key version) not found
	SWInsNotSupported        uint16 = 0x6D00 // Instruction not supported
	SWClaNotSupported        uint16 = 0x6E00 // Class not supported
	SWWrongLe                uint16 = 0x6C00 // Wrong Le (mask: 0x6C00, correct Le in SW2)
	SWMoreData               uint16 = 0x6100 // Response bytes still available (mask)
)

// Error kinds. Every error returned by this package wraps exactly one of
// these, so callers can dispatch with errors.Is.
var (
	ErrUnsupportedProtocol  = errors.New("unsupported SCP version")
	ErrInvalidParameters    = errors.New("invalid SCP parameters")
	ErrMalformedResponse    = errors.New("malformed card response")
	ErrPolicyViolation      = errors.New("protocol policy violation")
	ErrProtocolUnspecified  = errors.New("SCP parameters not specified by policy")
	ErrKeyVersionMismatch   = errors.New("key version mismatch")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrCryptogramInvalid    = errors.New("card cryptogram invalid")
	ErrResponseMacInvalid   = errors.New("response MAC invalid")
	ErrApduTooLarge         = errors.New("APDU too large")
	ErrMissingKey           = errors.New("missing key")
	ErrDerivation           = errors.New("key derivation failed")
	ErrIllegalErrorResponse = errors.New("error response carries data")
	ErrPaddingNotAllowed    = errors.New("data is not block aligned")
	ErrIllegalState         = errors.New("illegal channel state")
)

// IsDecodeError reports whether err was caused by an undecodable protocol
// descriptor or handshake response.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrUnsupportedProtocol) ||
		errors.Is(err, ErrInvalidParameters) ||
		errors.Is(err, ErrMalformedResponse)
}

// SWError represents a status word error from the card.
type SWError struct {
	Cmd byte   // Command INS byte
	SW  uint16 // Status word
}

func (e *SWError) Error() string {
	return fmt.Sprintf("card command 0x%02X failed with SW=0x%04X (%s)", e.Cmd, e.SW, swDescription(e.SW))
}

// swDescription returns a human-readable description of a status word.
func swDescription(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWAuthFailed:
		return "authentication failed"
	case SWWrongLength:
		return "wrong length"
	case SWLogicalChannel:
		return "logical channel not supported"
	case SWSecureMessaging:
		return "secure messaging not supported"
	case SWSecurityNotSatisfied:
		return "security not satisfied"
	case SWAuthBlocked:
		return "authentication blocked"
	case SWConditionsNotSatisfied:
		return "conditions not satisfied"
	case SWWrongData:
		return "wrong data"
	case SWFileNotFound:
		return "application not found"
	case SWWrongP1P2:
		return "wrong P1/P2"
	case SWReferencedDataMissing:
		return "referenced data not found"
	case SWInsNotSupported:
		return "instruction not supported"
	case SWClaNotSupported:
		return "class not supported"
	default:
		if (sw & 0xFF00) == SWWrongLe {
			return fmt.Sprintf("wrong Le (correct Le=%d)", sw&0xFF)
		}
		if (sw & 0xFF00) == SWMoreData {
			return fmt.Sprintf("%d more bytes available", sw&0xFF)
		}
		return "unknown error"
	}
}

// IsAuthError checks if an error is an authentication-related status word error.
func IsAuthError(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW == SWAuthFailed || swErr.SW == SWSecurityNotSatisfied || swErr.SW == SWAuthBlocked
	}
	return false
}

// IsKeyNotFound checks if the card rejected the requested key version.
func IsKeyNotFound(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW == SWReferencedDataMissing
	}
	return false
}

// HandshakeError represents a secure channel handshake failure at a specific step.
type HandshakeError struct {
	Step    string // "initialize-update", "derive" or "external-authenticate"
	SW      uint16 // Status word (if applicable)
	RespLen int    // Response length (if applicable)
	Err     error  // Underlying error, wraps one of the Err* kinds
}

func (e *HandshakeError) Error() string {
	if e == nil {
		return "handshake error"
	}
	if e.SW != 0 {
		return fmt.Sprintf("%s failed (SW=%04X len=%d): %v", e.Step, e.SW, e.RespLen, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClassifyHandshakeError extracts details from a HandshakeError.
func ClassifyHandshakeError(err error) (step string, sw uint16, respLen int, ok bool) {
	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		return hsErr.Step, hsErr.SW, hsErr.RespLen, true
	}
	return "", 0, 0, false
}
