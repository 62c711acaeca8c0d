package globalplatform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Protocol is a decoded SCP version and "i" parameter. The set of
// implementations is closed: SCP00, SCP01, SCP02 and SCP03.
type Protocol interface {
	Version() int
	Parameters() byte
	String() string
	isProtocol()
}

// SCP00 is the no-security placeholder. It carries no parameters.
type SCP00 struct{}

// SCP01 parameter bits.
const (
	scp01ThreeKeys    = 0x01
	scp01ExplicitInit = 0x04
	scp01ICVEncrypt   = 0x10
	scp01Defined      = scp01ThreeKeys | scp01ExplicitInit | scp01ICVEncrypt
)

// SCP01 is the legacy triple-DES protocol.
type SCP01 struct {
	ThreeKeys    bool
	ExplicitInit bool
	ICVEncrypt   bool
}

// SCP02 parameter bits.
const (
	scp02ThreeKeys          = 0x01
	scp02CMACUnmodified     = 0x02
	scp02ExplicitInit       = 0x04
	scp02ICVMACAID          = 0x08
	scp02ICVEncrypt         = 0x10
	scp02RMACSupport        = 0x20
	scp02WellKnownChallenge = 0x40
	scp02Reserved           = 0x80
)

// SCP02 is the triple-DES protocol with sequence-counter session keys.
type SCP02 struct {
	ThreeKeys          bool // three static keys, otherwise one
	CMACUnmodified     bool // C-MAC computed over the unmodified APDU
	ExplicitInit       bool // explicit initiation via INITIALIZE UPDATE
	ICVMACAID          bool // ICV for the first C-MAC is a MAC over the AID
	ICVEncrypt         bool // ICV encrypted before each C-MAC
	RMACSupport        bool
	WellKnownChallenge bool // card challenge is pseudo-random, not random
}

// SCP03 parameter bits.
const (
	scp03PseudoRandom = 0x10
	scp03RMACSupport  = 0x20
	scp03RENCSupport  = 0x40
	scp03Defined      = scp03PseudoRandom | scp03RMACSupport | scp03RENCSupport
)

// SCP03 is the AES protocol.
type SCP03 struct {
	PseudoRandomChallenge bool
	RMACSupport           bool
	RENCSupport           bool
}

func (SCP00) isProtocol() {}
func (SCP01) isProtocol() {}
func (SCP02) isProtocol() {}
func (SCP03) isProtocol() {}

func (SCP00) Version() int { return 0 }
func (SCP01) Version() int { return 1 }
func (SCP02) Version() int { return 2 }
func (SCP03) Version() int { return 3 }

func (SCP00) Parameters() byte { return 0 }

func (p SCP01) Parameters() byte {
	var b byte
	b |= flag(p.ThreeKeys, scp01ThreeKeys)
	b |= flag(p.ExplicitInit, scp01ExplicitInit)
	b |= flag(p.ICVEncrypt, scp01ICVEncrypt)
	return b
}

func (p SCP02) Parameters() byte {
	var b byte
	b |= flag(p.ThreeKeys, scp02ThreeKeys)
	b |= flag(p.CMACUnmodified, scp02CMACUnmodified)
	b |= flag(p.ExplicitInit, scp02ExplicitInit)
	b |= flag(p.ICVMACAID, scp02ICVMACAID)
	b |= flag(p.ICVEncrypt, scp02ICVEncrypt)
	b |= flag(p.RMACSupport, scp02RMACSupport)
	b |= flag(p.WellKnownChallenge, scp02WellKnownChallenge)
	return b
}

func (p SCP03) Parameters() byte {
	var b byte
	b |= flag(p.PseudoRandomChallenge, scp03PseudoRandom)
	b |= flag(p.RMACSupport, scp03RMACSupport)
	b |= flag(p.RENCSupport, scp03RENCSupport)
	return b
}

func (SCP00) String() string   { return "SCP00" }
func (p SCP01) String() string { return protocolString(p) }
func (p SCP02) String() string { return protocolString(p) }
func (p SCP03) String() string { return protocolString(p) }

func protocolString(p Protocol) string {
	return fmt.Sprintf("SCP%02d-%02X", p.Version(), p.Parameters())
}

func flag(set bool, bit byte) byte {
	if set {
		return bit
	}
	return 0
}

// DecodeProtocol checks version and parameter bits and returns the
// matching protocol variant.
func DecodeProtocol(version int, params byte) (Protocol, error) {
	switch version {
	case 0:
		if params != 0 {
			return nil, errors.Wrapf(ErrInvalidParameters, "SCP00 takes no parameters, got %02X", params)
		}
		return SCP00{}, nil
	case 1:
		if params&^scp01Defined != 0 {
			return nil, errors.Wrapf(ErrInvalidParameters, "SCP01 parameters %02X", params)
		}
		return SCP01{
			ThreeKeys:    params&scp01ThreeKeys != 0,
			ExplicitInit: params&scp01ExplicitInit != 0,
			ICVEncrypt:   params&scp01ICVEncrypt != 0,
		}, nil
	case 2:
		if params&scp02Reserved != 0 {
			return nil, errors.Wrapf(ErrInvalidParameters, "SCP02 parameters %02X use reserved bit", params)
		}
		return SCP02{
			ThreeKeys:          params&scp02ThreeKeys != 0,
			CMACUnmodified:     params&scp02CMACUnmodified != 0,
			ExplicitInit:       params&scp02ExplicitInit != 0,
			ICVMACAID:          params&scp02ICVMACAID != 0,
			ICVEncrypt:         params&scp02ICVEncrypt != 0,
			RMACSupport:        params&scp02RMACSupport != 0,
			WellKnownChallenge: params&scp02WellKnownChallenge != 0,
		}, nil
	case 3:
		if params&^scp03Defined != 0 {
			return nil, errors.Wrapf(ErrInvalidParameters, "SCP03 parameters %02X", params)
		}
		if params&scp03RENCSupport != 0 && params&scp03RMACSupport == 0 {
			return nil, errors.Wrapf(ErrInvalidParameters, "SCP03 parameters %02X: R-ENC requires R-MAC", params)
		}
		return SCP03{
			PseudoRandomChallenge: params&scp03PseudoRandom != 0,
			RMACSupport:           params&scp03RMACSupport != 0,
			RENCSupport:           params&scp03RENCSupport != 0,
		}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedProtocol, "SCP%02d", version)
	}
}

// ParseProtocol parses "SCP02-15", "scp02_15" or "SCP03" (parameters 00).
func ParseProtocol(s string) (Protocol, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(t, "SCP") {
		return nil, errors.Wrapf(ErrUnsupportedProtocol, "%q is not an SCP name", s)
	}
	t = strings.TrimPrefix(t, "SCP")
	verPart, paramPart := t, ""
	if i := strings.IndexAny(t, "-_"); i >= 0 {
		verPart, paramPart = t[:i], t[i+1:]
	}
	version, err := strconv.ParseUint(verPart, 10, 8)
	if err != nil {
		return nil, errors.Wrapf(ErrUnsupportedProtocol, "%q: bad version", s)
	}
	var params uint64
	if paramPart != "" {
		params, err = strconv.ParseUint(paramPart, 16, 8)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidParameters, "%q: bad parameters", s)
		}
	}
	return DecodeProtocol(int(version), byte(params))
}
