package globalplatform

import (
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// Bit 3 of CLA flags a secure messaging command.
const claSecureMessaging = 0x04

// wrapper applies secure messaging for one session. It is owned by a single
// SecureChannel and never shared.
type wrapper interface {
	wrap(cmd apdu.Capdu) (apdu.Capdu, error)
	unwrap(resp apdu.Rapdu) (apdu.Rapdu, error)
	encryptSensitiveData(data []byte) ([]byte, error)
	maxCommandSize() int
	// setLevel switches services on or off after EXTERNAL AUTHENTICATE.
	setLevel(level SecurityPolicy)
	active() services
	wipe()
}

// newWrapper builds the wrapper for p in its base mode: C-MAC on, every
// other service off.
func newWrapper(p Protocol, session *KeySet) (wrapper, error) {
	switch v := p.(type) {
	case SCP01:
		return newSCP0102Wrapper(session, true, v.ICVEncrypt, false)
	case SCP02:
		return newSCP0102Wrapper(session, false, v.ICVEncrypt, v.CMACUnmodified)
	case SCP03:
		return newSCP03Wrapper(session)
	default:
		return nil, errors.Wrapf(ErrUnsupportedProtocol, "no secure messaging for %s", p)
	}
}

// services tracks which secure messaging services are active.
type services struct {
	mac  bool
	enc  bool
	rmac bool
	renc bool
}

func (s *services) set(level SecurityPolicy) {
	s.mac = level >= SecurityCMAC
	s.enc = level >= SecurityCENC
	s.rmac = level >= SecurityRMAC
	s.renc = level >= SecurityRENC
}

func (s *services) active() services {
	return *s
}

func (s *services) maxCommandSize() int {
	n := apdu.MaxLenCommandDataStandard
	if s.mac {
		n -= 8
	}
	if s.enc {
		n -= 8
	}
	return n
}

func tooLarge(n int) error {
	return errors.Wrapf(ErrApduTooLarge, "wrapped command data would be %d bytes, limit %d", n, apdu.MaxLenCommandDataStandard)
}

func secretOf(keys *KeySet, usage KeyUsage) []byte {
	if k := keys.Key(usage); k != nil {
		return append([]byte{}, k.Secret...)
	}
	return nil
}
