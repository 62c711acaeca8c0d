package globalplatform

import (
	"crypto/subtle"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// scp0102Wrapper implements SCP01 and SCP02 secure messaging. The two
// differ in the MAC algorithm, ICV encryption and data padding.
type scp0102Wrapper struct {
	services
	scp01          bool
	icvEncrypt     bool
	cmacUnmodified bool

	encKey  []byte
	macKey  []byte
	rmacKey []byte
	kek     []byte

	icv     []byte // last C-MAC, nil before the first command
	ricv    []byte // last R-MAC, seeded with the C-MAC current when R-MAC starts
	rmacCmd []byte // command part of the next R-MAC input
}

func newSCP0102Wrapper(session *KeySet, scp01, icvEncrypt, cmacUnmodified bool) (*scp0102Wrapper, error) {
	if err := requireCipher(session, CipherDES3, UsageENC, UsageMAC); err != nil {
		return nil, err
	}
	w := &scp0102Wrapper{
		scp01:          scp01,
		icvEncrypt:     icvEncrypt,
		cmacUnmodified: cmacUnmodified,
		encKey:         secretOf(session, UsageENC),
		macKey:         secretOf(session, UsageMAC),
		rmacKey:        secretOf(session, UsageRMAC),
		kek:            secretOf(session, UsageKEK),
	}
	w.mac = true
	return w, nil
}

func (w *scp0102Wrapper) setLevel(level SecurityPolicy) {
	if level >= SecurityRMAC && !w.rmac {
		w.ricv = append([]byte{}, w.currentICV()...)
	}
	w.set(level)
	w.renc = false
	if w.scp01 {
		w.rmac = false
	}
}

func (w *scp0102Wrapper) currentICV() []byte {
	if w.icv == nil {
		return zeroIV8
	}
	return w.icv
}

// nextICV is the chaining input for the next C-MAC. The first command uses
// a zero ICV; later ones optionally encrypt the previous C-MAC first.
func (w *scp0102Wrapper) nextICV() ([]byte, error) {
	if w.icv == nil {
		return zeroIV8, nil
	}
	if !w.icvEncrypt {
		return w.icv, nil
	}
	if w.scp01 {
		return tdesECBEncrypt(w.macKey, w.icv)
	}
	return desECBEncrypt(w.macKey, w.icv)
}

func (w *scp0102Wrapper) computeMAC(padded, icv []byte) ([]byte, error) {
	if w.scp01 {
		return mac3DES(w.macKey, padded, icv)
	}
	return macDES3DES(w.macKey, padded, icv)
}

func (w *scp0102Wrapper) encryptData(data []byte) ([]byte, error) {
	var plain []byte
	if w.scp01 {
		plain = make([]byte, 0, len(data)+9)
		plain = append(plain, byte(len(data)))
		plain = append(plain, data...)
		if len(plain)%8 != 0 {
			plain = pad80(plain, 8)
		}
	} else {
		plain = pad80(data, 8)
	}
	return tdesCBCEncrypt(w.encKey, zeroIV8, plain)
}

func (w *scp0102Wrapper) encryptedLen(n int) int {
	if w.scp01 {
		n++
		if n%8 == 0 {
			return n
		}
	}
	return n + 8 - n%8
}

func (w *scp0102Wrapper) wrap(cmd apdu.Capdu) (apdu.Capdu, error) {
	if !w.mac && !w.enc {
		return cmd, nil
	}
	data := cmd.Data

	wrappedLen := len(data)
	if w.enc && len(data) > 0 {
		wrappedLen = w.encryptedLen(len(data))
	}
	if w.mac {
		wrappedLen += 8
	}
	if wrappedLen > apdu.MaxLenCommandDataStandard {
		return apdu.Capdu{}, tooLarge(wrappedLen)
	}

	if w.rmac {
		rc := make([]byte, 0, 5+len(data))
		rc = append(rc, cmd.Cla&^0x07, cmd.Ins, cmd.P1, cmd.P2, byte(len(data)))
		rc = append(rc, data...)
		w.rmacCmd = rc
	}

	var mac []byte
	if w.mac {
		icv, err := w.nextICV()
		if err != nil {
			return apdu.Capdu{}, err
		}
		macInput := make([]byte, 0, 5+len(data))
		if w.cmacUnmodified {
			macInput = append(macInput, cmd.Cla, cmd.Ins, cmd.P1, cmd.P2, byte(len(data)))
		} else {
			macInput = append(macInput, cmd.Cla|claSecureMessaging, cmd.Ins, cmd.P1, cmd.P2, byte(len(data)+8))
		}
		macInput = append(macInput, data...)
		mac, err = w.computeMAC(pad80(macInput, 8), icv)
		if err != nil {
			return apdu.Capdu{}, err
		}
		w.icv = mac
		slog.Debug("c-mac", "mac_input", hexUpper(macInput), "icv", hexUpper(icv), "mac", hexUpper(mac))
	}

	if w.enc && len(data) > 0 {
		enc, err := w.encryptData(data)
		if err != nil {
			return apdu.Capdu{}, err
		}
		data = enc
	}

	out := cmd
	out.Cla = cmd.Cla | claSecureMessaging
	out.Data = make([]byte, 0, len(data)+len(mac))
	out.Data = append(out.Data, data...)
	out.Data = append(out.Data, mac...)
	return out, nil
}

func (w *scp0102Wrapper) unwrap(resp apdu.Rapdu) (apdu.Rapdu, error) {
	if !w.rmac {
		return resp, nil
	}
	if len(resp.Data) < 8 {
		return apdu.Rapdu{}, errors.Wrapf(ErrResponseMacInvalid, "response of %d bytes cannot carry an R-MAC", len(resp.Data))
	}
	body := resp.Data[:len(resp.Data)-8]
	got := resp.Data[len(resp.Data)-8:]

	input := make([]byte, 0, len(w.rmacCmd)+len(body)+3)
	input = append(input, w.rmacCmd...)
	input = append(input, byte(len(body)))
	input = append(input, body...)
	input = append(input, resp.SW1, resp.SW2)
	want, err := macDES3DES(w.rmacKey, pad80(input, 8), w.ricv)
	if err != nil {
		return apdu.Rapdu{}, err
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return apdu.Rapdu{}, errors.Wrapf(ErrResponseMacInvalid, "expected %s, got %s", hexUpper(want), hexUpper(got))
	}
	w.ricv = want
	return apdu.Rapdu{Data: append([]byte{}, body...), SW1: resp.SW1, SW2: resp.SW2}, nil
}

// encryptSensitiveData encrypts key material with 3DES-ECB under the
// session KEK.
func (w *scp0102Wrapper) encryptSensitiveData(data []byte) ([]byte, error) {
	if w.kek == nil {
		return nil, errors.Wrap(ErrMissingKey, "session has no KEK")
	}
	if len(data)%8 != 0 {
		return nil, errors.Wrapf(ErrPaddingNotAllowed, "sensitive data of %d bytes", len(data))
	}
	return tdesECBEncrypt(w.kek, data)
}

func (w *scp0102Wrapper) wipe() {
	for _, b := range [][]byte{w.encKey, w.macKey, w.rmacKey, w.kek, w.icv, w.ricv} {
		wipe(b)
	}
	w.encKey, w.macKey, w.rmacKey, w.kek = nil, nil, nil, nil
	w.icv, w.ricv, w.rmacCmd = nil, nil, nil
	w.services = services{}
}
