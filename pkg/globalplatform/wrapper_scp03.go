package globalplatform

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// scp03MinRMACResponse is the shortest response accepted while R-MAC is on.
const scp03MinRMACResponse = 16

// scp03Wrapper implements SCP03 secure messaging with AES-CMAC chaining and
// counter-derived CBC IVs.
type scp03Wrapper struct {
	services

	encKey  []byte
	macKey  []byte
	rmacKey []byte
	kek     []byte

	chain   []byte // full 16-byte C-MAC of the previous command
	counter uint64 // encryption counter, starts at 1
}

func newSCP03Wrapper(session *KeySet) (*scp03Wrapper, error) {
	if err := requireCipher(session, CipherAES, UsageENC, UsageMAC); err != nil {
		return nil, err
	}
	w := &scp03Wrapper{
		encKey:  secretOf(session, UsageENC),
		macKey:  secretOf(session, UsageMAC),
		rmacKey: secretOf(session, UsageRMAC),
		kek:     secretOf(session, UsageKEK),
		chain:   make([]byte, aes.BlockSize),
		counter: 1,
	}
	w.mac = true
	return w, nil
}

func (w *scp03Wrapper) setLevel(level SecurityPolicy) {
	w.set(level)
}

// counterBlock is the IV input: first byte top, counter in the low 8 bytes.
func counterBlock(counter uint64, top byte) []byte {
	b := make([]byte, aes.BlockSize)
	b[0] = top
	binary.BigEndian.PutUint64(b[8:], counter)
	return b
}

func (w *scp03Wrapper) wrap(cmd apdu.Capdu) (apdu.Capdu, error) {
	if !w.mac && !w.enc {
		return cmd, nil
	}
	data := cmd.Data

	wrappedLen := len(data)
	if w.enc && len(data) > 0 {
		wrappedLen += aes.BlockSize - len(data)%aes.BlockSize
	}
	if w.mac {
		wrappedLen += 8
	}
	if wrappedLen > apdu.MaxLenCommandDataStandard {
		return apdu.Capdu{}, tooLarge(wrappedLen)
	}

	if w.enc {
		iv, err := aesECBEncrypt(w.encKey, counterBlock(w.counter, 0x00))
		if err != nil {
			return apdu.Capdu{}, err
		}
		if len(data) > 0 {
			data, err = aesCBCEncrypt(w.encKey, iv, pad80(data, aes.BlockSize))
			if err != nil {
				return apdu.Capdu{}, err
			}
		}
		w.counter++
	}

	out := cmd
	out.Cla = cmd.Cla | claSecureMessaging
	if w.mac {
		macInput := make([]byte, 0, len(w.chain)+5+len(data))
		macInput = append(macInput, w.chain...)
		macInput = append(macInput, out.Cla, cmd.Ins, cmd.P1, cmd.P2, byte(len(data)+8))
		macInput = append(macInput, data...)
		full, err := aesCMAC(w.macKey, macInput)
		if err != nil {
			return apdu.Capdu{}, err
		}
		w.chain = full
		slog.Debug("c-mac", "mac_input", hexUpper(macInput), "mac", hexUpper(full[:8]))
		out.Data = make([]byte, 0, len(data)+8)
		out.Data = append(out.Data, data...)
		out.Data = append(out.Data, full[:8]...)
	} else {
		out.Data = data
	}
	return out, nil
}

func (w *scp03Wrapper) unwrap(resp apdu.Rapdu) (apdu.Rapdu, error) {
	if !w.rmac {
		return resp, nil
	}
	if len(resp.Data) < scp03MinRMACResponse {
		return apdu.Rapdu{}, errors.Wrapf(ErrResponseMacInvalid, "response of %d bytes is shorter than %d", len(resp.Data), scp03MinRMACResponse)
	}
	body := resp.Data[:len(resp.Data)-8]
	got := resp.Data[len(resp.Data)-8:]

	input := make([]byte, 0, len(w.chain)+len(body)+2)
	input = append(input, w.chain...)
	input = append(input, body...)
	input = append(input, resp.SW1, resp.SW2)
	full, err := aesCMAC(w.rmacKey, input)
	if err != nil {
		return apdu.Rapdu{}, err
	}
	if subtle.ConstantTimeCompare(full[:8], got) != 1 {
		return apdu.Rapdu{}, errors.Wrapf(ErrResponseMacInvalid, "expected %s, got %s", hexUpper(full[:8]), hexUpper(got))
	}

	out := apdu.Rapdu{Data: append([]byte{}, body...), SW1: resp.SW1, SW2: resp.SW2}
	if w.renc && len(body) > 0 {
		iv, err := aesECBEncrypt(w.encKey, counterBlock(w.counter-1, 0x80))
		if err != nil {
			return apdu.Rapdu{}, err
		}
		plain, err := aesCBCDecrypt(w.encKey, iv, body)
		if err != nil {
			return apdu.Rapdu{}, errors.Wrap(ErrResponseMacInvalid, "encrypted response is not block aligned")
		}
		out.Data, err = unpad80(plain)
		if err != nil {
			return apdu.Rapdu{}, errors.Wrap(ErrResponseMacInvalid, "decrypted response has bad padding")
		}
	}
	return out, nil
}

// encryptSensitiveData encrypts key material with AES-CBC and a null IV
// under the KEK, prefixed with its length.
func (w *scp03Wrapper) encryptSensitiveData(data []byte) ([]byte, error) {
	if w.kek == nil {
		return nil, errors.Wrap(ErrMissingKey, "session has no KEK")
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.Wrapf(ErrPaddingNotAllowed, "sensitive data of %d bytes", len(data))
	}
	enc, err := aesCBCEncrypt(w.kek, make([]byte, aes.BlockSize), data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(enc))
	out = append(out, byte(len(enc)))
	return append(out, enc...), nil
}

func (w *scp03Wrapper) wipe() {
	for _, b := range [][]byte{w.encKey, w.macKey, w.rmacKey, w.kek, w.chain} {
		wipe(b)
	}
	w.encKey, w.macKey, w.rmacKey, w.kek, w.chain = nil, nil, nil, nil, nil
	w.counter = 0
	w.services = services{}
}
