package globalplatform

import (
	"bytes"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

const (
	insPutKey = 0xD8

	keyTypeDES = 0x80
	keyTypeAES = 0x88

	putKeyMultiple = 0x80 // P2 bit: several keys follow
	kcvLen         = 3
)

// putKeyOrder is the order of key components in PUT KEY.
var putKeyOrder = []KeyUsage{UsageENC, UsageMAC, UsageKEK}

// PutKeyResult is the card's answer to PUT KEY.
type PutKeyResult struct {
	KeyVersion  byte
	CheckValues [][]byte // one KCV per key, ENC MAC KEK order
}

// PutKeys loads ENC, MAC and KEK of keys as key version keys.Version with a
// single PUT KEY command. replaceVersion 0 adds a new key version,
// otherwise that version is replaced. The keys are encrypted with the
// session KEK and the card's KCVs are checked against ours.
func PutKeys(ch *SecureChannel, keys *KeySet, replaceVersion byte) (*PutKeyResult, error) {
	p, ok := ch.ActiveProtocol()
	if !ok {
		return nil, errors.Wrap(ErrIllegalState, "PUT KEY needs an established channel")
	}
	if keys.Version == 0 || keys.Version > 0x7F {
		return nil, errors.Errorf("new key version must be 0x01..0x7F, got 0x%02X", keys.Version)
	}
	want := CipherDES3
	if p.Version() == 3 {
		want = CipherAES
	}

	data := []byte{keys.Version}
	var kcvs [][]byte
	for _, usage := range putKeyOrder {
		k, err := keys.require(usage)
		if err != nil {
			return nil, err
		}
		if k.Cipher != want {
			return nil, errors.Wrapf(ErrPolicyViolation, "%s cannot load %s %s key", p, k.Cipher, usage)
		}
		enc, err := ch.EncryptSensitiveData(k.Secret)
		if err != nil {
			return nil, err
		}
		kcv, err := k.CheckValue()
		if err != nil {
			return nil, err
		}
		keyType := byte(keyTypeDES)
		if k.Cipher == CipherAES {
			keyType = keyTypeAES
		}
		data = append(data, keyType, byte(len(enc)))
		data = append(data, enc...)
		data = append(data, kcvLen)
		data = append(data, kcv...)
		kcvs = append(kcvs, kcv)
	}

	keyID := keys.Key(UsageENC).ID
	if keyID == 0 {
		keyID = 0x01
	}
	resp, err := ch.Transmit(apdu.Capdu{
		Cla:  claGP,
		Ins:  insPutKey,
		P1:   replaceVersion,
		P2:   keyID | putKeyMultiple,
		Data: data,
		Ne:   apdu.MaxLenResponseDataStandard,
	})
	if err != nil {
		return nil, errors.Wrap(err, "PUT KEY")
	}

	res, err := parsePutKeyResponse(resp.Data, len(kcvs))
	if err != nil {
		return nil, err
	}
	if res.KeyVersion != keys.Version {
		return nil, errors.Errorf("card stored key version 0x%02X, sent 0x%02X", res.KeyVersion, keys.Version)
	}
	for i, kcv := range kcvs {
		if !bytes.Equal(kcv, res.CheckValues[i]) {
			return nil, errors.Errorf("%s key check value mismatch: card %s, expected %s",
				putKeyOrder[i], hexUpper(res.CheckValues[i]), hexUpper(kcv))
		}
	}
	slog.Info("keys loaded", "key_version", keys.Version, "replaced", replaceVersion)
	return res, nil
}

func parsePutKeyResponse(b []byte, n int) (*PutKeyResult, error) {
	if len(b) != 1+n*kcvLen {
		return nil, errors.Wrapf(ErrMalformedResponse, "PUT KEY response of %d bytes, expected %d", len(b), 1+n*kcvLen)
	}
	res := &PutKeyResult{KeyVersion: b[0]}
	for i := 0; i < n; i++ {
		off := 1 + i*kcvLen
		res.CheckValues = append(res.CheckValues, append([]byte{}, b[off:off+kcvLen]...))
	}
	return res, nil
}
