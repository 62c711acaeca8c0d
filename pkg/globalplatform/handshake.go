package globalplatform

import (
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

const (
	claGP       = 0x80
	claGPSecure = 0x84

	insInitializeUpdate     = 0x50
	insExternalAuthenticate = 0x82

	handshakeLenSCP0102 = 28
	handshakeLenSCP03   = 32
)

// HandshakeResponse is a parsed INITIALIZE UPDATE response.
//
//	28 bytes: kdd(10) kv(1) scp(1) cardChallenge(8) cryptogram(8)
//	32 bytes: kdd(10) kv(1) scp(1) i(1) cardChallenge(8) cryptogram(8) seq(3)
type HandshakeResponse struct {
	DiversificationData []byte
	KeyVersion          byte
	ProtocolVersion     int
	Parameters          byte // SCP03 only
	HasParameters       bool
	CardChallenge       []byte
	CardCryptogram      []byte
	Sequence            []byte // SCP03 only
}

// ParseHandshakeResponse checks the response length before reading any
// field. Only 28 byte (SCP01/02) and 32 byte (SCP03) replies are accepted.
func ParseHandshakeResponse(b []byte) (*HandshakeResponse, error) {
	switch len(b) {
	case handshakeLenSCP0102:
		hr := &HandshakeResponse{
			DiversificationData: append([]byte{}, b[0:10]...),
			KeyVersion:          b[10],
			ProtocolVersion:     int(b[11]),
			CardChallenge:       append([]byte{}, b[12:20]...),
			CardCryptogram:      append([]byte{}, b[20:28]...),
		}
		if hr.ProtocolVersion == 3 {
			return nil, errors.Wrap(ErrMalformedResponse, "SCP03 INITIALIZE UPDATE response must be 32 bytes")
		}
		return hr, nil
	case handshakeLenSCP03:
		hr := &HandshakeResponse{
			DiversificationData: append([]byte{}, b[0:10]...),
			KeyVersion:          b[10],
			ProtocolVersion:     int(b[11]),
			Parameters:          b[12],
			HasParameters:       true,
			CardChallenge:       append([]byte{}, b[13:21]...),
			CardCryptogram:      append([]byte{}, b[21:29]...),
			Sequence:            append([]byte{}, b[29:32]...),
		}
		if hr.ProtocolVersion != 3 {
			return nil, errors.Wrapf(ErrMalformedResponse, "32 byte INITIALIZE UPDATE response claims SCP%02d", hr.ProtocolVersion)
		}
		return hr, nil
	default:
		return nil, errors.Wrapf(ErrMalformedResponse, "INITIALIZE UPDATE response must be 28 or 32 bytes, got %d", len(b))
	}
}

// Bytes re-encodes the response. The emulated card uses it to build replies.
func (hr *HandshakeResponse) Bytes() []byte {
	out := make([]byte, 0, handshakeLenSCP03)
	out = append(out, hr.DiversificationData...)
	out = append(out, hr.KeyVersion, byte(hr.ProtocolVersion))
	if hr.HasParameters {
		out = append(out, hr.Parameters)
	}
	out = append(out, hr.CardChallenge...)
	out = append(out, hr.CardCryptogram...)
	if hr.HasParameters {
		out = append(out, hr.Sequence...)
	}
	return out
}

func initializeUpdate(keyVersion, keyID byte, hostChallenge []byte) apdu.Capdu {
	return apdu.Capdu{
		Cla:  claGP,
		Ins:  insInitializeUpdate,
		P1:   keyVersion,
		P2:   keyID,
		Data: hostChallenge,
		Ne:   apdu.MaxLenResponseDataStandard,
	}
}

// externalAuthenticate is built with the plain GP class; the wrapper sets
// the secure messaging bit when it appends the C-MAC.
func externalAuthenticate(p1 byte, hostCryptogram []byte) apdu.Capdu {
	return apdu.Capdu{
		Cla:  claGP,
		Ins:  insExternalAuthenticate,
		P1:   p1,
		P2:   0x00,
		Data: hostCryptogram,
	}
}
