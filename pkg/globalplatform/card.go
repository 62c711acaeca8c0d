package globalplatform

import (
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// Card abstracts card transmit behavior for real PC/SC cards and test doubles.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
}

// Transmit sends an APDU to the card and extracts the status word.
// Returns (response_data, status_word, error).
// The response data does NOT include the trailing SW bytes.
func Transmit(card Card, raw []byte) ([]byte, uint16, error) {
	resp, err := card.Transmit(raw)
	if err != nil {
		return nil, 0, err
	}
	r, err := apdu.ParseRapdu(resp)
	if err != nil {
		return nil, 0, errors.Wrap(ErrMalformedResponse, err.Error())
	}
	return r.Data, statusWord(r), nil
}

// TransmitCommand encodes cmd in ISO 7816-4 short form, sends it and splits
// the response into data and status word.
func TransmitCommand(card Card, cmd apdu.Capdu) (apdu.Rapdu, error) {
	raw, err := encodeCommand(cmd)
	if err != nil {
		return apdu.Rapdu{}, err
	}
	slog.Debug("apdu >>", "apdu", hexUpper(raw))
	data, sw, err := Transmit(card, raw)
	if err != nil {
		return apdu.Rapdu{}, err
	}
	slog.Debug("apdu <<", "data", hexUpper(data), "sw", swHex(sw))
	return newRapdu(data, sw), nil
}

// encodeCommand serializes a short APDU. Capdu.Bytes switches to extended
// length or truncates above the short limits, so those are rejected first.
func encodeCommand(cmd apdu.Capdu) ([]byte, error) {
	if len(cmd.Data) > apdu.MaxLenCommandDataStandard {
		return nil, errors.Wrapf(ErrApduTooLarge, "command data %d bytes exceeds %d", len(cmd.Data), apdu.MaxLenCommandDataStandard)
	}
	if cmd.Ne < 0 || cmd.Ne > apdu.MaxLenResponseDataStandard {
		return nil, errors.Wrapf(ErrApduTooLarge, "Ne %d exceeds %d", cmd.Ne, apdu.MaxLenResponseDataStandard)
	}
	return cmd.Bytes(), nil
}

// decodeCommand parses a short APDU for the emulated card. Extended length
// commands are rejected.
func decodeCommand(b []byte) (apdu.Capdu, error) {
	cmd, err := apdu.ParseCapdu(b)
	if err != nil {
		return apdu.Capdu{}, errors.Wrap(ErrMalformedResponse, err.Error())
	}
	if cmd.IsExtendedLength() || (len(b) > apdu.LenHeader+1 && b[apdu.OffsetLcStandard] == 0) {
		return apdu.Capdu{}, errors.Wrapf(ErrMalformedResponse, "extended length command of %d bytes", len(b))
	}
	cmd.Data = append([]byte(nil), cmd.Data...)
	return cmd, nil
}

func newRapdu(data []byte, sw uint16) apdu.Rapdu {
	return apdu.Rapdu{Data: data, SW1: byte(sw >> 8), SW2: byte(sw)}
}

func statusWord(r apdu.Rapdu) uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func swHex(sw uint16) string {
	return strings.ToUpper(hex.EncodeToString([]byte{byte(sw >> 8), byte(sw)}))
}

// Transmitter sends structured commands. *SecureChannel implements it and
// Plain adapts a bare Card.
type Transmitter interface {
	Transmit(cmd apdu.Capdu) (apdu.Rapdu, error)
}

type plainTransmitter struct {
	card Card
}

// Plain returns a Transmitter that sends commands without secure messaging.
// A status word other than 9000/61xx is returned as *SWError.
func Plain(card Card) Transmitter {
	return plainTransmitter{card: card}
}

func (t plainTransmitter) Transmit(cmd apdu.Capdu) (apdu.Rapdu, error) {
	resp, err := TransmitCommand(t.card, cmd)
	if err != nil {
		return apdu.Rapdu{}, err
	}
	if !resp.IsSuccess() {
		return resp, &SWError{Cmd: cmd.Ins, SW: statusWord(resp)}
	}
	return resp, nil
}
