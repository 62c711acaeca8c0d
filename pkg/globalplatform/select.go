package globalplatform

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

const insSelect = 0xA4

// DefaultISDAID is the GlobalPlatform Issuer Security Domain AID.
const DefaultISDAID = "A000000151000000"

// ParseAID decodes a hex AID of 5 to 16 bytes.
func ParseAID(s string) ([]byte, error) {
	aid, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid AID %q", s)
	}
	if len(aid) < 5 || len(aid) > 16 {
		return nil, errors.Errorf("AID must be 5 to 16 bytes, got %d", len(aid))
	}
	return aid, nil
}

// SelectApplication selects an application by AID and returns its FCI.
//
// SELECT ends any secure channel the card has open. Select first, then
// open the channel.
func SelectApplication(card Card, aid []byte) ([]byte, error) {
	resp, err := Plain(card).Transmit(apdu.Capdu{
		Cla:  0x00,
		Ins:  insSelect,
		P1:   0x04,
		P2:   0x00,
		Data: aid,
		Ne:   apdu.MaxLenResponseDataStandard,
	})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
