package globalplatform

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

const (
	insGetData = 0xCA

	tagCPLC            = 0x9F7F
	tagKeyInformation  = 0x00E0
	tagKeyInfoTemplate = 0xE0
	tagKeyInfoData     = 0xC0

	cplcLen = 42
)

// CPLC holds the Card Production Life Cycle data from GET DATA 9F7F.
// Dates are BCD encoded as YDDD.
type CPLC struct {
	ICFabricator                uint16 // IC fabricator
	ICType                      uint16 // IC type
	OperatingSystemID           uint16 // OS identifier
	OSReleaseDate               uint16 // OS release date
	OSReleaseLevel              uint16 // OS release level
	ICFabricationDate           uint16 // IC fabrication date
	ICSerialNumber              uint32 // IC serial number
	ICBatchIdentifier           uint16 // IC batch identifier
	ModuleFabricator            uint16 // IC module fabricator
	ModulePackagingDate         uint16 // IC module packaging date
	ICCManufacturer             uint16 // ICC manufacturer
	ICEmbeddingDate             uint16 // IC embedding date
	PrePersonalizer             uint16 // IC pre-personalizer
	PrePersonalizationDate      uint16 // IC pre-personalization date
	PrePersonalizationEquipment uint32 // IC pre-personalization equipment
	Personalizer                uint16 // IC personalizer
	PersonalizationDate         uint16 // IC personalization date
	PersonalizationEquipment    uint32 // IC personalization equipment
}

// ParseCPLC accepts the 42 CPLC bytes with or without the 9F7F 2A header.
func ParseCPLC(b []byte) (*CPLC, error) {
	if len(b) == cplcLen+3 && b[0] == 0x9F && b[1] == 0x7F && b[2] == cplcLen {
		b = b[3:]
	}
	if len(b) != cplcLen {
		return nil, errors.Wrapf(ErrMalformedResponse, "CPLC must be %d bytes, got %d", cplcLen, len(b))
	}
	u16 := func(off int) uint16 { return binary.BigEndian.Uint16(b[off:]) }
	u32 := func(off int) uint32 { return binary.BigEndian.Uint32(b[off:]) }
	return &CPLC{
		ICFabricator:                u16(0),
		ICType:                      u16(2),
		OperatingSystemID:           u16(4),
		OSReleaseDate:               u16(6),
		OSReleaseLevel:              u16(8),
		ICFabricationDate:           u16(10),
		ICSerialNumber:              u32(12),
		ICBatchIdentifier:           u16(16),
		ModuleFabricator:            u16(18),
		ModulePackagingDate:         u16(20),
		ICCManufacturer:             u16(22),
		ICEmbeddingDate:             u16(24),
		PrePersonalizer:             u16(26),
		PrePersonalizationDate:      u16(28),
		PrePersonalizationEquipment: u32(30),
		Personalizer:                u16(34),
		PersonalizationDate:         u16(36),
		PersonalizationEquipment:    u32(38),
	}, nil
}

// Bytes encodes the 42 CPLC bytes without the tag header.
func (c *CPLC) Bytes() []byte {
	b := make([]byte, cplcLen)
	put16 := func(off int, v uint16) { binary.BigEndian.PutUint16(b[off:], v) }
	put32 := func(off int, v uint32) { binary.BigEndian.PutUint32(b[off:], v) }
	put16(0, c.ICFabricator)
	put16(2, c.ICType)
	put16(4, c.OperatingSystemID)
	put16(6, c.OSReleaseDate)
	put16(8, c.OSReleaseLevel)
	put16(10, c.ICFabricationDate)
	put32(12, c.ICSerialNumber)
	put16(16, c.ICBatchIdentifier)
	put16(18, c.ModuleFabricator)
	put16(20, c.ModulePackagingDate)
	put16(22, c.ICCManufacturer)
	put16(24, c.ICEmbeddingDate)
	put16(26, c.PrePersonalizer)
	put16(28, c.PrePersonalizationDate)
	put32(30, c.PrePersonalizationEquipment)
	put16(34, c.Personalizer)
	put16(36, c.PersonalizationDate)
	put32(38, c.PersonalizationEquipment)
	return b
}

// GetCPLC reads the CPLC data with GET DATA (INS 0xCA, tag 9F7F). It works
// both over a SecureChannel and over Plain(card).
func GetCPLC(t Transmitter) (*CPLC, error) {
	resp, err := t.Transmit(getData(tagCPLC))
	if err != nil {
		return nil, err
	}
	return ParseCPLC(resp.Data)
}

// KeyInfo is one entry of the key information template.
type KeyInfo struct {
	ID      byte
	Version byte
	Type    byte // 0x80 DES, 0x88 AES
	Length  int  // key length in bytes
}

// Cipher maps the key type byte onto a KeyCipher.
func (k KeyInfo) Cipher() KeyCipher {
	if k.Type == keyTypeAES {
		return CipherAES
	}
	return CipherDES3
}

// GetKeyInformation reads the key information template (GET DATA 00E0).
func GetKeyInformation(t Transmitter) ([]KeyInfo, error) {
	resp, err := t.Transmit(getData(tagKeyInformation))
	if err != nil {
		return nil, err
	}
	return ParseKeyInformation(resp.Data)
}

// ParseKeyInformation decodes E0 { C0 04 id kv type len }... Entries with
// more than one key component only report the first one.
func ParseKeyInformation(b []byte) ([]KeyInfo, error) {
	body, rest, err := readTLV(b, tagKeyInfoTemplate)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Wrapf(ErrMalformedResponse, "%d bytes after key information template", len(rest))
	}
	var out []KeyInfo
	for len(body) > 0 {
		var entry []byte
		entry, body, err = readTLV(body, tagKeyInfoData)
		if err != nil {
			return nil, err
		}
		if len(entry) < 4 {
			return nil, errors.Wrapf(ErrMalformedResponse, "key information entry of %d bytes", len(entry))
		}
		out = append(out, KeyInfo{ID: entry[0], Version: entry[1], Type: entry[2], Length: int(entry[3])})
	}
	return out, nil
}

// encodeKeyInformation builds the template the emulated card returns.
func encodeKeyInformation(keys []KeyInfo) []byte {
	var body []byte
	for _, k := range keys {
		body = append(body, tagKeyInfoData, 0x04, k.ID, k.Version, k.Type, byte(k.Length))
	}
	return appendTLV(nil, tagKeyInfoTemplate, body)
}

func getData(tag uint16) apdu.Capdu {
	return apdu.Capdu{
		Cla: claGP,
		Ins: insGetData,
		P1:  byte(tag >> 8),
		P2:  byte(tag),
		Ne:  apdu.MaxLenResponseDataStandard,
	}
}

// readTLV reads one single-byte-tag BER-TLV with a short or 81/82 length.
func readTLV(b []byte, tag byte) (value, rest []byte, err error) {
	if len(b) < 2 || b[0] != tag {
		return nil, nil, errors.Wrapf(ErrMalformedResponse, "expected tag %02X", tag)
	}
	n, off := int(b[1]), 2
	switch {
	case b[1] == 0x81 && len(b) >= 3:
		n, off = int(b[2]), 3
	case b[1] == 0x82 && len(b) >= 4:
		n, off = int(binary.BigEndian.Uint16(b[2:])), 4
	case b[1] >= 0x80:
		return nil, nil, errors.Wrapf(ErrMalformedResponse, "unsupported length byte %02X for tag %02X", b[1], tag)
	}
	if len(b) < off+n {
		return nil, nil, errors.Wrapf(ErrMalformedResponse, "tag %02X needs %d bytes, %d left", tag, n, len(b)-off)
	}
	return b[off : off+n], b[off+n:], nil
}

func appendTLV(dst []byte, tag byte, value []byte) []byte {
	dst = append(dst, tag)
	switch {
	case len(value) < 0x80:
		dst = append(dst, byte(len(value)))
	case len(value) <= 0xFF:
		dst = append(dst, 0x81, byte(len(value)))
	default:
		dst = append(dst, 0x82, byte(len(value)>>8), byte(len(value)))
	}
	return append(dst, value...)
}
