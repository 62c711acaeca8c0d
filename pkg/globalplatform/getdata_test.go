package globalplatform

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPLC_RoundTrip(t *testing.T) {
	raw := make([]byte, cplcLen)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	c, err := ParseCPLC(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), c.ICFabricator)
	assert.Equal(t, uint32(0x0D0E0F10), c.ICSerialNumber)
	assert.Equal(t, uint32(0x1F202122), c.PrePersonalizationEquipment)
	assert.Equal(t, uint32(0x2728292A), c.PersonalizationEquipment)
	assert.Equal(t, raw, c.Bytes())

	withHeader := append([]byte{0x9F, 0x7F, cplcLen}, raw...)
	c2, err := ParseCPLC(withHeader)
	require.NoError(t, err)
	assert.Equal(t, c, c2)
}

func TestParseCPLC_WrongLength(t *testing.T) {
	for _, n := range []int{0, 3, cplcLen - 1, cplcLen + 1, cplcLen + 3} {
		_, err := ParseCPLC(bytes.Repeat([]byte{0x11}, n))
		require.ErrorIs(t, err, ErrMalformedResponse, "len %d", n)
	}
}

func TestParseKeyInformation(t *testing.T) {
	infos, err := ParseKeyInformation(mustHex(t, "E012"+"C00401018010"+"C00402018010"+"C00403018810"))
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, KeyInfo{ID: 1, Version: 1, Type: 0x80, Length: 16}, infos[0])
	assert.Equal(t, CipherDES3, infos[1].Cipher())
	assert.Equal(t, CipherAES, infos[2].Cipher())

	back := encodeKeyInformation(infos)
	assert.Equal(t, "E012C00401018010C00402018010C00403018810", hexUpper(back))

	infos, err = ParseKeyInformation(mustHex(t, "E000"))
	require.NoError(t, err)
	assert.Empty(t, infos)

	infos, err = ParseKeyInformation(mustHex(t, "E008"+"C006010280108810"))
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 16, infos[0].Length)
}

func TestParseKeyInformation_Malformed(t *testing.T) {
	for _, in := range []string{
		"",
		"C00401018010",
		"E006C004010180",
		"E004C0020101",
		"E006C00401018010FF",
		"E0FF",
		"E084",
	} {
		_, err := ParseKeyInformation(mustHex(t, in))
		require.ErrorIs(t, err, ErrMalformedResponse, in)
	}
}

func TestAppendTLV_LongForms(t *testing.T) {
	v := bytes.Repeat([]byte{0xAA}, 0x90)
	b := appendTLV(nil, 0xE0, v)
	assert.Equal(t, "E08190", hexUpper(b[:3]))
	got, rest, err := readTLV(b, 0xE0)
	require.NoError(t, err)
	assert.Equal(t, v, got)
	assert.Empty(t, rest)

	v = bytes.Repeat([]byte{0xAA}, 0x123)
	b = appendTLV(nil, 0xE0, v)
	assert.Equal(t, "E0820123", hexUpper(b[:4]))
	got, _, err = readTLV(b, 0xE0)
	require.NoError(t, err)
	assert.Len(t, got, 0x123)
}

func TestGetCPLC_Plain(t *testing.T) {
	card := newEmulator(SCP03{})
	_, err := GetCPLC(Plain(card))
	var swErr *SWError
	require.ErrorAs(t, err, &swErr)
	assert.Equal(t, uint16(SWSecurityNotSatisfied), swErr.SW)
	assert.Equal(t, byte(insGetData), swErr.Cmd)
}
