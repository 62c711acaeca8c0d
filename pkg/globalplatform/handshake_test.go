package globalplatform

import (
	"testing"

	"github.com/skythen/apdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handshakeBytes(n int, version byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	if n > 11 {
		b[11] = version
	}
	return b
}

func TestParseHandshakeResponse_Lengths(t *testing.T) {
	for n := 0; n <= 40; n++ {
		for _, version := range []byte{1, 2, 3} {
			hr, err := ParseHandshakeResponse(handshakeBytes(n, version))
			ok := (n == 28 && version != 3) || (n == 32 && version == 3)
			if !ok {
				require.ErrorIs(t, err, ErrMalformedResponse, "len %d version %d", n, version)
				assert.True(t, IsDecodeError(err))
				continue
			}
			require.NoError(t, err, "len %d version %d", n, version)
			assert.Equal(t, int(version), hr.ProtocolVersion)
			assert.Equal(t, handshakeBytes(n, version), hr.Bytes())
		}
	}
}

func TestParseHandshakeResponse_Fields(t *testing.T) {
	b := mustHex(t, "00010203040506070809"+"20"+"03"+"70"+"1112131415161718"+"2122232425262728"+"000042")
	hr, err := ParseHandshakeResponse(b)
	require.NoError(t, err)

	assert.Equal(t, "00010203040506070809", hexUpper(hr.DiversificationData))
	assert.Equal(t, byte(0x20), hr.KeyVersion)
	assert.Equal(t, 3, hr.ProtocolVersion)
	assert.True(t, hr.HasParameters)
	assert.Equal(t, byte(0x70), hr.Parameters)
	assert.Equal(t, "1112131415161718", hexUpper(hr.CardChallenge))
	assert.Equal(t, "2122232425262728", hexUpper(hr.CardCryptogram))
	assert.Equal(t, "000042", hexUpper(hr.Sequence))

	b = mustHex(t, "00010203040506070809"+"FF"+"02"+"0007AABBCCDDEEFF"+"2122232425262728")
	hr, err = ParseHandshakeResponse(b)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), hr.KeyVersion)
	assert.Equal(t, 2, hr.ProtocolVersion)
	assert.False(t, hr.HasParameters)
	assert.Nil(t, hr.Sequence)
	assert.Equal(t, "0007AABBCCDDEEFF", hexUpper(hr.CardChallenge))
}

func TestHandshakeCommands(t *testing.T) {
	raw, err := encodeCommand(initializeUpdate(0x20, 0x00, mustHex(t, "0102030405060708")))
	require.NoError(t, err)
	assert.Equal(t, "80502000080102030405060708"+"00", hexUpper(raw))

	raw, err = encodeCommand(externalAuthenticate(SecurityCENC.authP1(), mustHex(t, "1122334455667788")))
	require.NoError(t, err)
	assert.Equal(t, "80820300081122334455667788", hexUpper(raw))
}

func TestEncodeDecodeCommand(t *testing.T) {
	tests := []string{
		"80CA9F7F",
		"80CA9F7F00",
		"80CA9F7F10",
		"80E2800003010203",
		"80E280000301020300",
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			cmd, err := decodeCommand(mustHex(t, in))
			require.NoError(t, err)
			out, err := encodeCommand(cmd)
			require.NoError(t, err)
			assert.Equal(t, in, hexUpper(out))
		})
	}

	_, err := decodeCommand(mustHex(t, "80CA9F"))
	assert.Error(t, err)
	_, err = decodeCommand(mustHex(t, "80E2800005010203"))
	assert.Error(t, err)

	_, err = decodeCommand(mustHex(t, "80E28000000003010203"))
	require.ErrorIs(t, err, ErrMalformedResponse)

	_, err = encodeCommand(apduWithData(256))
	require.ErrorIs(t, err, ErrApduTooLarge)
	_, err = encodeCommand(apdu.Capdu{Cla: 0x80, Ins: 0xCA, Ne: 257})
	require.ErrorIs(t, err, ErrApduTooLarge)
}

func TestEmulatedCard_RejectsMalformedCommand(t *testing.T) {
	card := NewEmulatedCard(SCP03{}, DefaultKeySet(CipherAES))
	for _, in := range []string{"80CA9F", "80E2800005010203", "80E28000000003010203"} {
		resp, err := card.Transmit(mustHex(t, in))
		require.NoError(t, err)
		assert.Equal(t, "6700", hexUpper(resp), in)
	}
}
