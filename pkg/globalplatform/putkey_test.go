package globalplatform

import (
	"testing"

	"github.com/skythen/apdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeysFor(t *testing.T, c KeyCipher, version byte) *KeySet {
	t.Helper()
	ks := NewKeySet("rotated", version)
	for i, h := range []string{
		"00112233445566778899AABBCCDDEEFF",
		"0123456789ABCDEFFEDCBA9876543210",
		"F0E1D2C3B4A5968778695A4B3C2D1E0F",
	} {
		require.NoError(t, ks.Add(putKeyOrder[i], c, byte(i+1), mustHex(t, h)))
	}
	return ks
}

func TestPutKeys_Rotate(t *testing.T) {
	for _, p := range []Protocol{
		SCP01{ThreeKeys: true, ExplicitInit: true},
		SCP02{ThreeKeys: true, ExplicitInit: true, ICVEncrypt: true},
		SCP03{RMACSupport: true, RENCSupport: true},
	} {
		t.Run(p.String(), func(t *testing.T) {
			c := CipherDES3
			level := SecurityCENC
			if p.Version() == 3 {
				c = CipherAES
				level = SecurityRENC
			}
			card := newEmulator(p)
			ch := openChannel(t, card, p, level)
			next := newKeysFor(t, c, 0x20)

			res, err := PutKeys(ch, next, 0x01)
			require.NoError(t, err)
			assert.Equal(t, byte(0x20), res.KeyVersion)
			require.Len(t, res.CheckValues, 3)
			for i, u := range putKeyOrder {
				want, err := next.Key(u).CheckValue()
				require.NoError(t, err)
				assert.Equal(t, want, res.CheckValues[i])
			}
			assert.Equal(t, byte(0x20), card.KeyVersion)
			assert.Equal(t, next.Key(UsageMAC).Secret, card.Keys.Key(UsageMAC).Secret)
			ch.Close()

			old := NewSecureChannel(card, staticKeysFor(p), ChannelOptions{ProtocolPolicy: PolicyFor(p), SecurityPolicy: SecurityCMAC})
			require.ErrorIs(t, old.Open(), ErrCryptogramInvalid)

			fresh := NewSecureChannel(card, next, ChannelOptions{
				KeyVersion:     0x20,
				PinKeyVersion:  true,
				ProtocolPolicy: PolicyFor(p),
				SecurityPolicy: level,
			})
			require.NoError(t, fresh.Open())
			assert.Equal(t, byte(0x20), fresh.KeyVersion())
			_, err = GetCPLC(fresh)
			require.NoError(t, err)
		})
	}
}

func TestPutKeys_Errors(t *testing.T) {
	p := SCP02{ThreeKeys: true, ExplicitInit: true, ICVEncrypt: true}

	closed := NewSecureChannel(newEmulator(p), DefaultKeySet(CipherDES3), ChannelOptions{ProtocolPolicy: PolicyFor(p)})
	_, err := PutKeys(closed, newKeysFor(t, CipherDES3, 0x20), 0)
	require.ErrorIs(t, err, ErrIllegalState)

	ch := openChannel(t, newEmulator(p), p, SecurityCENC)
	_, err = PutKeys(ch, newKeysFor(t, CipherAES, 0x20), 0)
	require.ErrorIs(t, err, ErrPolicyViolation)

	_, err = PutKeys(ch, newKeysFor(t, CipherDES3, 0x00), 0)
	assert.Error(t, err)

	partial := NewKeySet("partial", 0x20)
	require.NoError(t, partial.Add(UsageENC, CipherDES3, 1, mustHex(t, gpKey)))
	_, err = PutKeys(ch, partial, 0)
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestPutKeys_UnknownVersionToReplace(t *testing.T) {
	p := SCP03{}
	ch := openChannel(t, newEmulator(p), p, SecurityCMAC)
	_, err := PutKeys(ch, newKeysFor(t, CipherAES, 0x30), 0x05)
	var swErr *SWError
	require.ErrorAs(t, err, &swErr)
	assert.Equal(t, uint16(SWReferencedDataMissing), swErr.SW)
	assert.True(t, IsKeyNotFound(err))
}

func TestPutKeys_CheckValueMismatch(t *testing.T) {
	p := SCP02{ThreeKeys: true, ExplicitInit: true, ICVEncrypt: true}
	card := newEmulator(p)
	card.TamperResponse = func(cmd apdu.Capdu, resp []byte) []byte {
		if cmd.Ins == insPutKey && len(resp) > 4 {
			resp[3] ^= 0x01
		}
		return resp
	}
	ch := openChannel(t, card, p, SecurityCMAC)
	_, err := PutKeys(ch, newKeysFor(t, CipherDES3, 0x20), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check value mismatch")
}

func TestParsePutKeyResponse(t *testing.T) {
	res, err := parsePutKeyResponse(mustHex(t, "20"+"8BAF47"+"112233"+"445566"), 3)
	require.NoError(t, err)
	assert.Equal(t, byte(0x20), res.KeyVersion)
	assert.Equal(t, "112233", hexUpper(res.CheckValues[1]))

	_, err = parsePutKeyResponse(mustHex(t, "208BAF47"), 3)
	require.ErrorIs(t, err, ErrMalformedResponse)
}
