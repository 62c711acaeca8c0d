package globalplatform

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSWError_Message(t *testing.T) {
	err := &SWError{Cmd: 0x50, SW: SWReferencedDataMissing}
	assert.Equal(t, "card command 0x50 failed with SW=0x6A88 (referenced data not found)", err.Error())

	assert.Equal(t, "wrong Le (correct Le=16)", swDescription(0x6C10))
	assert.Equal(t, "32 more bytes available", swDescription(0x6120))
	assert.Equal(t, "unknown error", swDescription(0x6F00))
}

// cannedCard answers every command with resp.
type cannedCard struct {
	resp []byte
}

func (c cannedCard) Transmit([]byte) ([]byte, error) {
	return c.resp, nil
}

func TestPlain_StatusWords(t *testing.T) {
	tests := []struct {
		resp    string
		wantErr bool
	}{
		{resp: "9000"},
		{resp: "01026110"},
		{resp: "6A82", wantErr: true},
		{resp: "9001", wantErr: true},
		{resp: "6283", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.resp, func(t *testing.T) {
			resp, err := Plain(cannedCard{resp: mustHex(t, tt.resp)}).Transmit(getData(tagCPLC))
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var swErr *SWError
			require.ErrorAs(t, err, &swErr)
			assert.Equal(t, statusWord(resp), swErr.SW)
		})
	}

	_, err := Plain(cannedCard{resp: []byte{0x90}}).Transmit(getData(tagCPLC))
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestIsAuthError(t *testing.T) {
	for _, sw := range []uint16{SWAuthFailed, SWSecurityNotSatisfied, SWAuthBlocked} {
		assert.True(t, IsAuthError(errors.Wrap(&SWError{SW: sw}, "wrapped")), "%04X", sw)
	}
	assert.False(t, IsAuthError(&SWError{SW: SWWrongData}))
	assert.False(t, IsAuthError(ErrAuthenticationFailed))
	assert.False(t, IsAuthError(nil))
}

func TestIsKeyNotFound(t *testing.T) {
	assert.True(t, IsKeyNotFound(errors.Wrap(&SWError{SW: SWReferencedDataMissing}, "PUT KEY")))
	assert.False(t, IsKeyNotFound(&SWError{SW: SWFileNotFound}))
}

func TestClassifyHandshakeError(t *testing.T) {
	err := errors.Wrap(&HandshakeError{
		Step:    "external-authenticate",
		SW:      SWAuthFailed,
		RespLen: 0,
		Err:     ErrAuthenticationFailed,
	}, "open")

	step, sw, n, ok := ClassifyHandshakeError(err)
	require.True(t, ok)
	assert.Equal(t, "external-authenticate", step)
	assert.Equal(t, uint16(SWAuthFailed), sw)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "external-authenticate failed (SW=6300 len=0)")

	_, _, _, ok = ClassifyHandshakeError(ErrCryptogramInvalid)
	assert.False(t, ok)

	plain := &HandshakeError{Step: "derive", Err: ErrDerivation}
	assert.Equal(t, "derive failed: key derivation failed", plain.Error())

	var nilErr *HandshakeError
	assert.Equal(t, "handshake error", nilErr.Error())
	assert.Nil(t, nilErr.Unwrap())
}

func TestIsDecodeError(t *testing.T) {
	assert.True(t, IsDecodeError(errors.Wrap(ErrMalformedResponse, "x")))
	assert.True(t, IsDecodeError(ErrInvalidParameters))
	assert.True(t, IsDecodeError(ErrUnsupportedProtocol))
	assert.False(t, IsDecodeError(ErrPolicyViolation))
}
