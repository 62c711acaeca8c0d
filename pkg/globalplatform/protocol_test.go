package globalplatform

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeProtocol_RoundTrip(t *testing.T) {
	valid := map[int]int{}
	for version := 0; version <= 3; version++ {
		for i := 0; i < 256; i++ {
			p, err := DecodeProtocol(version, byte(i))
			if err != nil {
				require.ErrorIs(t, err, ErrInvalidParameters, "SCP%02d-%02X", version, i)
				assert.True(t, IsDecodeError(err))
				continue
			}
			valid[version]++
			assert.Equal(t, version, p.Version())
			assert.Equal(t, byte(i), p.Parameters(), "SCP%02d-%02X", version, i)

			back, err := ParseProtocol(p.String())
			require.NoError(t, err)
			assert.Equal(t, p, back)
		}
	}
	assert.Equal(t, map[int]int{0: 1, 1: 8, 2: 128, 3: 6}, valid)
}

func TestDecodeProtocol_InvalidBits(t *testing.T) {
	tests := []struct {
		version int
		params  byte
	}{
		{0, 0x01},
		{1, 0x02},
		{1, 0x80},
		{2, 0x80},
		{2, 0x95},
		{3, 0x40},
		{3, 0x01},
		{3, 0x80},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("SCP%02d-%02X", tt.version, tt.params), func(t *testing.T) {
			_, err := DecodeProtocol(tt.version, tt.params)
			require.ErrorIs(t, err, ErrInvalidParameters)
		})
	}
}

func TestDecodeProtocol_UnsupportedVersion(t *testing.T) {
	for _, v := range []int{-1, 4, 0x10, 0xFF} {
		_, err := DecodeProtocol(v, 0)
		require.ErrorIs(t, err, ErrUnsupportedProtocol)
		assert.True(t, IsDecodeError(err))
	}
}

func TestProtocolString(t *testing.T) {
	assert.Equal(t, "SCP00", SCP00{}.String())
	assert.Equal(t, "SCP02-15", SCP02{ThreeKeys: true, ExplicitInit: true, ICVEncrypt: true}.String())
	assert.Equal(t, "SCP03-70", SCP03{PseudoRandomChallenge: true, RMACSupport: true, RENCSupport: true}.String())
	assert.Equal(t, "SCP01-05", SCP01{ThreeKeys: true, ExplicitInit: true}.String())
}

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in   string
		want Protocol
	}{
		{"SCP02-15", SCP02{ThreeKeys: true, ExplicitInit: true, ICVEncrypt: true}},
		{"scp02_55", SCP02{ThreeKeys: true, ExplicitInit: true, ICVEncrypt: true, WellKnownChallenge: true}},
		{"SCP03", SCP03{}},
		{" SCP03-70 ", SCP03{PseudoRandomChallenge: true, RMACSupport: true, RENCSupport: true}},
		{"SCP01-05", SCP01{ThreeKeys: true, ExplicitInit: true}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParseProtocol(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}

	for _, bad := range []string{"", "SCP", "SCPxx", "GP02", "SCP02-ZZ", "SCP09"} {
		_, err := ParseProtocol(bad)
		assert.Error(t, err, bad)
	}
}

func TestProtocolPolicy_Check(t *testing.T) {
	scp02 := SCP02{ThreeKeys: true, ExplicitInit: true, ICVEncrypt: true}
	scp03 := SCP03{RMACSupport: true}

	tests := []struct {
		name    string
		policy  ProtocolPolicy
		p       Protocol
		wantErr bool
	}{
		{"wildcard accepts SCP02", ProtocolPolicy{}, scp02, false},
		{"wildcard accepts SCP03", ProtocolPolicy{}, scp03, false},
		{"exact pin", PolicyFor(scp02), scp02, false},
		{"version only", ProtocolPolicy{Version: 3}, scp03, false},
		{"wrong version", ProtocolPolicy{Version: 2}, scp03, true},
		{"wrong parameters", ProtocolPolicy{Version: 2, Parameters: 0x55}, scp02, true},
		{"parameters only", ProtocolPolicy{Parameters: 0x20}, scp03, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Check(tt.p)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrPolicyViolation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func allProtocols() []Protocol {
	var out []Protocol
	for version := 0; version <= 3; version++ {
		for i := 0; i < 256; i++ {
			if p, err := DecodeProtocol(version, byte(i)); err == nil {
				out = append(out, p)
			}
		}
	}
	return out
}

func TestSecurityPolicy_Monotonic(t *testing.T) {
	for _, p := range allProtocols() {
		for s := SecurityCMAC; s <= SecurityRENC; s++ {
			if s.IsSupported(p) {
				assert.True(t, (s-1).IsSupported(p), "%s supports %s but not %s", p, s, s-1)
			}
		}
		assert.True(t, SecurityNone.IsSupported(p))
	}
}

func TestSecurityPolicy_IsSupported(t *testing.T) {
	tests := []struct {
		p    Protocol
		max  SecurityPolicy
		name string
	}{
		{SCP00{}, SecurityNone, "SCP00"},
		{SCP01{ThreeKeys: true, ExplicitInit: true}, SecurityCENC, "SCP01"},
		{SCP02{ThreeKeys: true, ExplicitInit: true, ICVEncrypt: true}, SecurityCENC, "SCP02 without R-MAC"},
		{SCP02{ThreeKeys: true, RMACSupport: true}, SecurityRMAC, "SCP02 with R-MAC"},
		{SCP03{}, SecurityCENC, "SCP03 plain"},
		{SCP03{RMACSupport: true}, SecurityRMAC, "SCP03 R-MAC"},
		{SCP03{RMACSupport: true, RENCSupport: true}, SecurityRENC, "SCP03 R-ENC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for s := SecurityNone; s <= SecurityRENC; s++ {
				assert.Equal(t, s <= tt.max, s.IsSupported(tt.p), s.String())
				if s > tt.max {
					require.ErrorIs(t, s.Check(tt.p), ErrPolicyViolation)
				}
			}
		})
	}
}

func TestSecurityPolicy_AuthP1(t *testing.T) {
	assert.Equal(t, byte(0x00), SecurityNone.authP1())
	assert.Equal(t, byte(0x01), SecurityCMAC.authP1())
	assert.Equal(t, byte(0x03), SecurityCENC.authP1())
	assert.Equal(t, byte(0x13), SecurityRMAC.authP1())
	assert.Equal(t, byte(0x33), SecurityRENC.authP1())

	for s := SecurityNone; s <= SecurityRENC; s++ {
		back, ok := securityFromP1(s.authP1())
		require.True(t, ok)
		assert.Equal(t, s, back)
	}
	_, ok := securityFromP1(0x02)
	assert.False(t, ok)
}

func TestParseSecurityPolicy(t *testing.T) {
	for s := SecurityNone; s <= SecurityRENC; s++ {
		back, err := ParseSecurityPolicy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, back)
	}
	s, err := ParseSecurityPolicy("CENC")
	require.NoError(t, err)
	assert.Equal(t, SecurityCENC, s)

	_, err = ParseSecurityPolicy("full")
	assert.Error(t, err)
}
