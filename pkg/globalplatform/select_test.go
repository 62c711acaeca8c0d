package globalplatform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAID(t *testing.T) {
	aid, err := ParseAID(DefaultISDAID)
	require.NoError(t, err)
	assert.Len(t, aid, 8)

	for _, bad := range []string{"", "A0000001", "A0000001510000000000000000000000FF", "XYZ"} {
		_, err := ParseAID(bad)
		assert.Error(t, err, bad)
	}
}

func TestSelectApplication(t *testing.T) {
	card := newEmulator(SCP03{})
	aid, err := ParseAID(DefaultISDAID)
	require.NoError(t, err)

	fci, err := SelectApplication(card, aid)
	require.NoError(t, err)
	assert.Equal(t, "6F0A8408"+DefaultISDAID, hexUpper(fci))

	_, err = SelectApplication(card, mustHex(t, "A0000000030000"))
	var swErr *SWError
	require.ErrorAs(t, err, &swErr)
	assert.Equal(t, uint16(SWFileNotFound), swErr.SW)
	assert.Contains(t, err.Error(), "application not found")
}

func TestSelectApplication_EndsChannel(t *testing.T) {
	p := SCP03{}
	card := newEmulator(p)
	ch := openChannel(t, card, p, SecurityCMAC)
	require.True(t, card.Authenticated())

	_, err := SelectApplication(card, card.AID)
	require.NoError(t, err)
	assert.False(t, card.Authenticated())

	_, err = GetCPLC(ch)
	var swErr *SWError
	require.ErrorAs(t, err, &swErr)
	assert.Equal(t, uint16(SWSecurityNotSatisfied), swErr.SW)
}
