package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare phone number", "15551234567", "15551234567@s.whatsapp.net", false},
		{"phone number with plus", "+15551234567", "15551234567@s.whatsapp.net", false},
		{"surrounding whitespace", "  15551234567 ", "15551234567@s.whatsapp.net", false},
		{"canonical user address", "15551234567@s.whatsapp.net", "15551234567@s.whatsapp.net", false},
		{"group address passes through", "12036304some-group@g.us", "12036304some-group@g.us", false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"plus only", "+", "", true},
		{"letters", "notanumber", "", true},
		{"mixed digits and letters", "555abc", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeAddress(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "awaiting_pairing", StateAwaitingPairing.String())
	assert.Equal(t, "connected", StateConnected.String())
}
