package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionDescriptor(t *testing.T) {
	sd, err := ParseSessionDescriptor([]byte(`{"sessionId":9001,"serverName":"relay7","relayPort":31338}`), ".example.org")
	require.NoError(t, err)

	assert.Equal(t, int64(9001), sd.SessionID)
	assert.Equal(t, "relay7.example.org", sd.FullServerName())
	assert.Equal(t, "relay7.example.org:31338", sd.RelayAddress())
	assert.Contains(t, sd.String(), "session=9001")
}

func TestParseSessionDescriptorRejects(t *testing.T) {
	for _, body := range []string{
		``,
		`not json`,
		`{"sessionId":1,"relayPort":5}`,
		`{"sessionId":1,"serverName":"r","relayPort":0}`,
		`{"sessionId":1,"serverName":"r","relayPort":70000}`,
	} {
		_, err := ParseSessionDescriptor([]byte(body), "")
		assert.ErrorIs(t, err, ErrMalformedFrame, body)
	}
}

func TestNewSessionDescriptor(t *testing.T) {
	sd := NewSessionDescriptor(5, "127.0.0.1", 4000, "")
	assert.Equal(t, "127.0.0.1:4000", sd.RelayAddress())
}

func TestFormatNumber(t *testing.T) {
	tests := map[string]string{
		"sip:+15551234567@domain.com":  "+15551234567",
		"tel:+15551234567":             "+15551234567",
		"(555) 123-4567":               "5551234567",
		" +1 555 123 4567;user=phone ": "+15551234567",
		"+15551234567":                 "+15551234567",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatNumber(in), in)
	}
}
