package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamePayloadRoundTrip(t *testing.T) {
	p := NamePayload{Name: "lock1"}
	got, err := DecodeNamePayload(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestNamePayloadRejectsOversizedName(t *testing.T) {
	_, err := DecodeNamePayload(make([]byte, 33))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestCountPayloadRoundTrip(t *testing.T) {
	p := CountPayload{Count: 4}
	got, err := DecodeCountPayload(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestCountPayloadRejectsBadLength(t *testing.T) {
	_, err := DecodeCountPayload([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestRecoverPayloadRoundTrip(t *testing.T) {
	p := RecoverPayload{FailedNodeIDs: []uint32{3, 7, 9}}
	got, err := DecodeRecoverPayload(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestRecoverPayloadEmpty(t *testing.T) {
	p := RecoverPayload{}
	got, err := DecodeRecoverPayload(p.Encode())
	require.NoError(t, err)
	assert.Empty(t, got.FailedNodeIDs)
}

func TestAppPayloadRoundTrip(t *testing.T) {
	body := []byte("opaque client bytes")
	encoded, err := EncodeAppPayload(body)
	require.NoError(t, err)

	decoded, err := DecodeAppPayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}
