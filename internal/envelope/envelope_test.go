package envelope

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoundTrip verifies payload, expiry and uuid survive encoding
func TestRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name    string
		payload []byte
		opts    Options
	}{
		{"with uuid", []byte("hello world"), Options{TTL: time.Hour, WithUUID: true}},
		{"without uuid", []byte{0, 1, 2, 255}, Options{TTL: time.Minute}},
		{"empty payload", nil, Options{TTL: time.Second, WithUUID: true}},
		{"redundant", []byte("x"), Options{TTL: time.Hour, Redundant: true}},
		{"given uuid", []byte("y"), Options{TTL: time.Hour, UUID: "6ba7b810-9dad-11d1-80b4-00c04fd430c8"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, enc, err := Encode(tt.payload, now, tt.opts)
			require.NoError(t, err)

			h, payload, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, enc, h)
			assert.Equal(t, string(tt.payload), string(payload))
			assert.Equal(t, uint32(now.Add(tt.opts.TTL).Unix()), h.ExpiresAt)
			assert.Equal(t, tt.opts.Redundant, h.Redundant())

			if tt.opts.WithUUID || tt.opts.Redundant || tt.opts.UUID != "" {
				assert.Len(t, h.UUID, 36)
				_, err := uuid.Parse(h.UUID)
				assert.NoError(t, err)
			} else {
				assert.Empty(t, h.UUID)
			}
			if tt.opts.UUID != "" {
				assert.Equal(t, tt.opts.UUID, h.UUID)
			}
		})
	}
}

// TestExpired tests expiry relative to the encoding time
func TestExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	_, h, err := Encode([]byte("p"), now, Options{TTL: 10 * time.Second, WithUUID: true})
	require.NoError(t, err)

	assert.False(t, h.Expired(now))
	assert.False(t, h.Expired(now.Add(10*time.Second)))
	assert.True(t, h.Expired(now.Add(11*time.Second)))
}

// TestDecodeErrors tests rejection of malformed headers
func TestDecodeErrors(t *testing.T) {
	_, _, err := Decode([]byte{0, 1, 0})
	assert.True(t, errors.Is(err, ErrShortHeader))

	_, _, err = Decode([]byte{0, 9, 0, 0, 0, 0, 0, 0})
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))

	_, _, err = Decode([]byte{0, 1, 0, 2, 0, 0, 0, 0, 'a', 'b'})
	assert.True(t, errors.Is(err, ErrShortHeader))

	bad := append([]byte{0, 1, 0, 2, 0, 0, 0, 0}, []byte("zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz")...)
	_, _, err = Decode(bad)
	assert.True(t, errors.Is(err, ErrInvalidUUID))

	_, _, err = Encode(nil, time.Now(), Options{UUID: "not-a-uuid"})
	assert.True(t, errors.Is(err, ErrInvalidUUID))
}
