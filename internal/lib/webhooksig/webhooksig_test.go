package webhooksig_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/research-gate/internal/lib/webhooksig"
)

const secret = "whsec_test_secret"

var body = []byte(`{"id":"evt_1","type":"invoice.paid","created":1700000000,"data":{"object":{"customer":"cus_123"}}}`)

func TestVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name   string
		body   []byte
		header string
		secret string
		want   bool
	}{
		{
			name:   "valid signature",
			body:   body,
			header: webhooksig.Sign(body, secret, now),
			secret: secret,
			want:   true,
		},
		{
			name:   "within tolerance in the past",
			body:   body,
			header: webhooksig.Sign(body, secret, now.Add(-299*time.Second)),
			secret: secret,
			want:   true,
		},
		{
			name:   "within tolerance in the future",
			body:   body,
			header: webhooksig.Sign(body, secret, now.Add(120*time.Second)),
			secret: secret,
			want:   true,
		},
		{
			name:   "stale by 301 seconds",
			body:   body,
			header: webhooksig.Sign(body, secret, now.Add(-301*time.Second)),
			secret: secret,
			want:   false,
		},
		{
			name:   "ten minutes old",
			body:   body,
			header: webhooksig.Sign(body, secret, now.Add(-10*time.Minute)),
			secret: secret,
			want:   false,
		},
		{
			name:   "too far in the future",
			body:   body,
			header: webhooksig.Sign(body, secret, now.Add(10*time.Minute)),
			secret: secret,
			want:   false,
		},
		{
			name:   "altered body",
			body:   append([]byte{'['}, body[1:]...),
			header: webhooksig.Sign(body, secret, now),
			secret: secret,
			want:   false,
		},
		{
			name:   "wrong secret",
			body:   body,
			header: webhooksig.Sign(body, "whsec_other", now),
			secret: secret,
			want:   false,
		},
		{
			name:   "empty secret",
			body:   body,
			header: webhooksig.Sign(body, "", now),
			secret: "",
			want:   false,
		},
		{
			name:   "missing timestamp",
			body:   body,
			header: "v1=deadbeef",
			secret: secret,
			want:   false,
		},
		{
			name:   "missing signature",
			body:   body,
			header: "t=1700000000",
			secret: secret,
			want:   false,
		},
		{
			name:   "garbage header",
			body:   body,
			header: "not a header at all",
			secret: secret,
			want:   false,
		},
		{
			name:   "non numeric timestamp",
			body:   body,
			header: "t=abc,v1=00",
			secret: secret,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := webhooksig.Verify(tt.body, tt.header, tt.secret, webhooksig.DefaultTolerance, now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerify_UnknownKeysAndMultipleSignatures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	valid := webhooksig.Sign(body, secret, now)

	// v0 и посторонние ключи игнорируются, подходит любая из v1.
	header := "v0=ignored," + "t=1700000000,v1=" + "00ff,scheme=test,v1=zz,v1=" + valid[len("t=1700000000,v1="):]
	assert.True(t, webhooksig.Verify(body, header, secret, webhooksig.DefaultTolerance, now))
}

func TestVerify_SingleByteAlterations(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := webhooksig.Sign(body, secret, now)

	for i := range body {
		altered := make([]byte, len(body))
		copy(altered, body)
		altered[i] ^= 0x01
		assert.False(t, webhooksig.Verify(altered, header, secret, webhooksig.DefaultTolerance, now), "byte %d", i)
	}
}

func TestParse(t *testing.T) {
	h, err := webhooksig.Parse("t=42, v1=0a0b ,v1=ff")
	require.NoError(t, err)
	assert.Equal(t, int64(42), h.Timestamp)
	assert.Equal(t, [][]byte{{0x0a, 0x0b}, {0xff}}, h.Signatures)

	_, err = webhooksig.Parse("v1=0a")
	assert.ErrorIs(t, err, webhooksig.ErrMissingTimestamp)

	_, err = webhooksig.Parse("t=42")
	assert.ErrorIs(t, err, webhooksig.ErrMissingSignature)
}
