package delivery

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDelivery(t *testing.T) {
	d := NewDelivery("https://erp.example.com/hooks", []byte(`{"order":"42"}`))

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "https://erp.example.com/hooks", d.Endpoint)
	assert.JSONEq(t, `{"order":"42"}`, string(d.Payload))
	assert.Equal(t, 0, d.Attempt)
	assert.Equal(t, DefaultMaxAttempts, d.MaxAttempts)
	assert.WithinDuration(t, time.Now(), d.EnqueuedAt, time.Second)
	assert.True(t, d.NotBefore.IsZero())
}

func TestDeliveryValidate(t *testing.T) {
	t.Run("accepts a well formed delivery", func(t *testing.T) {
		d := NewDelivery("https://erp.example.com/hooks", []byte(`{}`))
		require.NoError(t, d.Validate())
	})

	t.Run("rejects a missing id", func(t *testing.T) {
		d := NewDelivery("https://erp.example.com/hooks", []byte(`{}`))
		d.ID = ""
		assert.Error(t, d.Validate())
	})

	t.Run("rejects relative and non-http endpoints", func(t *testing.T) {
		for _, endpoint := range []string{"", "/hooks", "ftp://host/hooks", "://bad"} {
			d := NewDelivery(endpoint, []byte(`{}`))
			assert.ErrorIs(t, d.Validate(), ErrInvalidEndpoint, "endpoint %q", endpoint)
		}
	})

	t.Run("rejects a zero attempt budget", func(t *testing.T) {
		d := NewDelivery("https://erp.example.com/hooks", []byte(`{}`))
		d.MaxAttempts = 0
		assert.Error(t, d.Validate())
	})
}

func TestAttemptSuccess(t *testing.T) {
	assert.True(t, Attempt{StatusCode: 200}.Success())
	assert.True(t, Attempt{StatusCode: 204}.Success())
	assert.False(t, Attempt{StatusCode: 503, Error: "unexpected status"}.Success())
	assert.False(t, Attempt{StatusCode: 200, Error: "stream cut short"}.Success())
	assert.False(t, Attempt{Error: "connection refused"}.Success())
}

func TestAttemptStatsFailureRate(t *testing.T) {
	assert.Equal(t, 0.0, AttemptStats{}.FailureRate())
	assert.Equal(t, 0.25, AttemptStats{Total: 4, Delivered: 3, Failed: 1}.FailureRate())
	assert.Equal(t, 1.0, AttemptStats{Total: 2, Failed: 2}.FailureRate())
}

func TestSignatures(t *testing.T) {
	payload := []byte(`{"order":"42"}`)

	t.Run("sign and verify round trip", func(t *testing.T) {
		sig := Sign(payload, "s3cret")
		assert.NotEmpty(t, sig)
		assert.True(t, VerifySignature(payload, sig, "s3cret"))
	})

	t.Run("rejects a tampered payload", func(t *testing.T) {
		sig := Sign(payload, "s3cret")
		assert.False(t, VerifySignature([]byte(`{"order":"43"}`), sig, "s3cret"))
	})

	t.Run("rejects the wrong secret", func(t *testing.T) {
		sig := Sign(payload, "s3cret")
		assert.False(t, VerifySignature(payload, sig, "other"))
	})
}
