package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"unauthorized", 401, "", KindAuth},
		{"forbidden", 403, "", KindAuth},
		{"payment required", 402, "", KindPayment},
		{"rate limited", 429, "", KindRateLimit},
		{"bad request", 400, "invalid model", KindBadInput},
		{"bad request with credit message", 400, "Insufficient credits to complete request", KindPayment},
		{"server error", 500, "", KindTransport},
		{"server error with credits body", 503, "credits exhausted", KindPayment},
		{"server error with rate limit body", 503, "upstream rate limit hit", KindRateLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, kindForStatus(tt.status, tt.body))
		})
	}
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindTransport.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindRateLimit.Retryable())
	assert.False(t, KindAuth.Retryable())
	assert.False(t, KindPayment.Retryable())
	assert.False(t, KindBadInput.Retryable())
}

func TestKindNotifiable(t *testing.T) {
	assert.True(t, KindPayment.Notifiable())
	assert.True(t, KindRateLimit.Notifiable())
	assert.False(t, KindAuth.Notifiable())
	assert.False(t, KindTransport.Notifiable())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"typed error keeps kind", &Error{Kind: KindPayment, Provider: "openrouter"}, KindPayment},
		{"wrapped typed error", fmt.Errorf("chain: %w", &Error{Kind: KindAuth}), KindAuth},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"cli not authenticated", errors.New("claude: not authenticated"), KindAuth},
		{"credits message", errors.New("Insufficient credits"), KindPayment},
		{"rate limit message", errors.New("rate limit exceeded, retry later"), KindRateLimit},
		{"plain network error", errors.New("connection refused"), KindTransport},
		{"timeout in message", errors.New("request timeout"), KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &Error{Kind: KindTransport, Provider: "ollama", Message: "boom", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "ollama")
	assert.Contains(t, err.Error(), "transport")
}

func TestNewHTTPErrorTruncatesBody(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	err := newHTTPError("openrouter", 500, string(long))
	assert.Equal(t, 503, len(err.Message)) // 500 chars plus ellipsis
	assert.Equal(t, 500, err.Status)
}
