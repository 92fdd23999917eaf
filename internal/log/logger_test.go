package log

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "abc-123")
	assert.Equal(t, "abc-123", CorrelationIDFromContext(ctx))
	assert.Equal(t, "", CorrelationIDFromContext(context.Background()))
}

func TestJobIDRoundTrip(t *testing.T) {
	ctx := ContextWithJobID(context.Background(), "job-7")
	assert.Equal(t, "job-7", JobIDFromContext(ctx))
}

func TestWithContextNilSafe(t *testing.T) {
	l := zerolog.Nop()
	// Must not panic with a nil context.
	_ = WithContext(nil, l) //nolint:staticcheck
	_ = WithComponentFromContext(context.Background(), "test")
}
