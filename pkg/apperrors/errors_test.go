package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindAuth, http.StatusUnauthorized},
		{KindNotFound, http.StatusNotFound},
		{KindConfiguration, http.StatusInternalServerError},
		{KindUpstreamRateLimit, http.StatusInternalServerError},
		{KindPersistence, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.kind))
		})
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := NotFound("conversation")
	wrapped := fmt.Errorf("load: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.False(t, Is(wrapped, KindValidation))
	assert.Equal(t, "conversation not found", Message(wrapped))
}

func TestForeignErrorIsInternal(t *testing.T) {
	err := errors.New("boom")

	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal server error", Message(err))
}

func TestPersistenceUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Persistence("insert nodes", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "insert nodes")
}

func TestIsUpstream(t *testing.T) {
	assert.True(t, IsUpstream(New(KindEmptyReply, "empty")))
	assert.True(t, IsUpstream(New(KindUpstreamAuth, "bad key")))
	assert.False(t, IsUpstream(Validation("bad input")))
}
