package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/pkg/apperrors"
)

// DefaultMaxBodyBytes bounds request bodies. A full canvas snapshot is the
// largest payload.
const DefaultMaxBodyBytes = 8 << 20

// MaxBodySize caps the request body at n bytes.
func MaxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DecodeJSON decodes the request body into v and runs its validate tags.
// An empty body decodes as the zero value when allowEmpty is set.
func DecodeJSON(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case errors.Is(err, io.EOF) && allowEmpty:
	case err != nil:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.Validation("request body too large")
		}
		return apperrors.Wrap(apperrors.KindValidation, "invalid request body", err)
	}
	if err := model.Validate(v); err != nil {
		return apperrors.Validation(err.Error())
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.Validation("invalid conversation ID format")
	}
	return nil
}

// ValidateSessionID validates a session ID.
func ValidateSessionID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.Validation("invalid session ID format")
	}
	return nil
}

// ValidateNodeID validates a canvas node ID.
func ValidateNodeID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperrors.Validation("node ID cannot be empty")
	}
	if len(id) > 128 {
		return apperrors.Validation("node ID exceeds maximum length")
	}
	return nil
}
