package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/pkg/apperrors"
	"github.com/continuum-canvas/continuum/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject, email string, expires time.Time) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Email: email,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"user_id": GetUserID(r.Context()),
			"email":   GetEmail(r.Context()),
		})
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, TokenFromRequest(r, ""))

	r.AddCookie(&http.Cookie{Name: DefaultAuthCookie, Value: "cookie-token"})
	assert.Equal(t, "cookie-token", TokenFromRequest(r, ""))
	assert.Empty(t, TokenFromRequest(r, "other"))

	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", TokenFromRequest(r, ""))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, TokenFromRequest(r, ""))
}

func TestAuthWithJWT(t *testing.T) {
	handler := Auth(NewJWTVerifier(testSecret), "", logger.NewNop())(echoIdentity())

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"valid", signToken(t, testSecret, "user-1", "ada@example.com", time.Now().Add(time.Hour)), http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong secret", signToken(t, "other", "user-1", "", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", signToken(t, testSecret, "user-1", "", time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"no subject", signToken(t, testSecret, "", "", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.token != "" {
				r.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)

			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody(t, rec)
			if tt.status == http.StatusOK {
				assert.Equal(t, "user-1", body["user_id"])
				assert.Equal(t, "ada@example.com", body["email"])
			} else {
				assert.Equal(t, UnauthorizedMessage, body["error"])
			}
		})
	}
}

func TestAuthReadsCookie(t *testing.T) {
	handler := Auth(NewJWTVerifier(testSecret), "session", logger.NewNop())(echoIdentity())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: signToken(t, testSecret, "user-2", "", time.Now().Add(time.Hour))})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-2", decodeBody(t, rec)["user_id"])
}

func TestAuthUnconfigured(t *testing.T) {
	handler := Auth(UnconfiguredVerifier{Reason: "Supabase not configured"}, "", logger.NewNop())(echoIdentity())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Supabase not configured", decodeBody(t, rec)["error"])
}

func TestSupabaseVerifier(t *testing.T) {
	const userID = "0190a6f2-4c1e-7c3a-9b1e-5d2f3a4b5c6d"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":401,"msg":"invalid JWT"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"` + userID + `","aud":"authenticated","role":"authenticated","email":"ada@example.com"}`))
	}))
	defer srv.Close()

	v, err := NewSupabaseVerifier(srv.URL, "anon-key")
	require.NoError(t, err)

	identity, err := v.Verify(context.Background(), "good-token")
	require.NoError(t, err)
	assert.Equal(t, userID, identity.UserID)
	assert.Equal(t, "ada@example.com", identity.Email)

	_, err = v.Verify(context.Background(), "bad-token")
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = v.Verify(ctx, "good-token")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoggingSetsCorrelationID(t *testing.T) {
	var seen string
	router := chi.NewRouter()
	router.Use(Logging(logger.NewNop()))
	router.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))

	r := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.Header.Set("X-Correlation-ID", "abc-123")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
}

func TestLoggingSeesAuthenticatedUser(t *testing.T) {
	info := &requestInfo{}
	ctx := context.WithValue(context.Background(), requestInfoKey, info)
	setLoggedUser(ctx, "user-9")

	got, _ := info.userID.Load().(string)
	assert.Equal(t, "user-9", got)

	// No panic without Logging upstream.
	setLoggedUser(context.Background(), "user-9")
}

func TestRateLimit(t *testing.T) {
	handler := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodPost, "/chat", nil)
		r.RemoteAddr = "203.0.113.7:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestUserRateLimitKeysByUser(t *testing.T) {
	handler := UserRateLimit(1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(user string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "203.0.113.8:4000"
		r = r.WithContext(WithIdentity(r.Context(), Identity{UserID: user}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusOK, do("b"))
	assert.Equal(t, http.StatusTooManyRequests, do("a"))
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		allowEmpty bool
		wantErr    bool
	}{
		{"valid", `{"parent_id":"root","text":"hi"}`, false, false},
		{"malformed", `{"parent_id":`, false, true},
		{"missing field", `{"parent_id":"root"}`, false, true},
		{"empty not allowed", ``, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var req model.BranchRequest
			err := DecodeJSON(r, &req, tt.allowEmpty)
			if tt.wantErr {
				assert.True(t, apperrors.Is(err, apperrors.KindValidation), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "root", req.ParentID)
		})
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	var save model.SaveSessionRequest
	assert.NoError(t, DecodeJSON(r, &save, true))
}

func TestMaxBodySize(t *testing.T) {
	var decodeErr error
	handler := MaxBodySize(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req model.BranchRequest
		decodeErr = DecodeJSON(r, &req, false)
	}))

	body := `{"parent_id":"root","text":"` + strings.Repeat("x", 64) + `"}`
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	require.Error(t, decodeErr)
	assert.Equal(t, "request body too large", apperrors.Message(decodeErr))
}

func TestIDValidators(t *testing.T) {
	assert.NoError(t, ValidateConversationID("0190a6f2-4c1e-7c3a-9b1e-5d2f3a4b5c6d"))
	assert.Error(t, ValidateConversationID("nope"))
	assert.Error(t, ValidateSessionID(""))
	assert.NoError(t, ValidateNodeID("root"))
	assert.Error(t, ValidateNodeID("  "))
	assert.Error(t, ValidateNodeID(strings.Repeat("n", 129)))
}
