// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"github.com/continuum-canvas/continuum/pkg/apperrors"
	"github.com/continuum-canvas/continuum/pkg/logger"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "user_id"
	// EmailKey is the context key for the user's email.
	EmailKey ContextKey = "email"
)

// DefaultAuthCookie is the session cookie read when no bearer token is sent.
const DefaultAuthCookie = "sb-access-token"

// UnauthorizedMessage is the body of every 401 response.
const UnauthorizedMessage = "Unauthorized. Please sign in."

// Identity is a verified user.
type Identity struct {
	UserID string
	Email  string
}

// Verifier turns an access token into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// JWTVerifier checks HS256 tokens signed with a shared secret, such as
// Supabase access tokens verified with the project's JWT secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates token.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil || !token.Valid {
		return nil, apperrors.Wrap(apperrors.KindAuth, "invalid token", err)
	}
	if claims.Subject == "" {
		return nil, apperrors.Unauthorized("token has no subject")
	}
	return &Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// SupabaseVerifier checks tokens against the Supabase auth API.
type SupabaseVerifier struct {
	auth gotrue.Client
}

// NewSupabaseVerifier creates a verifier for the project at projectURL.
func NewSupabaseVerifier(projectURL, anonKey string) (*SupabaseVerifier, error) {
	client, err := supabase.NewClient(strings.TrimRight(projectURL, "/"), anonKey, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "Supabase not configured", err)
	}
	return &SupabaseVerifier{auth: client.Auth}, nil
}

// Verify asks the auth API for the token's user. The gotrue client does not
// take a context.
func (v *SupabaseVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user, err := v.auth.WithToken(token).GetUser()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindAuth, "invalid token", err)
	}
	return &Identity{UserID: user.ID.String(), Email: user.Email}, nil
}

// UnconfiguredVerifier rejects every request with a configuration error.
type UnconfiguredVerifier struct {
	Reason string
}

// Verify reports the configuration problem.
func (v UnconfiguredVerifier) Verify(context.Context, string) (*Identity, error) {
	return nil, apperrors.Configuration(v.Reason)
}

// TokenFromRequest returns the bearer token, or the auth cookie when no
// Authorization header is present.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if cookieName == "" {
		cookieName = DefaultAuthCookie
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}

// Auth creates authentication middleware. Requests without a verifiable
// identity are rejected with 401.
func Auth(v Verifier, cookieName string, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r, cookieName)
			if token == "" {
				writeError(w, http.StatusUnauthorized, UnauthorizedMessage)
				return
			}

			identity, err := v.Verify(r.Context(), token)
			if err != nil {
				if apperrors.Is(err, apperrors.KindConfiguration) {
					log.Error("authentication is not configured", zap.Error(err))
					writeError(w, http.StatusInternalServerError, apperrors.Message(err))
					return
				}
				log.Debug("token rejected",
					zap.String("correlation_id", GetCorrelationID(r.Context())),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, UnauthorizedMessage)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, identity.UserID)
			ctx = context.WithValue(ctx, EmailKey, identity.Email)
			setLoggedUser(ctx, identity.UserID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// GetEmail gets the user's email from context.
func GetEmail(ctx context.Context) string {
	if v, ok := ctx.Value(EmailKey).(string); ok {
		return v
	}
	return ""
}

// WithIdentity returns ctx carrying identity. Used by tests and internal
// callers that bypass Auth.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, identity.UserID)
	return context.WithValue(ctx, EmailKey, identity.Email)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
