package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const channelKey contextKey = "channel"

// ChannelClaims is the JWT payload ingress channels present. Authentication
// of end users is the channel's job; the bridge only authenticates the
// channel itself and binds its identity into the request context.
type ChannelClaims struct {
	ChannelID string `json:"channel_id"`
	jwt.RegisteredClaims
}

// ChannelAuth validates bearer tokens from ingress channels against a
// shared HMAC secret.
type ChannelAuth struct {
	secret []byte
	issuer string
}

// NewChannelAuth creates the authenticator. The issuer claim is enforced
// when non-empty.
func NewChannelAuth(secret []byte, issuer string) *ChannelAuth {
	return &ChannelAuth{secret: secret, issuer: issuer}
}

// IssueToken mints a channel token; used by tests and provisioning tooling.
func (a *ChannelAuth) IssueToken(channelID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := ChannelClaims{
		ChannelID: channelID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   channelID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("api: sign channel token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token, returning the channel ID.
func (a *ChannelAuth) Verify(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims ChannelClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("api: verify channel token: %w", err)
	}
	if claims.ChannelID == "" {
		return "", fmt.Errorf("api: channel token missing channel_id")
	}
	return claims.ChannelID, nil
}

// Middleware rejects requests without a valid channel token and stores the
// channel ID in the request context.
func (a *ChannelAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			WriteUnauthorized(w, "missing bearer token")
			return
		}
		channelID, err := a.Verify(tokenString)
		if err != nil {
			WriteUnauthorized(w, "invalid channel token")
			return
		}
		ctx := context.WithValue(r.Context(), channelKey, channelID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ChannelFromContext returns the authenticated channel ID, if any.
func ChannelFromContext(ctx context.Context) (string, bool) {
	channelID, ok := ctx.Value(channelKey).(string)
	return channelID, ok
}
