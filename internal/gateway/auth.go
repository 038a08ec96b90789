package gateway

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dharsan99/voicelink/internal/config"
)

// authenticator validates HMAC-signed bearer tokens. Expiry and
// not-before are always enforced; issuer and audience only when
// configured.
type authenticator struct {
	secret   []byte
	issuer   string
	audience string
}

func newAuthenticator(cfg *config.JWTConfig) *authenticator {
	return &authenticator{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}
}

// middleware rejects requests without a valid bearer token.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		if err := a.validate(token); err != nil {
			slog.Info("rejecting request with invalid token", "path", r.URL.Path, "err", err)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validate parses and verifies one token string.
func (a *authenticator) validate(token string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	return err
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}
