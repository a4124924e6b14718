package hub

import (
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry extracts the exp claim from a hub access token without
// verifying it; only the hub holds the signing key. Returns false when
// the token is not a JWT or carries no expiry.
func TokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// WarnIfExpiring logs when the access token is expired or ends within
// 30 days. Call once at startup; a dead token otherwise shows up only
// as endless auth_invalid reconnects.
func WarnIfExpiring(token string) {
	exp, ok := TokenExpiry(token)
	if !ok {
		return
	}
	switch {
	case time.Now().After(exp):
		log.Printf("[ERROR] Hub access token expired at %s", exp.Format(time.RFC3339))
	case time.Until(exp) < 30*24*time.Hour:
		log.Printf("[WARN] Hub access token expires %s", exp.Format(time.RFC3339))
	}
}
