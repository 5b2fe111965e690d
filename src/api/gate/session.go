package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const HeaderSession = "X-Lease-Session"

// IssueSession signs a short-lived token naming the payer, for the free
// endpoints that still need to know who is calling.
func IssueSession(payer string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"addr": payer,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}

// ParseSession returns the payer named by a session token.
func ParseSession(raw string, secret []byte) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid session: %w", err)
	}
	if !tok.Valid {
		return "", errors.New("invalid session")
	}
	addr, _ := tok.Claims.(jwt.MapClaims)["addr"].(string)
	if addr == "" {
		return "", errors.New("invalid session: no addr claim")
	}
	return addr, nil
}
