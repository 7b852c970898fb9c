// ABOUTME: Unlock grant signing and verification
// ABOUTME: HS256 JWTs naming the account token in the sub claim

package binding

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Grant errors
var (
	ErrInvalidGrant = errors.New("invalid grant")
	ErrExpiredGrant = errors.New("grant expired")
)

func (p *Protocol) signGrant(accountToken string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(p.opts.GrantTTL)

	claims := jwt.MapClaims{
		"sub": accountToken,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.opts.JWTSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyGrant validates a grant token and returns the account token it
// names. Callers still pass the result through AuthorizeOperation before
// mutating anything.
func (p *Protocol) VerifyGrant(tokenString string) (accountToken string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.opts.JWTSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredGrant
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}

	if !token.Valid {
		return "", ErrInvalidGrant
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidGrant
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", ErrInvalidGrant
	}
	return sub, nil
}
