package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrRoomMismatch is returned when a valid token was issued for another room.
var ErrRoomMismatch = errors.New("bootstrap token issued for another room")

// BootstrapClaims authorize one privileged room initialization.
// The subject is the room id.
type BootstrapClaims struct {
	jwt.RegisteredClaims
}

func SignBootstrap(secret []byte, roomID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := BootstrapClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   roomID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(secret)
}

func VerifyBootstrap(secret []byte, token, roomID string) error {
	t, err := jwt.ParseWithClaims(token, &BootstrapClaims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return err
	}

	claims, ok := t.Claims.(*BootstrapClaims)
	if !ok || !t.Valid {
		return jwt.ErrTokenInvalidClaims
	}
	if claims.Subject != roomID {
		return ErrRoomMismatch
	}
	return nil
}
