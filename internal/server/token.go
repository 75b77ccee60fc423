package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-listen-together/internal/types"
)

const DefaultTokenTTL = 24 * time.Hour

var ErrInvalidToken = errors.New("invalid session token")

// SessionClaims identify a member of a room across connections.
type SessionClaims struct {
	RoomCode string
	UserId   string
	Role     types.RoomRole
}

type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

func NewTokenIssuer(key []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{key: key, ttl: ttl}
}

func (ti *TokenIssuer) Issue(c SessionClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  c.UserId,
		"room": c.RoomCode,
		"role": c.Role.String(),
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(ti.ttl).Unix(),
	})
	return token.SignedString(ti.key)
}

func (ti *TokenIssuer) Verify(tokenString string) (SessionClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.key, nil
	})
	if err != nil {
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return SessionClaims{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	room, _ := claims["room"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || room == "" {
		return SessionClaims{}, fmt.Errorf("%w: missing claims", ErrInvalidToken)
	}

	sc := SessionClaims{RoomCode: room, UserId: sub, Role: types.RoleGuest}
	if role == types.RoleHost.String() {
		sc.Role = types.RoleHost
	}
	return sc, nil
}
