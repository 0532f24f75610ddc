// Package auth verifies the identity tokens issued by the profile service.
// A token carries the caller's id and role; the dispatch service trusts
// nothing else about who is on the other end of a connection.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"` // rider | driver | admin
	jwt.RegisteredClaims
}

type JWTService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTService(secret string, ttl time.Duration) *JWTService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// GenerateToken signs a token for userID. The service itself only issues
// tokens for tests and local tooling.
func (s *JWTService) GenerateToken(userID string, role models.ActorRole) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: userID,
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "ride-dispatch",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Actor resolves a token to the identity used for lifecycle checks.
func (s *JWTService) Actor(tokenString string) (models.Actor, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return models.Actor{}, err
	}
	role := models.ActorRole(claims.Role)
	switch role {
	case models.RoleRider, models.RoleDriver, models.RoleAdmin:
	default:
		return models.Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	if claims.UserID == "" {
		return models.Actor{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	return models.Actor{ID: claims.UserID, Role: role}, nil
}
