package roles

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Service is the in-process role registry. It implements Authorizer and
// issues role-bearing JWTs for the HTTP surface.
type Service struct {
	mu        sync.RWMutex
	grants    map[string]Role // caller address -> role bitmask
	jwtSecret string
	tokenTTL  time.Duration
}

// Claims are the JWT claims carried by operator tokens.
type Claims struct {
	Caller string `json:"caller"`
	Roles  uint8  `json:"roles"`
	jwt.RegisteredClaims
}

// NewService creates a role service.
func NewService(jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL == 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		grants:    make(map[string]Role),
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

// Grant adds roles to a caller. Additive.
func (s *Service) Grant(caller string, role Role) {
	s.mu.Lock()
	s.grants[caller] |= role
	s.mu.Unlock()
}

// Revoke removes roles from a caller.
func (s *Service) Revoke(caller string, role Role) {
	s.mu.Lock()
	s.grants[caller] &^= role
	s.mu.Unlock()
}

// IsAuthorized reports whether the caller holds the given role.
func (s *Service) IsAuthorized(role Role, caller string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants[caller]&role != 0
}

// IssueToken mints a JWT carrying the caller's current role bitmask.
func (s *Service) IssueToken(caller string) (string, error) {
	s.mu.RLock()
	granted := s.grants[caller]
	s.mu.RUnlock()

	now := time.Now()
	claims := &Claims{
		Caller: caller,
		Roles:  uint8(granted),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			Subject:   caller,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a JWT and returns the caller plus the role bitmask
// it was minted with. Role checks still go through IsAuthorized so a revoke
// takes effect before token expiry.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", 0, ErrTokenExpired
		}
		return "", 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", 0, ErrInvalidToken
	}

	return claims.Caller, Role(claims.Roles), nil
}
