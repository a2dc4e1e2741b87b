package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates a token that failed signature or claim checks
	ErrInvalidToken = errors.New("invalid token")
	// ErrWrongTokenUse indicates an access token presented where a refresh
	// token was expected, or vice versa
	ErrWrongTokenUse = errors.New("wrong token use")
)

// Claims are the JWT claims carried by Dealscope session tokens
type Claims struct {
	UserID string `json:"uid"`
	OrgID  string `json:"org"`
	Role   string `json:"role"`
	Email  string `json:"email"`
	// TokenUse distinguishes access from refresh tokens ("access"/"refresh")
	TokenUse string `json:"use"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 session tokens
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenIssuer creates a TokenIssuer with the given signing secret and TTLs
func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// IssuePair mints an access/refresh token pair for a user within an org
func (t *TokenIssuer) IssuePair(userID, orgID string, role Role, email string) (*TokenPair, error) {
	access, err := t.mint(userID, orgID, role, email, "access", t.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("minting access token: %w", err)
	}
	refresh, err := t.mint(userID, orgID, role, email, "refresh", t.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("minting refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(t.accessTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

func (t *TokenIssuer) mint(userID, orgID string, role Role, email, use string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		OrgID:    orgID,
		Role:     string(role),
		Email:    email,
		TokenUse: use,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "dealscope",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// VerifyAccess validates an access token and returns its claims
func (t *TokenIssuer) VerifyAccess(tokenString string) (*Claims, error) {
	return t.verify(tokenString, "access")
}

// VerifyRefresh validates a refresh token and returns its claims
func (t *TokenIssuer) VerifyRefresh(tokenString string) (*Claims, error) {
	return t.verify(tokenString, "refresh")
}

func (t *TokenIssuer) verify(tokenString, use string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenUse != use {
		return nil, ErrWrongTokenUse
	}
	return claims, nil
}

// HashToken returns the hex SHA-256 digest of a token. Only the digest
// is persisted; presented refresh tokens are hashed and compared.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
