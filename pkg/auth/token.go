package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

// Session tokens live for a week; clients re-login after that.
const tokenLifetime = 7 * 24 * time.Hour

const secretLen = 32

// Claims is the session token payload.
type Claims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// TokenManager mints and validates HS256 session tokens.
type TokenManager struct {
	secret []byte
}

// NewTokenManager loads the signing secret from path, generating and
// persisting one (0600) on first run.
func NewTokenManager(path string) (*TokenManager, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) >= secretLen {
		return &TokenManager{secret: data}, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("auth: read jwt secret: %w", err)
	}

	raw := make([]byte, secretLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("auth: generate jwt secret: %w", err)
	}
	secret := []byte(hex.EncodeToString(raw))
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("auth: write jwt secret: %w", err)
	}
	util.Infof("auth: generated new session signing secret")
	return &TokenManager{secret: secret}, nil
}

// Mint issues a signed token for user.
func (tm *TokenManager) Mint(username string, isAdmin bool) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		IsAdmin:  isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token, returning its claims. Expired or
// tampered tokens fail with ErrPermissionDenied so RPC maps them to the
// auth error code.
func (tm *TokenManager) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrPermissionDenied, err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}
