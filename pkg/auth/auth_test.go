package auth

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

func TestCheckPasswordStrength(t *testing.T) {
	tests := []struct {
		password string
		ok       bool
	}{
		{"S3cret!pw", true},
		{"Abcdefg_", true},
		{"short!A", false},
		{"alllower!1", false},
		{"ALLUPPER!1", false},
		{"NoSpecial11", false},
		{"", false},
	}
	for _, tt := range tests {
		err := CheckPasswordStrength(tt.password)
		if tt.ok && err != nil {
			t.Errorf("%q rejected: %v", tt.password, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%q accepted", tt.password)
		}
	}

	if err := CheckPasswordStrength("x"); !errors.Is(err, util.ErrValidationFailed) {
		t.Errorf("strength failures should wrap ErrValidationFailed, got %v", err)
	}
}

func TestHashVerifyPassword(t *testing.T) {
	phc, err := HashPassword("S3cret!pw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(phc, "$argon2id$v=19$") {
		t.Errorf("hash %q is not a PHC argon2id string", phc)
	}

	ok, err := VerifyPassword("S3cret!pw", phc)
	if err != nil || !ok {
		t.Errorf("correct password rejected: ok=%v err=%v", ok, err)
	}
	ok, err = VerifyPassword("wrong", phc)
	if err != nil || ok {
		t.Errorf("wrong password accepted: ok=%v err=%v", ok, err)
	}

	// Two hashes of the same password differ (random salt)
	phc2, _ := HashPassword("S3cret!pw")
	if phc == phc2 {
		t.Error("salt reuse: identical hashes for identical passwords")
	}

	if _, err := VerifyPassword("x", "$bcrypt$whatever"); err == nil {
		t.Error("foreign hash format should error")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt.secret")
	tm, err := NewTokenManager(path)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}

	token, err := tm.Mint("alice", false)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	claims, err := tm.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Username != "alice" || claims.IsAdmin {
		t.Errorf("claims = %+v", claims)
	}

	// Secret persists across restarts
	tm2, err := NewTokenManager(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := tm2.Validate(token); err != nil {
		t.Errorf("token invalid after secret reload: %v", err)
	}
}

func TestTokenTamper(t *testing.T) {
	dir := t.TempDir()
	tm, _ := NewTokenManager(filepath.Join(dir, "a.secret"))
	other, _ := NewTokenManager(filepath.Join(dir, "b.secret"))

	token, _ := tm.Mint("alice", true)
	if _, err := other.Validate(token); err == nil {
		t.Error("token signed with a different secret should fail")
	} else if !errors.Is(err, util.ErrPermissionDenied) {
		t.Errorf("validation failure should wrap ErrPermissionDenied, got %v", err)
	}

	if _, err := tm.Validate(token + "x"); err == nil {
		t.Error("tampered token should fail")
	}
}
