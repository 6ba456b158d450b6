package auth

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "test-secret-key-must-be-32-chars!"

func TestNewJWTService_ShortSecret(t *testing.T) {
	for _, secret := range []string{"", "short"} {
		if _, err := NewJWTService(JWTConfig{Secret: secret}); !errors.Is(err, ErrInvalidSecretLength) {
			t.Fatalf("secret %q: expected ErrInvalidSecretLength, got %v", secret, err)
		}
	}
}

func TestIssueAndValidate(t *testing.T) {
	service, err := NewJWTService(JWTConfig{Secret: testSecret, TokenDuration: time.Hour})
	if err != nil {
		t.Fatalf("NewJWTService: %v", err)
	}

	tok, err := service.Issue("ops", RoleAdmin)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok.TokenType != "Bearer" {
		t.Errorf("Expected Bearer token type, got %q", tok.TokenType)
	}
	if time.Until(tok.ExpiresAt) <= 59*time.Minute {
		t.Errorf("Expected expiry about an hour away, got %v", tok.ExpiresAt)
	}

	claims, err := service.Validate(tok.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "ops" {
		t.Errorf("Expected subject 'ops', got %q", claims.Subject)
	}
	if !claims.IsAdmin() {
		t.Error("Expected admin claims")
	}
	if claims.Issuer != "nfsproxy" {
		t.Errorf("Expected default issuer, got %q", claims.Issuer)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	issuer, _ := NewJWTService(JWTConfig{Secret: testSecret})
	other, _ := NewJWTService(JWTConfig{Secret: "another-secret-key-also-32-chars!!"})

	tok, err := issuer.Issue("ops", RoleAdmin)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := other.Validate(tok.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	service, _ := NewJWTService(JWTConfig{Secret: testSecret, TokenDuration: -time.Minute})

	tok, err := service.Issue("ops", RoleAdmin)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := service.Validate(tok.AccessToken); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("Expected ErrExpiredToken, got %v", err)
	}
}

func TestValidate_Garbage(t *testing.T) {
	service, _ := NewJWTService(JWTConfig{Secret: testSecret})
	if _, err := service.Validate("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestClaims_Viewer(t *testing.T) {
	c := &Claims{Role: "viewer"}
	if c.IsAdmin() {
		t.Error("viewer must not be admin")
	}
}
