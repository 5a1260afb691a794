package utils

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ridealong/ridealong-backend/internal/models"
	"gorm.io/gorm"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	user := &models.User{
		Model: gorm.Model{ID: 42},
		Email: "user@example.com",
	}

	tokenString, err := GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	token, err := ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if !token.Valid {
		t.Fatal("expected token to be valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatal("expected map claims")
	}
	if id, _ := claims["id"].(float64); uint(id) != user.ID {
		t.Errorf("expected id claim %d, got %v", user.ID, claims["id"])
	}
	if claims["email"] != user.Email {
		t.Errorf("expected email claim %q, got %v", user.Email, claims["email"])
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	user := &models.User{Model: gorm.Model{ID: 1}, Email: "user@example.com"}
	tokenString, err := GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	t.Setenv("JWT_SECRET", "different-secret")
	if _, err := ValidateToken(tokenString); err == nil {
		t.Error("expected validation to fail with a different secret")
	}
}
