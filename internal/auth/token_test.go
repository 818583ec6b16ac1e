package auth

import (
	"testing"
)

func TestIssueAndValidate(t *testing.T) {
	ts := NewTokenService("test-secret")

	token, err := ts.Issue("u1", "Ada")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	claims, err := ts.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if claims.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", claims.UserID)
	}
	if claims.Name != "Ada" {
		t.Errorf("Name = %q, want Ada", claims.Name)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := NewTokenService("secret-a").Issue("u1", "Ada")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if _, err := NewTokenService("secret-b").Validate(token); err == nil {
		t.Error("Validate() accepted token signed with a different secret")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	if _, err := NewTokenService("s").Validate("not-a-token"); err == nil {
		t.Error("Validate() accepted garbage")
	}
}
