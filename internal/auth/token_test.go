package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validClaims(exp time.Time) Claims {
	return Claims{Sub: "user-1", Name: "Avery", Color: "#ff8800", JTI: "jti-1", Exp: exp.Unix()}
}

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	now := time.Now()
	issued, err := IssueToken(secret, validClaims(now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued, now)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Name != "Avery" || claims.Color != "#ff8800" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	now := time.Now()
	issued, err := IssueToken(secret, validClaims(now.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued, now); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	now := time.Now()
	issued, err := IssueToken([]byte("secret"), validClaims(now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	payload, signature, _ := strings.Cut(issued, ".")

	cases := map[string]string{
		"wrong secret": issued,
		"no signature": payload,
		"extra part":   issued + ".x",
		"bad payload":  "e30." + signature,
	}
	for name, token := range cases {
		secret := []byte("secret")
		if name == "wrong secret" {
			secret = []byte("other")
		}
		if _, err := ParseToken(secret, token, now); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: ParseToken() error = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestParseTokenRejectsIncompleteClaims(t *testing.T) {
	secret := []byte("secret")
	now := time.Now()
	claims := validClaims(now.Add(time.Hour))
	claims.JTI = ""
	issued, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ParseToken() error = %v, want ErrInvalidToken", err)
	}
}
