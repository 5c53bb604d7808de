package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testSecret = []byte("test-secret-for-banditclaw")

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("alex", RoleReviewer, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ValidateToken(token, testSecret)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "alex" {
		t.Errorf("subject = %s, want alex", claims.Subject)
	}
	if claims.Role != RoleReviewer {
		t.Errorf("role = %s, want %s", claims.Role, RoleReviewer)
	}
}

func TestValidateTokenRejectsBadInput(t *testing.T) {
	if _, err := ValidateToken("not-a-jwt", testSecret); err != ErrInvalidToken {
		t.Errorf("garbage token err = %v, want ErrInvalidToken", err)
	}

	token, err := GenerateToken("alex", RoleReviewer, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ValidateToken(token, []byte("wrong-secret")); err != ErrInvalidToken {
		t.Errorf("wrong secret err = %v, want ErrInvalidToken", err)
	}

	expired, err := GenerateToken("alex", RoleReviewer, testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("generate expired: %v", err)
	}
	if _, err := ValidateToken(expired, testSecret); err != ErrExpiredToken {
		t.Errorf("expired err = %v, want ErrExpiredToken", err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := GetClaims(r)
		if err != nil {
			t.Errorf("claims missing in authenticated request: %v", err)
		} else if claims.Subject != "alex" {
			t.Errorf("subject = %s", claims.Subject)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	handler := AuthMiddleware(testSecret)(inner)

	// No header.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing header status = %d, want 401", rec.Code)
	}

	// Malformed header.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token abc")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("malformed header status = %d, want 401", rec.Code)
	}

	// Valid bearer token.
	token, err := GenerateToken("alex", RoleReviewer, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("valid token status = %d, want 204", rec.Code)
	}
}

func TestAuthMiddlewareDevMode(t *testing.T) {
	handler := AuthMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("dev mode status = %d, want pass-through 204", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := AuthMiddleware(testSecret)(RequireRole(RoleReviewer, testSecret, inner))

	// Reviewer passes.
	token, err := GenerateToken("alex", RoleReviewer, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("reviewer status = %d, want 204", rec.Code)
	}

	// Non-reviewer is forbidden.
	token, err = GenerateToken("bot", "observer", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("observer status = %d, want 403", rec.Code)
	}
}
