package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/miniapphost/runtime/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func okHandler(subject *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject != nil {
			*subject = Subject(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthValidToken(t *testing.T) {
	auth := NewAuth(testSecret, nil, logger.Nop())
	var gotSubject string
	handler := auth.Handler(okHandler(&gotSubject))

	token := signToken(t, testSecret, &Claims{
		Subject: "admin-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotSubject != "admin-1" {
		t.Errorf("subject = %q", gotSubject)
	}
}

func TestAuthRejections(t *testing.T) {
	auth := NewAuth(testSecret, nil, logger.Nop())
	handler := auth.Handler(okHandler(nil))

	expired := signToken(t, testSecret, &Claims{
		Subject: "admin-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	wrongKey := signToken(t, "other-secret", &Claims{Subject: "admin-1"})

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not a bearer token", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong key", "Bearer " + wrongKey},
		{"expired", "Bearer " + expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestAuthSkipPaths(t *testing.T) {
	auth := NewAuth(testSecret, []string{"/health"}, logger.Nop())
	handler := auth.Handler(okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("skip path rejected: %d", rec.Code)
	}
}

func TestAuthEmptySecretDisablesAuth(t *testing.T) {
	auth := NewAuth("", nil, logger.Nop())
	handler := auth.Handler(okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want auth disabled", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, logger.Nop())
	handler := rl.Handler(okHandler(nil))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Errorf("burst requests rejected: %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", statuses[2])
	}

	// A different caller has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("independent caller limited: %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	cors := NewCORS([]string{"console.example.com", "example.com"})
	handler := cors.Handler(okHandler(nil))

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{"exact host", "https://console.example.com", true},
		{"subdomain of allowed domain", "https://admin.example.com", true},
		{"other port", "https://console.example.com:8443", true},
		{"unrelated host", "https://evil.example.net", false},
		{"allowed domain embedded in another host", "https://evil-example.com", false},
		{"allowed domain as a prefix", "https://example.com.evil.net", false},
		{"not a url", "example.com", false},
		{"empty origin", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			got := rec.Header().Get("Access-Control-Allow-Origin")
			if tt.allowed && got != tt.origin {
				t.Errorf("allow-origin = %q, want %q", got, tt.origin)
			}
			if !tt.allowed && got != "" {
				t.Errorf("disallowed origin got headers: %q", got)
			}
		})
	}

	// Preflight short-circuits.
	req := httptest.NewRequest(http.MethodOptions, "/v1/instances", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight = %d", rec.Code)
	}
}
