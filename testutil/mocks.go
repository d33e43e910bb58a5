package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockOAuthServer is a test server that answers OAuth token requests and any
// extra routes registered in Handlers.
type MockOAuthServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []string
}

// NewMockOAuthServer creates a new mock OAuth provider.
func NewMockOAuthServer(t *testing.T) *MockOAuthServer {
	t.Helper()
	m := &MockOAuthServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests = append(m.requests, r.URL.Path)
		m.mu.Unlock()
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// TokenURL is the token endpoint served by MockTokenResponse.
func (m *MockOAuthServer) TokenURL() string { return m.URL + "/token" }

// MockTokenResponse answers /token with a bearer token valid for expiresIn seconds.
func (m *MockOAuthServer) MockTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handlers["/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "Bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockTokenError answers /token with an OAuth error body.
func (m *MockOAuthServer) MockTokenError(status int, code string) {
	m.Handlers["/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code}) //nolint:errcheck // test mock response
	}
}

// Requests returns the paths served so far.
func (m *MockOAuthServer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}
