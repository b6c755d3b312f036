package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORS(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	corsHandler := CORS([]string{"http://localhost:5173", "http://agent.example.com"})(handler)

	tests := []struct {
		name       string
		origin     string
		wantOrigin string
	}{
		{"ui origin", "http://localhost:5173", "http://localhost:5173"},
		{"second origin", "http://agent.example.com", "http://agent.example.com"},
		{"foreign origin", "http://evil.com", ""},
		{"no origin", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/call", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			corsHandler.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight should not reach the handler")
	})
	corsHandler := CORS([]string{"http://localhost:5173"})(handler)

	tests := []struct {
		method  string
		allowed bool
	}{
		{http.MethodPut, true},
		{http.MethodPost, true},
		{http.MethodDelete, false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/agent/extension", nil)
			req.Header.Set("Origin", "http://localhost:5173")
			req.Header.Set("Access-Control-Request-Method", tt.method)
			rec := httptest.NewRecorder()
			corsHandler.ServeHTTP(rec, req)

			methods := rec.Header().Get("Access-Control-Allow-Methods")
			if got := strings.Contains(methods, tt.method); got != tt.allowed {
				t.Errorf("Access-Control-Allow-Methods = %q, want %s allowed=%v", methods, tt.method, tt.allowed)
			}
		})
	}
}
