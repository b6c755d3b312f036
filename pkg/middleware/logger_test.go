package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/metrics"
)

func serve(t *testing.T, handler http.Handler, path string) map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	h := chimiddleware.RequestID(Logger(zerolog.New(&buf))(handler))

	req := httptest.NewRequest(http.MethodGet, path, nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		handler    http.HandlerFunc
		wantStatus int
		wantLevel  string
		wantBytes  float64
	}{
		{
			name: "ok",
			path: "/api/call",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("OK"))
			},
			wantStatus: http.StatusOK,
			wantLevel:  "info",
			wantBytes:  2,
		},
		{
			name: "client error stays info",
			path: "/api/call/bogus",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "unknown action", http.StatusBadRequest)
			},
			wantStatus: http.StatusBadRequest,
			wantLevel:  "info",
			wantBytes:  float64(len("unknown action\n")),
		},
		{
			name: "server error logs at error",
			path: "/api/call/open",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantStatus: http.StatusServiceUnavailable,
			wantLevel:  "error",
		},
		{
			name:       "nothing written counts as 200",
			path:       "/ws",
			handler:    func(w http.ResponseWriter, r *http.Request) {},
			wantStatus: http.StatusOK,
			wantLevel:  "info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := metrics.Get().HTTPRequests(tt.path, tt.wantStatus)

			entry := serve(t, tt.handler, tt.path)

			if entry["level"] != tt.wantLevel {
				t.Errorf("expected level %s, got %v", tt.wantLevel, entry["level"])
			}
			if entry["status"] != float64(tt.wantStatus) {
				t.Errorf("expected status %d, got %v", tt.wantStatus, entry["status"])
			}
			if entry["path"] != tt.path {
				t.Errorf("expected path %s, got %v", tt.path, entry["path"])
			}
			if entry["method"] != "GET" {
				t.Errorf("expected method GET, got %v", entry["method"])
			}
			if entry["bytes"] != tt.wantBytes {
				t.Errorf("expected %v bytes, got %v", tt.wantBytes, entry["bytes"])
			}
			if id, _ := entry["request_id"].(string); id == "" {
				t.Errorf("expected request_id from the request id middleware, got %v", entry["request_id"])
			}
			if entry["message"] != "request completed" {
				t.Errorf("expected message 'request completed', got %v", entry["message"])
			}

			if got := metrics.Get().HTTPRequests(tt.path, tt.wantStatus) - before; got != 1 {
				t.Errorf("expected one request counted for %s %d, got %d", tt.path, tt.wantStatus, got)
			}
		})
	}
}

func TestLoggerWithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	handler := Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/internal/event", nil))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if _, ok := entry["request_id"]; ok {
		t.Errorf("expected no request_id field, got %v", entry["request_id"])
	}
	if entry["status"] != float64(http.StatusNoContent) {
		t.Errorf("expected status 204, got %v", entry["status"])
	}
}
