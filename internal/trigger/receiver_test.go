package trigger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/events"
)

type captureSink struct {
	got []events.Event
}

func (c *captureSink) Submit(ev events.Event) {
	c.got = append(c.got, ev)
}

func TestHandleEvent(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantEvents int
	}{
		{
			name:       "ringing call",
			method:     http.MethodPost,
			body:       `{"type":"call_ringing","sessionId":"A","phoneNumber":"+1 555 010 2000","direction":"inbound"}`,
			wantStatus: http.StatusAccepted,
			wantEvents: 1,
		},
		{
			name:       "invalid json",
			method:     http.MethodPost,
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no identity",
			method:     http.MethodPost,
			body:       `{"type":"call_ended"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown type",
			method:     http.MethodPost,
			body:       `{"type":"agent_login","sessionId":"A"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "wrong method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captureSink{}
			r := NewReceiver(sink, clockwork.NewFakeClock(), zerolog.New(&bytes.Buffer{}))

			req := httptest.NewRequest(tt.method, "/internal/event", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			r.HandleEvent(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if len(sink.got) != tt.wantEvents {
				t.Fatalf("expected %d submitted events, got %d", tt.wantEvents, len(sink.got))
			}
			if tt.wantEvents > 0 {
				ev := sink.got[0]
				if ev.Source != events.SourceSynthetic {
					t.Errorf("expected synthetic source, got %s", ev.Source)
				}
				if ev.Kind != events.KindNewCall || ev.SessionID != "A" || ev.PhoneNumber != "5550102000" {
					t.Errorf("unexpected event %+v", ev)
				}
			}
		})
	}
}

func TestGetStats(t *testing.T) {
	r := NewReceiver(&captureSink{}, clockwork.NewFakeClock(), zerolog.New(&bytes.Buffer{}))

	for _, body := range []string{`{"type":"call_ended","sessionId":"A"}`, `{}`} {
		r.HandleEvent(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/internal/event", strings.NewReader(body)))
	}

	rec := httptest.NewRecorder()
	r.GetStats(rec, httptest.NewRequest(http.MethodGet, "/internal/event/stats", nil))

	var stats map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if stats["events_received"] != float64(1) || stats["events_rejected"] != float64(1) {
		t.Errorf("unexpected stats %v", stats)
	}
}
