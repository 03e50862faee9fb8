package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/satriahrh/rapat/adapters/llm"
	"github.com/satriahrh/rapat/adapters/memory"
	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/internal/metrics"
	"github.com/satriahrh/rapat/internal/transcript"
	"github.com/satriahrh/rapat/internal/websocket"
	"github.com/satriahrh/rapat/usecase"
)

type testServer struct {
	e   *echo.Echo
	log *transcript.Log
	hub *websocket.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	log := transcript.NewLog()
	hub := websocket.NewHub(log, websocket.Options{}, m, logger)
	repo := memory.NewMeetingRepository()
	meetings := usecase.NewMeetingService(repo, repo, llm.NewMockSummarizer(), log, hub, logger)

	e := echo.New()
	InitRoutes(e, Dependencies{
		Meetings: meetings,
		Hub:      hub,
		Metrics:  m,
		Gatherer: reg,
		Logger:   logger,
	})
	return &testServer{e: e, log: log, hub: hub}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to decode %q: %v", rec.Body.String(), err)
	}
}

const reserveBody = `{
	"name": "Weekly sync",
	"start_time": "2024-05-01T09:00:00Z",
	"end_time": "2024-05-01T10:00:00Z",
	"room": "A1",
	"attendees": [
		{"name": "Alice", "email_address": "alice@example.com", "role": "host"},
		{"name": "Bob"}
	]
}`

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("Unexpected body %v", body)
	}
}

func TestMeetingLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/meeting_detail", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 before reservation, got %d", rec.Code)
	}

	rec = s.do(http.MethodPost, "/reserve", reserveBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(http.MethodGet, "/meeting_detail", "")
	var detail usecase.MeetingDetail
	decode(t, rec, &detail)
	if detail.Meeting.Name != "Weekly sync" || len(detail.Attendees) != 2 {
		t.Errorf("Unexpected detail %+v", detail)
	}
	if detail.Attendees[0].Email != "alice@example.com" {
		t.Errorf("Expected attendee fields kept, got %+v", detail.Attendees[0])
	}

	rec = s.do(http.MethodGet, "/update_meeting/in_progress", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	rec = s.do(http.MethodGet, "/update_meeting/lunch", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown status, got %d", rec.Code)
	}

	rec = s.do(http.MethodPost, "/attend", `{"name":"Alice","client_id":"7"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = s.do(http.MethodPost, "/attend", `{"name":"Mallory","client_id":"9"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown attendee, got %d", rec.Code)
	}

	s.hub.CommitResult("7", entities.RecognitionResult{Text: "hello everyone", IsFinal: true})

	rec = s.do(http.MethodGet, "/transcript", "")
	var tr TranscriptResponse
	decode(t, rec, &tr)
	if len(tr.Items) != 1 || tr.Items[0].Speaker != "Alice" {
		t.Errorf("Expected resolved transcript, got %+v", tr.Items)
	}

	rec = s.do(http.MethodPost, "/end_meeting", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result usecase.EndMeetingResult
	decode(t, rec, &result)
	if result.Archived != 1 || result.Summary == "" {
		t.Errorf("Unexpected end result %+v", result)
	}
	if s.log.Len() != 0 {
		t.Error("Expected live transcript cleared")
	}

	rec = s.do(http.MethodPost, "/end_meeting", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for second end, got %d", rec.Code)
	}
}

func TestReserve_Invalid(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(http.MethodPost, "/reserve", `{"name": ""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing name, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/reserve", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestSummarize(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/summarize", `[{"timestamp":1714550400,"speaker":"Alice","text":"Budget approved"}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp SummaryResponse
	decode(t, rec, &resp)
	if resp.Summary != "1 utterances from Alice (1)." {
		t.Errorf("Unexpected summary %q", resp.Summary)
	}

	if rec := s.do(http.MethodPost, "/summarize", `[]`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty dialogue, got %d", rec.Code)
	}
}

func TestCategorize(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/categorize", `[{"timestamp":1714550400,"speaker":"Alice","text":"Is my visa still valid?"}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp CategoryResponse
	decode(t, rec, &resp)
	if resp.Category != "visa" {
		t.Errorf("Expected visa, got %q", resp.Category)
	}

	if rec := s.do(http.MethodPost, "/categorize", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/categorize", `[]`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty dialogue, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/health", "")

	rec := s.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rapat_http_requests_total") {
		t.Error("Expected HTTP request counter in metrics output")
	}
}

func TestAudioSocket_RejectsBadConfig(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/ws/audio/7?encoding=FLAC", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}
