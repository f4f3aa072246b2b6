package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

type recordedRequest struct {
	method string
	path   string
	auth   string
	body   map[string]interface{}
}

func newWhapiTestService(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, rec *recordedRequest)) (*WhapiService, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.auth = r.Header.Get("Authorization")
		if r.Body != nil {
			var body map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				rec.body = body
			}
		}
		handler(w, r, rec)
	}))
	t.Cleanup(server.Close)

	svc, err := NewWhapiService(nil, WithBaseURL(server.URL), WithToken("test-token"))
	if err != nil {
		t.Fatalf("NewWhapiService failed: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc, rec
}

func TestNewWhapiServiceRequiresCredentials(t *testing.T) {
	if _, err := NewWhapiService(nil, WithToken("t")); err == nil {
		t.Error("missing base URL should fail")
	}
	if _, err := NewWhapiService(nil, WithBaseURL("https://example.test")); err == nil {
		t.Error("missing token should fail")
	}
}

func TestWhapiSendText(t *testing.T) {
	svc, rec := newWhapiTestService(t, func(w http.ResponseWriter, r *http.Request, rec *recordedRequest) {
		w.WriteHeader(http.StatusOK)
	})

	if err := svc.SendText(context.Background(), "15551234567", "hello there"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if rec.method != http.MethodPost || rec.path != "/messages/text" {
		t.Errorf("request = %s %s", rec.method, rec.path)
	}
	if rec.auth != "Bearer test-token" {
		t.Errorf("auth header = %q", rec.auth)
	}
	if rec.body["to"] != "15551234567" || rec.body["body"] != "hello there" {
		t.Errorf("request body = %v", rec.body)
	}

	if err := svc.SendText(context.Background(), "", "x"); err == nil {
		t.Error("empty recipient should fail")
	}
	if err := svc.SendText(context.Background(), "15551234567", ""); err == nil {
		t.Error("empty body should fail")
	}
}

func TestWhapiSendTextProviderError(t *testing.T) {
	svc, _ := newWhapiTestService(t, func(w http.ResponseWriter, r *http.Request, rec *recordedRequest) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	if err := svc.SendText(context.Background(), "15551234567", "hello"); err == nil {
		t.Error("non-2xx provider response should fail")
	}
}

func TestWhapiSendChoicePrompt(t *testing.T) {
	svc, rec := newWhapiTestService(t, func(w http.ResponseWriter, r *http.Request, rec *recordedRequest) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sent": true, "message": {"id": "poll-abc"}}`))
	})

	pollID, err := svc.SendChoicePrompt(context.Background(), "15551234567", "Which project?", []string{"Codefolio", "Atlas"})
	if err != nil {
		t.Fatalf("SendChoicePrompt failed: %v", err)
	}
	if pollID != "poll-abc" {
		t.Errorf("pollID = %q", pollID)
	}
	if rec.path != "/messages/poll" {
		t.Errorf("path = %q", rec.path)
	}
	if rec.body["title"] != "Which project?" {
		t.Errorf("title = %v", rec.body["title"])
	}
	if count, ok := rec.body["count"].(float64); !ok || count != 1 {
		t.Errorf("count = %v, want single-select poll", rec.body["count"])
	}

	if _, err := svc.SendChoicePrompt(context.Background(), "15551234567", "x", nil); err == nil {
		t.Error("prompt without options should fail")
	}
}

func TestWhapiFetchPollResult(t *testing.T) {
	svc, rec := newWhapiTestService(t, func(w http.ResponseWriter, r *http.Request, rec *recordedRequest) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"poll": {"results": [
			{"id": "opt-a", "name": "Codefolio", "count": 0},
			{"id": "opt-b", "name": "Atlas", "count": 1}
		]}}`))
	})

	options, err := svc.FetchPollResult(context.Background(), "poll-abc")
	if err != nil {
		t.Fatalf("FetchPollResult failed: %v", err)
	}
	if rec.method != http.MethodGet || rec.path != "/messages/poll-abc" {
		t.Errorf("request = %s %s", rec.method, rec.path)
	}
	want := []models.PollOption{
		{ID: "opt-a", Label: "Codefolio", Count: 0},
		{ID: "opt-b", Label: "Atlas", Count: 1},
	}
	if len(options) != len(want) {
		t.Fatalf("options = %v", options)
	}
	for i := range want {
		if options[i] != want[i] {
			t.Errorf("option %d = %+v, want %+v", i, options[i], want[i])
		}
	}
}

func TestWhapiIngestWebhookEmitsInteractions(t *testing.T) {
	svc, _ := newWhapiTestService(t, func(w http.ResponseWriter, r *http.Request, rec *recordedRequest) {
		w.WriteHeader(http.StatusOK)
	})

	body := []byte(`{"messages": [
		{"id": "m1", "chat_id": "15551234567", "from_name": "Dana", "type": "text", "text": {"body": "hello"}},
		{"id": "m2", "chat_id": "15551234567", "from_me": true, "type": "text", "text": {"body": "echo"}}
	]}`)
	if err := svc.IngestWebhook(context.Background(), body); err != nil {
		t.Fatalf("IngestWebhook failed: %v", err)
	}

	select {
	case in := <-svc.Interactions():
		if in.Payload != "hello" || in.MessageID != "m1" {
			t.Errorf("interaction = %+v", in)
		}
	case <-time.After(time.Second):
		t.Fatal("no interaction emitted")
	}

	select {
	case in := <-svc.Interactions():
		t.Errorf("self-originated message emitted: %+v", in)
	default:
	}

	if err := svc.IngestWebhook(context.Background(), []byte("{bad json")); err == nil {
		t.Error("malformed payload should fail")
	}
}

func TestWhapiStopIsIdempotent(t *testing.T) {
	svc, _ := newWhapiTestService(t, func(w http.ResponseWriter, r *http.Request, rec *recordedRequest) {})
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	// Ingesting after Stop must not panic on the closed channel.
	body := []byte(`{"messages": [{"id": "m1", "chat_id": "c1", "type": "text", "text": {"body": "late"}}]}`)
	if err := svc.IngestWebhook(context.Background(), body); err != nil {
		t.Fatalf("IngestWebhook after Stop failed: %v", err)
	}
}
