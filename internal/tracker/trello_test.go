package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

func sampleCard() Card {
	return Card{
		Project:     "Codefolio",
		Description: "the deploy button does nothing",
		Priority:    models.PriorityHigh,
		Reporter:    "Dana",
	}
}

func TestNewTrelloClientRequiresCredentials(t *testing.T) {
	if _, err := NewTrelloClient(WithKey("k")); err == nil {
		t.Error("missing token should fail")
	}
	if _, err := NewTrelloClient(WithToken("t")); err == nil {
		t.Error("missing key should fail")
	}
	if _, err := NewTrelloClient(WithKey("k"), WithToken("t")); err != nil {
		t.Errorf("valid credentials failed: %v", err)
	}
}

func TestTrelloCreateCard(t *testing.T) {
	var form url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cards" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		form = r.PostForm
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewTrelloClient(WithKey("k"), WithToken("t"), WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("NewTrelloClient failed: %v", err)
	}

	if ok := client.CreateCard(context.Background(), "list-42", sampleCard()); !ok {
		t.Fatal("CreateCard reported failure for a 200 response")
	}
	if form.Get("idList") != "list-42" {
		t.Errorf("idList = %q", form.Get("idList"))
	}
	if form.Get("key") != "k" || form.Get("token") != "t" {
		t.Error("credentials missing from form")
	}
	name := form.Get("name")
	if !strings.HasPrefix(name, "[High]") || !strings.Contains(name, "deploy button") {
		t.Errorf("card name = %q", name)
	}
	if !strings.Contains(form.Get("desc"), "Reported by: Dana") {
		t.Errorf("card desc = %q", form.Get("desc"))
	}
}

func TestTrelloCreateCardFailuresReportFalse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewTrelloClient(WithKey("k"), WithToken("t"), WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("NewTrelloClient failed: %v", err)
	}

	if ok := client.CreateCard(context.Background(), "list-42", sampleCard()); ok {
		t.Error("rejected card creation reported success")
	}
	if ok := client.CreateCard(context.Background(), "", sampleCard()); ok {
		t.Error("empty list id reported success")
	}
}

func TestNoopTracker(t *testing.T) {
	if ok := (Noop{}).CreateCard(context.Background(), "list-42", sampleCard()); ok {
		t.Error("Noop tracker should always report false")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 80); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	long := strings.Repeat("ab", 60)
	got := truncate(long, 80)
	if len([]rune(got)) != 80 {
		t.Errorf("truncated length = %d runes", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated string should end with ellipsis: %q", got)
	}
}
