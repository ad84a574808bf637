package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/acme/voice-agent-platform/internal/config"
	"github.com/acme/voice-agent-platform/internal/telephony"
)

func TestPlaceCallPostsFormAndReturnsSID(t *testing.T) {
	var gotPath, gotAuthUser string
	var gotForm map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuthUser, _, _ = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA777","status":"queued"}`))
	}))
	defer srv.Close()

	p, err := New(config.TelephonyConfig{
		AccountSID: "AC1",
		AuthToken:  "secret",
		APIBaseURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	res, err := p.PlaceCall(context.Background(), telephony.PlaceCallParams{
		To:                "+15550101",
		From:              "+15550100",
		StreamURL:         "wss://media.example.com/stream",
		StatusCallbackURL: "https://api.example.com/callbacks/call-status",
		CustomParams:      map[string]string{"agent_id": "a-1"},
		RingTimeout:       25,
	})
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	if res.ProviderCallID != "CA777" {
		t.Fatalf("call id = %q", res.ProviderCallID)
	}
	if res.Outcome != nil {
		t.Fatal("twilio provider must not resolve outcomes synchronously")
	}

	if gotPath != "/Accounts/AC1/Calls.json" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuthUser != "AC1" {
		t.Fatalf("basic auth user = %q", gotAuthUser)
	}
	if got := gotForm["To"]; len(got) != 1 || got[0] != "+15550101" {
		t.Fatalf("To = %v", got)
	}
	if got := gotForm["Timeout"]; len(got) != 1 || got[0] != "25" {
		t.Fatalf("Timeout = %v", got)
	}
	if got := gotForm["StatusCallback"]; len(got) != 1 || !strings.HasSuffix(got[0], "/callbacks/call-status") {
		t.Fatalf("StatusCallback = %v", got)
	}

	twiml := gotForm["Twiml"]
	if len(twiml) != 1 {
		t.Fatalf("Twiml = %v", twiml)
	}
	for _, want := range []string{
		`<Connect><Stream url="wss://media.example.com/stream">`,
		`<Parameter name="agent_id" value="a-1"/>`,
	} {
		if !strings.Contains(twiml[0], want) {
			t.Fatalf("twiml %q missing %q", twiml[0], want)
		}
	}
}

func TestPlaceCallSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"authentication failed"}`))
	}))
	defer srv.Close()

	p, err := New(config.TelephonyConfig{AccountSID: "AC1", AuthToken: "bad", APIBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := p.PlaceCall(context.Background(), telephony.PlaceCallParams{To: "+1", From: "+2"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(config.TelephonyConfig{}); err == nil {
		t.Fatal("expected error without credentials")
	}
}
