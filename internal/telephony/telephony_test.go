package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
)

func TestTwilioPlaceCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Calls.json" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Fatalf("unexpected basic auth: %s/%s", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("To"); got != "+15551234567" {
			t.Fatalf("unexpected To: %s", got)
		}
		if got := r.PostForm.Get("From"); got != "+15550000000" {
			t.Fatalf("unexpected From: %s", got)
		}
		if got := r.PostForm.Get("Url"); got != "https://screener.example/twilio/voice-webhook" {
			t.Fatalf("unexpected Url: %s", got)
		}
		if got := r.PostForm.Get("StatusCallback"); got != "https://screener.example/twilio/status-callback" {
			t.Fatalf("unexpected StatusCallback: %s", got)
		}
		if got := strings.Join(r.PostForm["StatusCallbackEvent"], ","); got != "initiated,ringing,answered,completed" {
			t.Fatalf("unexpected events: %s", got)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA42","status":"queued"}`))
	}))
	defer srv.Close()

	client := NewTwilio(nil, "AC123", "secret", "+15550000000", "https://screener.example/")
	client.APIURL = srv.URL
	client.HTTPClient = srv.Client()

	sid, err := client.PlaceCall(context.Background(), "+15551234567")
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	if sid != "CA42" {
		t.Fatalf("unexpected sid: %s", sid)
	}
}

func TestTwilioPlaceCallErrors(t *testing.T) {
	if _, err := NewTwilio(nil, "", "secret", "+1", "https://x").PlaceCall(context.Background(), "+1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"The 'To' number is not a valid phone number.","status":400}`))
	}))
	defer srv.Close()

	client := NewTwilio(nil, "AC123", "secret", "+15550000000", "https://screener.example")
	client.APIURL = srv.URL
	client.HTTPClient = srv.Client()

	_, err := client.PlaceCall(context.Background(), "nope")
	if !errors.Is(err, ErrCallRejected) || !strings.Contains(err.Error(), "21211") {
		t.Fatalf("expected rejected call error, got %v", err)
	}

	srv.Close()
	if _, err := client.PlaceCall(context.Background(), "+15551234567"); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestDryRunPlaceCall(t *testing.T) {
	d := NewDryRun(nil)
	first, err := d.PlaceCall(context.Background(), "+15551234567")
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	second, _ := d.PlaceCall(context.Background(), "+15551234567")

	if !regexp.MustCompile(`^CA[0-9a-f]{32}$`).MatchString(first) {
		t.Fatalf("unexpected call id format: %s", first)
	}
	if first == second {
		t.Fatal("expected unique call ids")
	}
	if _, err := d.PlaceCall(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty number")
	}
}

func TestTwiML(t *testing.T) {
	resp := NewResponse().Speak("", "Hi & welcome", "")
	resp.Gather(SpeechGather("https://x/twilio/process-response/CA1").Speak("https://x/audio/q1.wav", "First?", ""))
	resp.Say("I didn't catch that. Let me try again.", DefaultVoice).Redirect("https://x/twilio/voice-webhook").Hangup()

	data, err := resp.Bytes()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	got := string(data)

	want := `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<Response>` +
		`<Say voice="Polly.Joanna">Hi &amp; welcome</Say>` +
		`<Gather input="speech" action="https://x/twilio/process-response/CA1" method="POST" speechTimeout="10" timeout="30" language="en-US">` +
		`<Play>https://x/audio/q1.wav</Play>` +
		`</Gather>` +
		`<Say voice="Polly.Joanna">I didn&#39;t catch that. Let me try again.</Say>` +
		`<Redirect method="POST">https://x/twilio/voice-webhook</Redirect>` +
		`<Hangup></Hangup>` +
		`</Response>`
	if got != want {
		t.Fatalf("unexpected TwiML:\n got: %s\nwant: %s", got, want)
	}
}

func TestURLs(t *testing.T) {
	if got := ProcessResponseURL("https://x/", "CA1"); got != "https://x/twilio/process-response/CA1" {
		t.Fatalf("unexpected process url: %s", got)
	}
	if got := AudioURL("https://x", "a.wav"); got != "https://x/audio/a.wav" {
		t.Fatalf("unexpected audio url: %s", got)
	}
}

func TestValidateSignature(t *testing.T) {
	fullURL := "https://screener.example/twilio/status-callback"
	params := url.Values{
		"CallSid":    {"CA1"},
		"CallStatus": {"completed"},
		"To":         {"+15551234567"},
	}
	signature := Sign("token", fullURL, params)

	if err := ValidateSignature("token", signature, fullURL, params); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := ValidateSignature("token", "", fullURL, params); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
	if err := ValidateSignature("other", signature, fullURL, params); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for wrong token, got %v", err)
	}

	tampered := url.Values{"CallSid": {"CA1"}, "CallStatus": {"failed"}, "To": {"+15551234567"}}
	if err := ValidateSignature("token", signature, fullURL, tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered params, got %v", err)
	}

	// Parameter order must not matter.
	reordered := url.Values{"To": {"+15551234567"}, "CallStatus": {"completed"}, "CallSid": {"CA1"}}
	if Sign("token", fullURL, reordered) != signature {
		t.Fatal("signature depends on parameter order")
	}
}
