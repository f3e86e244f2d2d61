package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/spigell/hh-screener/internal/callog"
	"github.com/spigell/hh-screener/internal/interview"
	"github.com/spigell/hh-screener/internal/screener"
	"github.com/spigell/hh-screener/internal/session"
	"github.com/spigell/hh-screener/internal/telephony"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = "https://screener.example"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeScreener struct {
	mu sync.Mutex

	startErr   error
	started    []string
	opening    interview.Opening
	reply      interview.Reply
	utterances []string
	statuses   []session.Status
	logs       []callog.Summary
	record     *callog.Record
}

func (f *fakeScreener) StartCall(_ context.Context, jd, _, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, jd+"|"+phone)
	return "CA1", nil
}

func (f *fakeScreener) HandleCallAnswered(context.Context, string) interview.Opening {
	return f.opening
}

func (f *fakeScreener) HandleUtterance(_ context.Context, callID, text string) interview.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utterances = append(f.utterances, callID+":"+text)
	return f.reply
}

func (f *fakeScreener) HandleStatus(_ context.Context, _ string, status session.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *fakeScreener) ListLogs(context.Context) ([]callog.Summary, error) {
	return f.logs, nil
}

func (f *fakeScreener) GetLog(_ context.Context, callID string) (*callog.Record, error) {
	if f.record == nil || f.record.CallID != callID {
		return nil, fmt.Errorf("%w: %s", screener.ErrNotFound, callID)
	}
	return f.record, nil
}

func newTestServer(svc Screener, cfg Config) http.Handler {
	if cfg.WebhookBaseURL == "" {
		cfg.WebhookBaseURL = base
	}
	return New(svc, cfg, nil).Handler()
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStartPhoneInterview(t *testing.T) {
	svc := &fakeScreener{}
	h := newTestServer(svc, Config{})

	body := `{"jd":"Go engineer","resume":"5 years","phone_number":"+15551234567"}`
	req := httptest.NewRequest(http.MethodPost, "/start-phone-interview", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"call_sid":"CA1","status":"calling"}`, rec.Body.String())
	assert.Equal(t, []string{"Go engineer|+15551234567"}, svc.started)
}

func TestStartPhoneInterviewErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "missing phone", body: `{"jd":"x"}`, want: http.StatusBadRequest},
		{name: "malformed json", body: `{`, want: http.StatusBadRequest},
		{name: "invalid", body: `{"jd":"x","phone_number":" "}`, err: screener.ErrInvalidRequest, want: http.StatusBadRequest},
		{name: "pending", body: `{"jd":"x","phone_number":"+1"}`, err: screener.ErrCallPending, want: http.StatusConflict},
		{name: "not configured", body: `{"jd":"x","phone_number":"+1"}`, err: screener.ErrNotConfigured, want: http.StatusServiceUnavailable},
		{name: "provider", body: `{"jd":"x","phone_number":"+1"}`, err: fmt.Errorf("%w: boom", screener.ErrProviderUnavailable), want: http.StatusBadGateway},
		{name: "other", body: `{"jd":"x","phone_number":"+1"}`, err: errors.New("disk full"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeScreener{startErr: tt.err}, Config{})
			req := httptest.NewRequest(http.MethodPost, "/start-phone-interview", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), "detail")
		})
	}
}

func TestVoiceWebhook(t *testing.T) {
	svc := &fakeScreener{opening: interview.Opening{
		Greeting:      interview.Greeting,
		Question:      interview.FirstQuestion,
		QuestionAudio: "q1_CA1.wav",
	}}
	h := newTestServer(svc, Config{})

	rec := postForm(t, h, telephony.VoicePath, url.Values{"CallSid": {"CA1"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `<Say voice="Polly.Joanna">Hi! This is Alex from FirstRound AI.`)
	assert.Contains(t, body, `<Gather input="speech" action="https://screener.example/twilio/process-response/CA1" method="POST"`)
	assert.Contains(t, body, `<Play>https://screener.example/audio/q1_CA1.wav</Play></Gather>`)
	assert.Contains(t, body, `<Redirect method="POST">https://screener.example/twilio/voice-webhook</Redirect>`)
	assert.Less(t, strings.Index(body, "<Gather"), strings.Index(body, "Let me try again."))
}

func TestProcessResponse(t *testing.T) {
	svc := &fakeScreener{reply: interview.Reply{Text: "Tell me about Go.", AudioRef: "response_CA1_1.wav", Exchange: 1}}
	h := newTestServer(svc, Config{})

	rec := postForm(t, h, telephony.ProcessResponsePath+"/CA1", url.Values{
		"CallSid":      {"CA1"},
		"SpeechResult": {"I write Go."},
		"Confidence":   {"0.93"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `<Play>https://screener.example/audio/response_CA1_1.wav</Play>`)
	assert.Contains(t, body, `Are you still there?`)
	assert.Contains(t, body, `<Redirect method="POST">https://screener.example/twilio/process-response/CA1</Redirect>`)
	assert.NotContains(t, body, "<Hangup")
	assert.Equal(t, []string{"CA1:I write Go."}, svc.utterances)
}

func TestProcessResponseEndsCall(t *testing.T) {
	svc := &fakeScreener{reply: interview.Reply{
		Text:      "Thanks for sharing.",
		Closing:   interview.Closing,
		ShouldEnd: true,
		Exchange:  5,
	}}
	h := newTestServer(svc, Config{})

	rec := postForm(t, h, telephony.ProcessResponsePath+"/CA1", url.Values{"SpeechResult": {"Done"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `<Say voice="Polly.Joanna">Thanks for sharing. Thank you so much for your time today.`)
	assert.True(t, strings.HasSuffix(body, `<Hangup></Hangup></Response>`), body)
	assert.NotContains(t, body, "<Gather")
}

func TestProcessResponseEmptySpeech(t *testing.T) {
	svc := &fakeScreener{reply: interview.Reply{Text: "Could you say more?"}}
	h := newTestServer(svc, Config{})

	rec := postForm(t, h, telephony.ProcessResponsePath+"/CA9", url.Values{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"CA9:"}, svc.utterances)
}

func TestStatusCallback(t *testing.T) {
	svc := &fakeScreener{}
	h := newTestServer(svc, Config{})

	for _, status := range []string{"ringing", "answered", "no-answer", "completed", "bogus"} {
		rec := postForm(t, h, telephony.StatusCallbackPath, url.Values{
			"CallSid":      {"CA1"},
			"CallStatus":   {status},
			"CallDuration": {"42"},
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	}

	assert.Equal(t, []session.Status{session.StatusInProgress, session.StatusNoAnswer, session.StatusCompleted}, svc.statuses)
}

func TestStatusCallbackBadDuration(t *testing.T) {
	h := newTestServer(&fakeScreener{}, Config{})
	rec := postForm(t, h, telephony.StatusCallbackPath, url.Values{"CallSid": {"CA1"}, "CallDuration": {"long"}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignatureValidation(t *testing.T) {
	svc := &fakeScreener{}
	h := newTestServer(svc, Config{AuthToken: "token", ValidateSignatures: true})

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}

	rec := postForm(t, h, telephony.StatusCallbackPath, form, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	bad := http.Header{telephony.SignatureHeader: {telephony.Sign("other", base+telephony.StatusCallbackPath, form)}}
	rec = postForm(t, h, telephony.StatusCallbackPath, form, bad)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, svc.statuses)

	good := http.Header{telephony.SignatureHeader: {telephony.Sign("token", base+telephony.StatusCallbackPath, form)}}
	rec = postForm(t, h, telephony.StatusCallbackPath, form, good)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []session.Status{session.StatusCompleted}, svc.statuses)
}

func TestAudio(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeting_CA1.wav"), []byte("RIFF"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	h := newTestServer(&fakeScreener{}, Config{AudioDir: dir})

	tests := []struct {
		path string
		want int
	}{
		{path: "/audio/greeting_CA1.wav", want: http.StatusOK},
		{path: "/audio/missing.wav", want: http.StatusNotFound},
		{path: "/audio/sub", want: http.StatusNotFound},
		{path: "/audio/..%2Fsecrets", want: http.StatusNotFound},
		{path: "/audio/.hidden", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.want, rec.Code, tt.path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audio/greeting_CA1.wav", nil))
	assert.Equal(t, "RIFF", rec.Body.String())
}

func TestLogs(t *testing.T) {
	svc := &fakeScreener{
		logs: []callog.Summary{{CallID: "CA2", Status: session.StatusCompleted}},
		record: &callog.Record{
			CallID: "CA2",
			Status: session.StatusCompleted,
			Transcript: session.Transcript{
				{Role: session.RoleInterviewer, Content: "Hi"},
			},
		},
	}
	h := newTestServer(svc, Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var summaries []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "CA2", summaries[0]["call_id"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/CA2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"transcript":[{"role":"interviewer","content":"Hi"}]`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/CA404", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"Log not found"}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(&fakeScreener{}, Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestBaseURLFromRequest(t *testing.T) {
	svc := &fakeScreener{reply: interview.Reply{Text: "Next?"}}
	h := New(svc, Config{}, nil).Handler()

	req := httptest.NewRequest(http.MethodPost, "http://tunnel.example"+telephony.ProcessResponsePath+"/CA1", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), `action="https://tunnel.example/twilio/process-response/CA1"`)
}

func TestDecodeValues(t *testing.T) {
	var event statusEvent
	require.NoError(t, decodeValues(url.Values{
		"CallSid":        {"CA1"},
		"CallStatus":     {"busy"},
		"CallDuration":   {"7"},
		"SequenceNumber": {"2"},
		"AccountSid":     {"AC1"},
	}, &event))
	assert.Equal(t, statusEvent{CallSid: "CA1", CallStatus: "busy", CallDuration: 7, SequenceNumber: 2}, event)
}
