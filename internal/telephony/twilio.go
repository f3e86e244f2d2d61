package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	twilioAPIURL = "https://api.twilio.com"
	userAgent    = "spigell/hh-screener"
)

// Twilio places calls through the Twilio Programmable Voice REST API.
type Twilio struct {
	accountSID string
	authToken  string
	from       string
	webhookURL string
	logger     *zap.Logger

	HTTPClient *http.Client
	APIURL     string
}

type twilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// NewTwilio creates a client. Missing credentials are reported by PlaceCall
// so that the server can start without telephony.
func NewTwilio(logger *zap.Logger, accountSID, authToken, from, webhookBaseURL string) *Twilio {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Twilio{
		accountSID: strings.TrimSpace(accountSID),
		authToken:  strings.TrimSpace(authToken),
		from:       strings.TrimSpace(from),
		webhookURL: strings.TrimRight(strings.TrimSpace(webhookBaseURL), "/"),
		logger:     logger,
		APIURL:     twilioAPIURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (t *Twilio) Name() string { return "twilio" }

// Configured reports whether credentials and webhook URL are present.
func (t *Twilio) Configured() bool {
	return t.accountSID != "" && t.authToken != "" && t.from != "" && t.webhookURL != ""
}

func (t *Twilio) PlaceCall(ctx context.Context, to string) (string, error) {
	if !t.Configured() {
		return "", ErrNotConfigured
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return "", fmt.Errorf("%w: destination number is required", ErrCallRejected)
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.from)
	form.Set("Url", t.webhookURL+VoicePath)
	form.Set("Method", http.MethodPost)
	form.Set("StatusCallback", t.webhookURL+StatusCallbackPath)
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, event := range StatusCallbackEvents {
		form.Add("StatusCallbackEvent", event)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", strings.TrimRight(t.APIURL, "/"), url.PathEscape(t.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.request(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var apiErr twilioError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return "", fmt.Errorf("%w: %s (code %d)", ErrCallRejected, apiErr.Message, apiErr.Code)
		}
		return "", fmt.Errorf("%w: bad status: %s", ErrCallRejected, resp.Status)
	}

	var call twilioCall
	if err := json.Unmarshal(data, &call); err != nil {
		return "", fmt.Errorf("decode call: %w", err)
	}
	if call.SID == "" {
		return "", fmt.Errorf("%w: response has no call sid", ErrCallRejected)
	}

	t.logger.Debug("twilio call created", zap.String("call_id", call.SID), zap.String("twilio_status", call.Status))
	return call.SID, nil
}

func (t *Twilio) request(req *http.Request) (*http.Response, error) {
	t.logger.Debug("make request", zap.String("url", req.URL.String()))
	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	return resp, nil
}
