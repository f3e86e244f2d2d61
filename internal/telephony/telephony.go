package telephony

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotConfigured is returned when provider credentials are missing.
	ErrNotConfigured = errors.New("telephony provider is not configured")
	// ErrCallRejected is returned when the provider refuses to place a call.
	ErrCallRejected = errors.New("telephony provider rejected the call")
)

// Webhook paths the provider is pointed at, relative to the public base URL.
const (
	VoicePath           = "/twilio/voice-webhook"
	ProcessResponsePath = "/twilio/process-response"
	StatusCallbackPath  = "/twilio/status-callback"
	AudioPath           = "/audio"
)

// StatusCallbackEvents are the call progress events requested from the provider.
var StatusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// Provider places outbound calls.
type Provider interface {
	Name() string
	// PlaceCall dials to and returns the provider call identifier.
	PlaceCall(ctx context.Context, to string) (string, error)
}

// ProcessResponseURL is where the candidate's speech for callID is posted.
func ProcessResponseURL(baseURL, callID string) string {
	return strings.TrimRight(baseURL, "/") + ProcessResponsePath + "/" + callID
}

// AudioURL is the public URL of a synthesized audio file.
func AudioURL(baseURL, file string) string {
	return strings.TrimRight(baseURL, "/") + AudioPath + "/" + file
}

// DryRun pretends to place calls. Webhooks must be driven by hand.
type DryRun struct {
	logger *zap.Logger
}

func NewDryRun(logger *zap.Logger) *DryRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRun{logger: logger}
}

func (d *DryRun) Name() string { return "dry-run" }

func (d *DryRun) PlaceCall(_ context.Context, to string) (string, error) {
	if strings.TrimSpace(to) == "" {
		return "", errors.New("destination number is required")
	}
	callID := "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
	d.logger.Info("dry-run call placed", zap.String("to", to), zap.String("call_id", callID))
	return callID, nil
}
