package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mitchellh/mapstructure"
	"github.com/spigell/hh-screener/internal/logger"
	"github.com/spigell/hh-screener/internal/screener"
	"github.com/spigell/hh-screener/internal/session"
	"github.com/spigell/hh-screener/internal/telephony"
	"go.uber.org/zap"
)

const (
	twimlContentType = "application/xml"

	retryGreeting = "I didn't catch that. Let me try again."
	stillThere    = "Are you still there?"
)

type startRequest struct {
	JD          string `json:"jd" binding:"required"`
	Resume      string `json:"resume"`
	PhoneNumber string `json:"phone_number" binding:"required"`
}

// Provider webhook payloads. Field names follow the provider's form keys.
type voiceEvent struct {
	CallSid string `mapstructure:"CallSid"`
	From    string `mapstructure:"From"`
	To      string `mapstructure:"To"`
}

type speechEvent struct {
	CallSid      string  `mapstructure:"CallSid"`
	SpeechResult string  `mapstructure:"SpeechResult"`
	Confidence   float64 `mapstructure:"Confidence"`
}

type statusEvent struct {
	CallSid        string `mapstructure:"CallSid"`
	CallStatus     string `mapstructure:"CallStatus"`
	CallDuration   int    `mapstructure:"CallDuration"`
	SequenceNumber int    `mapstructure:"SequenceNumber"`
}

func (s *Server) startPhoneInterview(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	callID, err := s.svc.StartCall(c.Request.Context(), req.JD, req.Resume, req.PhoneNumber)
	if err != nil {
		c.JSON(startErrorStatus(err), gin.H{"detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"call_sid": callID, "status": "calling"})
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, screener.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, screener.ErrCallPending):
		return http.StatusConflict
	case errors.Is(err, screener.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, screener.ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) voiceWebhook(c *gin.Context) {
	var event voiceEvent
	if !s.decodeForm(c, &event) {
		return
	}

	// The call outlives the webhook request.
	ctx := context.WithoutCancel(c.Request.Context())
	opening := s.svc.HandleCallAnswered(ctx, event.CallSid)

	base := s.baseURL(c)
	gather := telephony.SpeechGather(telephony.ProcessResponseURL(base, event.CallSid)).
		Speak(audioURL(base, opening.QuestionAudio), opening.Question, "")

	resp := telephony.NewResponse().
		Speak(audioURL(base, opening.GreetingAudio), opening.Greeting, "").
		Gather(gather).
		Say(retryGreeting, telephony.DefaultVoice).
		Redirect(base + telephony.VoicePath)

	s.writeTwiML(c, resp)
}

func (s *Server) processResponse(c *gin.Context) {
	var event speechEvent
	if !s.decodeForm(c, &event) {
		return
	}

	callID := c.Param("call_sid")
	if callID == "" {
		callID = event.CallSid
	}

	ctx := context.WithoutCancel(c.Request.Context())
	logger.WithCall(s.logger, callID).Debug("candidate speech received",
		zap.Int("speech_length", len(event.SpeechResult)),
		zap.Float64("confidence", event.Confidence),
	)
	reply := s.svc.HandleUtterance(ctx, callID, event.SpeechResult)

	base := s.baseURL(c)
	audio := audioURL(base, reply.AudioRef)
	resp := telephony.NewResponse()

	if reply.ShouldEnd {
		resp.Speak(audio, reply.Speech(), "").Hangup()
		s.writeTwiML(c, resp)
		return
	}

	processURL := telephony.ProcessResponseURL(base, callID)
	resp.Gather(telephony.SpeechGather(processURL).Speak(audio, reply.Text, "")).
		Say(stillThere, telephony.DefaultVoice).
		Redirect(processURL)

	s.writeTwiML(c, resp)
}

func (s *Server) statusCallback(c *gin.Context) {
	var event statusEvent
	if !s.decodeForm(c, &event) {
		return
	}

	log := logger.WithCall(s.logger, event.CallSid)
	log.Info("call status", zap.String(logger.FieldCallStatus, event.CallStatus), zap.Int("duration", event.CallDuration))

	if status, ok := session.ParseCallStatus(event.CallStatus); ok && event.CallSid != "" {
		s.svc.HandleStatus(context.WithoutCancel(c.Request.Context()), event.CallSid, status)
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) audio(c *gin.Context) {
	name := c.Param("file")
	if s.cfg.AudioDir == "" || name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Audio not found"})
		return
	}

	path := filepath.Join(s.cfg.AudioDir, name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Audio not found"})
		return
	}
	c.File(path)
}

func (s *Server) listLogs(c *gin.Context) {
	summaries, err := s.svc.ListLogs(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) getLog(c *gin.Context) {
	rec, err := s.svc.GetLog(c.Request.Context(), c.Param("call_sid"))
	if errors.Is(err, screener.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Log not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// verifySignature rejects provider webhooks with a bad signature.
func (s *Server) verifySignature(c *gin.Context) {
	if !s.cfg.ValidateSignatures {
		c.Next()
		return
	}
	if err := c.Request.ParseForm(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "malformed form"})
		return
	}

	fullURL := s.baseURL(c) + c.Request.URL.RequestURI()
	err := telephony.ValidateSignature(s.cfg.AuthToken, c.GetHeader(telephony.SignatureHeader), fullURL, c.Request.PostForm)
	if err != nil {
		s.logger.Warn("rejected webhook", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": err.Error()})
		return
	}
	c.Next()
}

func (s *Server) decodeForm(c *gin.Context, target any) bool {
	if err := c.Request.ParseForm(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "malformed form"})
		return false
	}
	if err := decodeValues(c.Request.PostForm, target); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return false
	}
	return true
}

// decodeValues maps form values onto a tagged struct, converting numbers
// from their string form.
func decodeValues(values url.Values, target any) error {
	flat := make(map[string]any, len(values))
	for key, v := range values {
		if len(v) > 0 {
			flat[key] = v[0]
		}
	}
	return mapstructure.WeakDecode(flat, target)
}

func (s *Server) writeTwiML(c *gin.Context, resp *telephony.Response) {
	body, err := resp.Bytes()
	if err != nil {
		_ = c.Error(err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, twimlContentType, body)
}

func audioURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	return telephony.AudioURL(base, ref)
}
