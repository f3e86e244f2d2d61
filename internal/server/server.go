package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spigell/hh-screener/internal/callog"
	"github.com/spigell/hh-screener/internal/interview"
	"github.com/spigell/hh-screener/internal/session"
	"github.com/spigell/hh-screener/internal/telephony"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Screener is the call lifecycle the transport drives.
type Screener interface {
	StartCall(ctx context.Context, jobDescription, resume, phoneNumber string) (string, error)
	HandleCallAnswered(ctx context.Context, callID string) interview.Opening
	HandleUtterance(ctx context.Context, callID, text string) interview.Reply
	HandleStatus(ctx context.Context, callID string, status session.Status)
	ListLogs(ctx context.Context) ([]callog.Summary, error)
	GetLog(ctx context.Context, callID string) (*callog.Record, error)
}

type Config struct {
	Listen string
	// WebhookBaseURL is the public URL the telephony provider reaches the
	// server at. When empty it is derived from the request.
	WebhookBaseURL string
	AudioDir       string
	// AuthToken signs provider webhooks; checked when ValidateSignatures is set.
	AuthToken          string
	ValidateSignatures bool
}

type Server struct {
	svc    Screener
	cfg    Config
	logger *zap.Logger
	engine *gin.Engine
}

func New(svc Screener, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.WebhookBaseURL = strings.TrimRight(strings.TrimSpace(cfg.WebhookBaseURL), "/")

	s := &Server{svc: svc, cfg: cfg, logger: logger}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	engine.GET("/healthz", s.health)
	engine.POST("/start-phone-interview", s.startPhoneInterview)
	engine.GET(telephony.AudioPath+"/:file", s.audio)
	engine.GET("/logs", s.listLogs)
	engine.GET("/logs/:call_sid", s.getLog)

	hooks := engine.Group("", s.verifySignature)
	hooks.POST(telephony.VoicePath, s.voiceWebhook)
	hooks.POST(telephony.ProcessResponsePath+"/:call_sid", s.processResponse)
	hooks.POST(telephony.StatusCallbackPath, s.statusCallback)

	s.engine = engine
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("listen", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// baseURL returns the public URL used in TwiML callbacks.
func (s *Server) baseURL(c *gin.Context) string {
	if s.cfg.WebhookBaseURL != "" {
		return s.cfg.WebhookBaseURL
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if forwarded := c.GetHeader("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + c.Request.Host
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("http request", fields...)
			return
		}
		logger.Debug("http request", fields...)
	}
}
