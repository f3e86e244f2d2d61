package screener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spigell/hh-screener/internal/callog"
	"github.com/spigell/hh-screener/internal/interview"
	"github.com/spigell/hh-screener/internal/logger"
	"github.com/spigell/hh-screener/internal/notify"
	"github.com/spigell/hh-screener/internal/session"
	"github.com/spigell/hh-screener/internal/telephony"
	"go.uber.org/zap"
)

var (
	// ErrProviderUnavailable is returned when the outbound call cannot be placed.
	ErrProviderUnavailable = errors.New("telephony provider unavailable")
	// ErrNotConfigured is returned when telephony credentials are missing.
	ErrNotConfigured = errors.New("telephony is not configured")
	// ErrNotFound is returned when no call log exists.
	ErrNotFound = errors.New("call log not found")
	// ErrInvalidRequest is returned for a start request without a phone number.
	ErrInvalidRequest = errors.New("invalid call request")
	// ErrCallPending is returned while a call to the same number is being placed.
	ErrCallPending = errors.New("a call to this number is already being placed")

	errAlreadyFinalized = errors.New("session already finalized")
)

// Evaluator scores a finished interview. It must not fail.
type Evaluator interface {
	Evaluate(ctx context.Context, s *session.Session) session.Evaluation
}

// Notifier reports finished calls and returns the number of deliveries.
type Notifier interface {
	Notify(ctx context.Context, o notify.Outcome) int
}

// Deps aggregates the collaborators of the Service.
type Deps struct {
	Registry  session.Registry
	Provider  telephony.Provider
	Turns     *interview.Orchestrator
	Evaluator Evaluator
	Sink      callog.Sink
	Notifier  Notifier
	Logger    *zap.Logger
	Now       func() time.Time
}

// Service drives a call from initiation to finalization.
type Service struct {
	registry  session.Registry
	provider  telephony.Provider
	turns     *interview.Orchestrator
	evaluator Evaluator
	sink      callog.Sink
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
}

func New(deps Deps) (*Service, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("session registry is required")
	case deps.Turns == nil:
		return nil, errors.New("turn orchestrator is required")
	case deps.Sink == nil:
		return nil, errors.New("log sink is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Service{
		registry:  deps.Registry,
		provider:  deps.Provider,
		turns:     deps.Turns,
		evaluator: deps.Evaluator,
		sink:      deps.Sink,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		now:       deps.Now,
	}, nil
}

// StartCall stores a session under a provisional key, places the call and
// re-keys the session to the provider call id.
func (s *Service) StartCall(ctx context.Context, jobDescription, resume, phoneNumber string) (string, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return "", fmt.Errorf("%w: phone number is required", ErrInvalidRequest)
	}
	if s.provider == nil {
		return "", ErrNotConfigured
	}

	key := session.ProvisionalKey(phoneNumber)
	if err := s.registry.Create(ctx, key, session.New(jobDescription, resume)); err != nil {
		if errors.Is(err, session.ErrKeyCollision) {
			return "", ErrCallPending
		}
		return "", fmt.Errorf("store session: %w", err)
	}

	callID, err := s.provider.PlaceCall(ctx, phoneNumber)
	if err != nil {
		if rmErr := s.registry.Remove(ctx, key); rmErr != nil {
			s.logger.Warn("failed to drop provisional session", zap.String("key", key), zap.Error(rmErr))
		}
		if errors.Is(err, telephony.ErrNotConfigured) {
			return "", ErrNotConfigured
		}
		s.logger.Error("failed to initiate call", zap.String("provider", s.provider.Name()), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	log := logger.WithCall(s.logger, callID)
	if err := s.registry.Rekey(ctx, key, callID); err != nil {
		// The call is live; its turns fall back to transient sessions.
		log.Error("failed to re-key session", zap.String("key", key), zap.Error(err))
		if rmErr := s.registry.Remove(ctx, key); rmErr != nil {
			log.Warn("failed to drop provisional session", zap.String("key", key), zap.Error(rmErr))
		}
		return callID, nil
	}

	log.Info("call initiated", zap.String("provider", s.provider.Name()))
	return callID, nil
}

// HandleCallAnswered marks the call in progress and returns the opening turn.
func (s *Service) HandleCallAnswered(ctx context.Context, callID string) interview.Opening {
	s.transition(ctx, callID, session.StatusInProgress)
	return s.turns.Open(ctx, callID)
}

func (s *Service) HandleUtterance(ctx context.Context, callID, text string) interview.Reply {
	return s.turns.Advance(ctx, callID, text)
}

// HandleStatus applies a call status notification. Terminal statuses finalize
// the call exactly once; repeats are no-ops.
func (s *Service) HandleStatus(ctx context.Context, callID string, status session.Status) {
	log := logger.WithCall(s.logger, callID).With(zap.String(logger.FieldCallStatus, string(status)))

	if !status.Terminal() {
		s.transition(ctx, callID, status)
		return
	}

	var snapshot *session.Session
	err := s.registry.Update(ctx, callID, func(sess *session.Session) error {
		if sess.Finalized {
			return errAlreadyFinalized
		}
		sess.CallID = callID
		sess.Finalized = true
		sess.Status = status
		snapshot = sess.Clone()
		return nil
	})
	if snapshot == nil {
		switch {
		case errors.Is(err, errAlreadyFinalized), errors.Is(err, session.ErrKeyNotFound):
			log.Debug("duplicate terminal notification ignored", zap.Error(err))
		default:
			log.Warn("failed to finalize call", zap.Error(err))
		}
		return
	}
	if err != nil {
		log.Warn("session changed while finalizing", zap.Error(err))
	}

	s.finalize(ctx, log, callID, snapshot, status)
}

// finalize runs outside the session lock. callID is the registry key; the
// snapshot is only read.
func (s *Service) finalize(ctx context.Context, log *zap.Logger, callID string, snapshot *session.Session, status session.Status) {
	if status == session.StatusCompleted && snapshot.Transcript.HasExchange() && s.evaluator != nil {
		log.Info("evaluating interview", zap.Int("exchange_count", snapshot.Transcript.ExchangeCount()))
		result := s.evaluator.Evaluate(ctx, snapshot)
		snapshot.Evaluation = &result
	}

	ts := s.now()
	if err := s.sink.Write(ctx, callog.NewRecord(snapshot, status, ts)); err != nil {
		log.Error("failed to write final call log", zap.Error(err))
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, notify.Outcome{
			CallID:        callID,
			Status:        status,
			Evaluation:    snapshot.Evaluation,
			ExchangeCount: snapshot.Transcript.ExchangeCount(),
			Timestamp:     ts,
		})
	}

	if err := s.registry.Remove(ctx, callID); err != nil {
		log.Warn("failed to remove session", zap.Error(err))
	}

	fields := []zap.Field{zap.Int("exchange_count", snapshot.Transcript.ExchangeCount())}
	if snapshot.Evaluation != nil {
		fields = append(fields, zap.String("decision", string(snapshot.Evaluation.Decision)))
	}
	log.Info("call finalized", fields...)
}

// transition moves a live session to a non-terminal status.
func (s *Service) transition(ctx context.Context, callID string, status session.Status) {
	err := s.registry.Update(ctx, callID, func(sess *session.Session) error {
		if sess.Finalized || sess.Status.Terminal() {
			return errAlreadyFinalized
		}
		// in_progress never goes back to initiated.
		if status == session.StatusInitiated && sess.Status == session.StatusInProgress {
			return nil
		}
		sess.Status = status
		return nil
	})
	if err != nil {
		logger.WithCall(s.logger, callID).Debug("status not applied",
			zap.String(logger.FieldCallStatus, string(status)),
			zap.Error(err),
		)
	}
}

// ListLogs returns call log summaries, newest first.
func (s *Service) ListLogs(ctx context.Context) ([]callog.Summary, error) {
	return s.sink.List(ctx)
}

func (s *Service) GetLog(ctx context.Context, callID string) (*callog.Record, error) {
	rec, err := s.sink.Get(ctx, callID)
	if errors.Is(err, callog.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	return rec, err
}
