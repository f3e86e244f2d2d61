package notify

import (
	"context"
	"time"

	"github.com/spigell/hh-screener/internal/session"
	"go.uber.org/zap"
)

// Outcome is what a finished call reports to external systems.
type Outcome struct {
	CallID        string
	Status        session.Status
	Evaluation    *session.Evaluation
	ExchangeCount int
	Timestamp     time.Time
}

// Notifier delivers an Outcome to one external system.
type Notifier interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Notify(ctx context.Context, o Outcome) error
}

// Status represents runtime information about a notifier.
type Status struct {
	Name    string
	Enabled bool
	Reason  string
	Details map[string]string
}

type statusProvider interface {
	Status() Status
}

// Fanout sends an Outcome to every enabled notifier. Failures are logged and
// never stop the remaining notifiers.
type Fanout struct {
	steps  []Notifier
	logger *zap.Logger
}

func NewFanout(logger *zap.Logger, steps ...Notifier) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{steps: steps, logger: logger}
}

// Notify returns the number of notifiers that succeeded.
func (f *Fanout) Notify(ctx context.Context, o Outcome) int {
	delivered := 0
	for _, step := range f.steps {
		if !step.IsEnabled() {
			f.logger.Debug("notifier disabled", zap.String("name", step.Name()))
			continue
		}

		if err := step.Notify(ctx, o); err != nil {
			f.logger.Warn("notify step failed",
				zap.String("name", step.Name()),
				zap.String("call_id", o.CallID),
				zap.Error(err),
			)
			continue
		}

		delivered++
		f.logger.Info("notify step",
			zap.String("name", step.Name()),
			zap.String("call_id", o.CallID),
			zap.String("status", string(o.Status)),
		)
	}
	return delivered
}

// Describe returns status entries for the configured notifiers.
func (f *Fanout) Describe() []Status {
	statuses := make([]Status, 0, len(f.steps))
	for _, step := range f.steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}
		statuses = append(statuses, Status{Name: step.Name(), Enabled: step.IsEnabled()})
	}
	return statuses
}

// DisableByName marks the notifier with the provided name as disabled while keeping it in the list.
func (f *Fanout) DisableByName(name, reason string) {
	for _, step := range f.steps {
		if step.Name() == name {
			step.Disable(reason)
		}
	}
}

// ApplicationStatus maps an outcome to the status stored by the system of record.
func ApplicationStatus(e *session.Evaluation) string {
	if e == nil {
		return "not_interviewed"
	}
	switch e.Decision {
	case session.DecisionAccept:
		return "accepted"
	case session.DecisionReject:
		return "rejected"
	default:
		return "pending"
	}
}
