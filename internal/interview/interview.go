package interview

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spigell/hh-screener/internal/ai"
	"github.com/spigell/hh-screener/internal/callog"
	"github.com/spigell/hh-screener/internal/logger"
	"github.com/spigell/hh-screener/internal/session"
	"go.uber.org/zap"
)

//go:embed instructions.md
var instructionsTemplate string

const (
	Greeting = "Hi! This is Alex from FirstRound AI. Thanks for taking my call! " +
		"I've reviewed your resume and I'm excited to learn more about your experience. " +
		"This will be a quick screening call. Let's get started."
	FirstQuestion = "First, could you please introduce yourself and tell me a bit about your background?"

	// Apology replaces a generated reply when generation fails.
	Apology = "I apologize, I'm having some technical difficulties. Could you please repeat that?"
	// Closing is spoken after the last reply before hanging up.
	Closing = "Thank you so much for your time today. We'll be in touch soon with next steps. Have a great day!"

	// MaxTranscriptLength ends the interview after five full exchanges.
	MaxTranscriptLength = 10
	// WrapUpQuestion is the first question number at which the interviewer is told to wrap up.
	WrapUpQuestion = 6

	wrapUpInstruction = "This is question 6 or more: thank the candidate and wrap up the interview professionally. Do not ask another question."
	notProvided       = "Not provided"
)

var errFinalized = errors.New("session already finalized")

// Opening is the first interviewer turn of a call.
type Opening struct {
	Greeting      string
	Question      string
	GreetingAudio string
	QuestionAudio string
}

func (o Opening) Text() string {
	return o.Greeting + " " + o.Question
}

// Reply is the interviewer's answer to one candidate utterance.
type Reply struct {
	Text string
	// Closing is set when ShouldEnd is true.
	Closing   string
	ShouldEnd bool
	// AudioRef names a synthesized rendering of Speech(); empty when synthesis
	// was skipped or failed.
	AudioRef string
	// Exchange is the number of completed exchanges after this turn.
	Exchange int
}

// Speech is everything the caller should hear for this reply.
func (r Reply) Speech() string {
	if r.Closing == "" {
		return r.Text
	}
	return strings.TrimSpace(r.Text + " " + r.Closing)
}

// Orchestrator advances interviews one turn at a time.
type Orchestrator struct {
	registry    session.Registry
	generator   ai.Generator
	synthesizer ai.Synthesizer
	sink        callog.Sink
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Orchestrator)

// WithSynthesizer enables audio rendering of interviewer turns.
func WithSynthesizer(s ai.Synthesizer) Option {
	return func(o *Orchestrator) { o.synthesizer = s }
}

// WithSink records an in-progress snapshot after every turn.
func WithSink(s callog.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(registry session.Registry, generator ai.Generator, log *zap.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		registry:  registry,
		generator: generator,
		logger:    log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open seeds the opening turn. Calling it again for the same call replays the
// opening without touching the transcript.
func (o *Orchestrator) Open(ctx context.Context, callID string) Opening {
	log := logger.WithCall(o.logger, callID)

	err := o.registry.Update(ctx, callID, func(s *session.Session) error {
		if s.Finalized {
			return errFinalized
		}
		s.CallID = callID
		if s.Transcript.Len() > 0 {
			return nil
		}
		s.Transcript.Append(session.RoleInterviewer, Greeting+" "+FirstQuestion)
		o.record(ctx, log, s)
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrKeyNotFound), errors.Is(err, errFinalized):
		log.Debug("opening for unknown or finished call", zap.Error(err))
	default:
		log.Warn("failed to seed opening turn", zap.Error(err))
	}

	return Opening{
		Greeting:      Greeting,
		Question:      FirstQuestion,
		GreetingAudio: o.synthesize(ctx, log, Greeting, "greeting_"+callID),
		QuestionAudio: o.synthesize(ctx, log, FirstQuestion, "q1_"+callID),
	}
}

// Advance appends the candidate utterance, generates the next interviewer turn
// and decides whether the interview is over. It never fails: generation
// errors produce Apology and an unknown call is answered from an empty
// transient session that is never stored.
func (o *Orchestrator) Advance(ctx context.Context, callID, utterance string) Reply {
	log := logger.WithCall(o.logger, callID)
	utterance = strings.TrimSpace(utterance)

	var (
		reply Reply
		ran   bool
		late  *session.Session
	)
	err := o.registry.Update(ctx, callID, func(s *session.Session) error {
		if s.Finalized {
			late = s.Clone()
			return errFinalized
		}
		s.CallID = callID
		reply, ran = o.turn(ctx, log, s, utterance), true
		o.record(ctx, log, s)
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrKeyNotFound), errors.Is(err, errFinalized):
		log.Info("turn for unknown or finished call is not stored", zap.Error(err))
	default:
		log.Warn("failed to store turn", zap.Error(err))
	}

	// Replies that are not stored are generated outside the session lock.
	if !ran {
		transient := late
		if transient == nil {
			transient = session.New("", "")
		}
		transient.CallID = callID
		reply = o.turn(ctx, log, transient, utterance)
	}

	name := fmt.Sprintf("response_%s_%d", callID, reply.Exchange)
	if reply.ShouldEnd {
		name = "closing_" + callID
	}
	reply.AudioRef = o.synthesize(ctx, log, reply.Speech(), name)

	log.Info("turn completed",
		zap.Int("exchange", reply.Exchange),
		zap.Bool("should_end", reply.ShouldEnd),
		zap.Bool("audio", reply.AudioRef != ""),
	)

	return reply
}

// turn mutates s in place.
func (o *Orchestrator) turn(ctx context.Context, log *zap.Logger, s *session.Session, utterance string) Reply {
	s.Transcript.Append(session.RoleCandidate, utterance)
	question := s.Transcript.QuestionNumber()

	text, err := o.generate(ctx, Instructions(s.JobDescription, s.Resume, question), s.Transcript)
	if err != nil {
		log.Warn("generation failed, apologizing", zap.Int("question", question), zap.Error(err))
		text = Apology
	}

	s.Transcript.Append(session.RoleInterviewer, text)

	reply := Reply{
		Text:      text,
		ShouldEnd: s.Transcript.Len() >= MaxTranscriptLength,
		Exchange:  s.Transcript.ExchangeCount(),
	}
	if reply.ShouldEnd {
		reply.Closing = Closing
	}
	return reply
}

func (o *Orchestrator) generate(ctx context.Context, instructions string, transcript session.Transcript) (string, error) {
	if o.generator == nil {
		return "", errors.New("generator is not configured")
	}
	text, err := o.generator.Generate(ctx, instructions, toMessages(transcript))
	if err != nil {
		return "", err
	}
	if text = strings.TrimSpace(text); text == "" {
		return "", errors.New("generator returned empty text")
	}
	return text, nil
}

func (o *Orchestrator) record(ctx context.Context, log *zap.Logger, s *session.Session) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Write(ctx, callog.NewRecord(s, session.StatusInProgress, o.now())); err != nil {
		log.Warn("failed to write call log", zap.Error(err))
	}
}

func (o *Orchestrator) synthesize(ctx context.Context, log *zap.Logger, text, name string) string {
	if o.synthesizer == nil || strings.TrimSpace(text) == "" {
		return ""
	}
	ref, err := o.synthesizer.Synthesize(ctx, text, name)
	if err != nil {
		log.Warn("speech synthesis failed, falling back to provider voice", zap.String("audio", name), zap.Error(err))
		return ""
	}
	return ref
}

// Instructions renders the interviewer system instructions for a question.
func Instructions(jobDescription, resume string, question int) string {
	wrapUp := ""
	if question >= WrapUpQuestion {
		wrapUp = wrapUpInstruction
	}
	out := strings.ReplaceAll(instructionsTemplate, "{{JOB_DESCRIPTION}}", orNotProvided(jobDescription))
	out = strings.ReplaceAll(out, "{{RESUME}}", orNotProvided(resume))
	out = strings.ReplaceAll(out, "{{QUESTION_NUMBER}}", strconv.Itoa(question))
	out = strings.ReplaceAll(out, "{{WRAP_UP}}", wrapUp)
	return strings.TrimSpace(out)
}

func toMessages(t session.Transcript) []ai.Message {
	messages := make([]ai.Message, 0, len(t))
	for _, turn := range t {
		speaker := ai.SpeakerCandidate
		if turn.Role == session.RoleInterviewer {
			speaker = ai.SpeakerInterviewer
		}
		messages = append(messages, ai.Message{Speaker: speaker, Text: turn.Content})
	}
	return messages
}

func orNotProvided(v string) string {
	if strings.TrimSpace(v) == "" {
		return notProvided
	}
	return v
}
