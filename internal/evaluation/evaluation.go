package evaluation

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/spigell/hh-screener/internal/ai"
	"github.com/spigell/hh-screener/internal/logger"
	"github.com/spigell/hh-screener/internal/session"
	"go.uber.org/zap"
)

//go:embed rubric.md
var rubricTemplate string

const (
	acceptMean     = 6.0
	acceptMinScore = 4

	notProvided = "Not provided"
)

var errNoScorer = errors.New("scorer is not configured")

// Engine scores finished interviews against a fixed rubric.
type Engine struct {
	scorer ai.Scorer
	logger *zap.Logger
}

func New(scorer ai.Scorer, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{scorer: scorer, logger: log}
}

// Evaluate never fails: any scoring error yields Fallback. The decision and
// overall score are always recomputed from the sub-scores.
func (e *Engine) Evaluate(ctx context.Context, s *session.Session) session.Evaluation {
	if s == nil {
		return Fallback()
	}
	log := logger.WithCall(e.logger, s.CallID)

	card, err := e.score(ctx, s)
	if err != nil {
		log.Warn("automatic evaluation failed, using fallback", zap.Error(err))
		return Fallback()
	}

	result := session.Evaluation{
		TechnicalFit:        card.TechnicalFit,
		ExperienceRelevance: card.ExperienceRelevance,
		Communication:       card.Communication,
		ProblemSolving:      card.ProblemSolving,
		CultureFit:          card.CultureFit,
		Summary:             card.Summary,
		Strengths:           nonNil(card.Strengths),
		Concerns:            nonNil(card.Concerns),
	}
	scores := result.SubScores()
	result.OverallScore = Mean(scores)
	result.Decision = Decide(scores)

	if reported := session.Decision(card.Decision); reported != "" && reported != result.Decision {
		log.Info("scorer decision overridden by rubric rule",
			zap.String("reported", string(reported)),
			zap.String("decision", string(result.Decision)),
		)
	}

	log.Info("interview evaluated",
		zap.Float64("overall_score", result.OverallScore),
		zap.String("decision", string(result.Decision)),
	)

	return result
}

func (e *Engine) score(ctx context.Context, s *session.Session) (*ai.Scorecard, error) {
	if e.scorer == nil {
		return nil, errNoScorer
	}
	card, err := e.scorer.Score(ctx, Prompt(s))
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, ai.ErrMalformedOutput
	}
	return card, nil
}

// Decide is the hiring rule: ACCEPT iff the mean is at least 6 and no
// sub-score is below 4.
func Decide(scores [5]int) session.Decision {
	lowest := scores[0]
	for _, v := range scores[1:] {
		if v < lowest {
			lowest = v
		}
	}
	if Mean(scores) >= acceptMean && lowest >= acceptMinScore {
		return session.DecisionAccept
	}
	return session.DecisionReject
}

func Mean(scores [5]int) float64 {
	sum := 0
	for _, v := range scores {
		sum += v
	}
	return float64(sum) / float64(len(scores))
}

// Fallback is the neutral result used when scoring cannot complete.
func Fallback() session.Evaluation {
	return session.Evaluation{
		TechnicalFit:        5,
		ExperienceRelevance: 5,
		Communication:       5,
		ProblemSolving:      5,
		CultureFit:          5,
		OverallScore:        5,
		Decision:            session.DecisionPending,
		Summary:             "Evaluation could not be completed automatically.",
		Strengths:           []string{},
		Concerns:            []string{"Automatic evaluation failed"},
	}
}

// Prompt renders the rubric for s.
func Prompt(s *session.Session) string {
	prompt := strings.ReplaceAll(rubricTemplate, "{{JOB_DESCRIPTION}}", orNotProvided(s.JobDescription))
	prompt = strings.ReplaceAll(prompt, "{{RESUME}}", orNotProvided(s.Resume))
	prompt = strings.ReplaceAll(prompt, "{{TRANSCRIPT}}", renderTranscript(s.Transcript))
	return prompt
}

func renderTranscript(t session.Transcript) string {
	var b strings.Builder
	for i, turn := range t {
		if i > 0 {
			b.WriteByte('\n')
		}
		if turn.Role == session.RoleCandidate {
			b.WriteString("Candidate: ")
		} else {
			b.WriteString("Interviewer: ")
		}
		b.WriteString(turn.Content)
	}
	return b.String()
}

func orNotProvided(v string) string {
	if strings.TrimSpace(v) == "" {
		return notProvided
	}
	return v
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
