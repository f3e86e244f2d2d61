package ai

import (
	"context"
	"errors"
)

// ErrMalformedOutput is returned when a model response violates the expected schema.
var ErrMalformedOutput = errors.New("malformed model output")

// Speaker identifies the author of a message in a generation request.
type Speaker string

const (
	SpeakerInterviewer Speaker = "interviewer"
	SpeakerCandidate   Speaker = "candidate"
)

type Message struct {
	Speaker Speaker
	Text    string
}

// Generator produces the interviewer's next utterance from system instructions
// and the conversation so far.
type Generator interface {
	Generate(ctx context.Context, instructions string, history []Message) (string, error)
}

// Scorecard is the structured rubric score reported by a Scorer.
// Sub-scores are validated to lie within [MinScore, MaxScore].
type Scorecard struct {
	TechnicalFit        int      `json:"technical_fit"`
	ExperienceRelevance int      `json:"experience_relevance"`
	Communication       int      `json:"communication"`
	ProblemSolving      int      `json:"problem_solving"`
	CultureFit          int      `json:"culture_fit"`
	OverallScore        float64  `json:"overall_score"`
	Decision            string   `json:"decision"`
	Summary             string   `json:"summary"`
	Strengths           []string `json:"strengths"`
	Concerns            []string `json:"areas_of_concern"`
}

const (
	MinScore = 1
	MaxScore = 10
)

// Scorer turns a rubric prompt into a validated Scorecard.
type Scorer interface {
	Score(ctx context.Context, prompt string) (*Scorecard, error)
}

// Synthesizer renders text to a playable audio file and returns a reference
// the transport can serve (a file name under the audio directory).
type Synthesizer interface {
	Synthesize(ctx context.Context, text, name string) (string, error)
}
