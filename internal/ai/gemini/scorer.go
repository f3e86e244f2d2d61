package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/spigell/hh-screener/internal/ai"
	"github.com/spigell/hh-screener/internal/utils"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

var subScoreFields = []string{
	"technical_fit",
	"experience_relevance",
	"communication",
	"problem_solving",
	"culture_fit",
}

// Scorer asks Gemini for a rubric scorecard and validates it against a strict schema.
type Scorer struct {
	generator *Generator
	logger    *zap.Logger
}

func NewScorer(generator *Generator, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{generator: generator, logger: logger}
}

// Score implements ai.Scorer.
func (s *Scorer) Score(ctx context.Context, prompt string) (*ai.Scorecard, error) {
	s.logger.Debug("gemini scorecard request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, s.generator.maxLogLen)),
	)

	raw, err := s.generator.GenerateContent(ctx, prompt, scorecardConfig())
	if err != nil {
		return nil, err
	}

	s.logger.Debug("gemini scorecard response",
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, s.generator.maxLogLen)),
	)

	return parseScorecard(raw)
}

func scorecardConfig() *genai.GenerateContentConfig {
	score := &genai.Schema{
		Type:    genai.TypeInteger,
		Minimum: genai.Ptr(float64(ai.MinScore)),
		Maximum: genai.Ptr(float64(ai.MaxScore)),
	}
	list := &genai.Schema{Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}}

	properties := map[string]*genai.Schema{
		"overall_score":    {Type: genai.TypeNumber},
		"decision":         {Type: genai.TypeString, Enum: []string{"ACCEPT", "REJECT"}},
		"summary":          {Type: genai.TypeString},
		"strengths":        list,
		"areas_of_concern": list,
	}
	for _, field := range subScoreFields {
		properties[field] = score
	}

	required := append([]string{}, subScoreFields...)
	required = append(required, "overall_score", "decision", "summary", "strengths", "areas_of_concern")

	return &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: properties,
			Required:   required,
		},
	}
}

// wireScorecard mirrors ai.Scorecard with optional numeric fields so missing
// values can be told apart from zeroes.
type wireScorecard struct {
	TechnicalFit        *float64 `json:"technical_fit"`
	ExperienceRelevance *float64 `json:"experience_relevance"`
	Communication       *float64 `json:"communication"`
	ProblemSolving      *float64 `json:"problem_solving"`
	CultureFit          *float64 `json:"culture_fit"`
	OverallScore        *float64 `json:"overall_score"`
	Decision            string   `json:"decision"`
	Summary             string   `json:"summary"`
	Strengths           []string `json:"strengths"`
	Concerns            []string `json:"areas_of_concern"`
}

func parseScorecard(raw string) (*ai.Scorecard, error) {
	cleaned := extractJSON(raw)

	var wire wireScorecard
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, fmt.Errorf("%w: parse scorecard: %v", ai.ErrMalformedOutput, err)
	}

	scores := []*float64{wire.TechnicalFit, wire.ExperienceRelevance, wire.Communication, wire.ProblemSolving, wire.CultureFit}
	values := make([]int, len(scores))
	for i, score := range scores {
		v, err := subScore(subScoreFields[i], score)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	card := &ai.Scorecard{
		TechnicalFit:        values[0],
		ExperienceRelevance: values[1],
		Communication:       values[2],
		ProblemSolving:      values[3],
		CultureFit:          values[4],
		Decision:            strings.ToUpper(strings.TrimSpace(wire.Decision)),
		Summary:             strings.TrimSpace(wire.Summary),
		Strengths:           cleanList(wire.Strengths),
		Concerns:            cleanList(wire.Concerns),
	}
	if wire.OverallScore != nil {
		card.OverallScore = *wire.OverallScore
	}

	return card, nil
}

func subScore(field string, v *float64) (int, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: %s is missing", ai.ErrMalformedOutput, field)
	}
	if *v != math.Trunc(*v) {
		return 0, fmt.Errorf("%w: %s must be an integer, got %v", ai.ErrMalformedOutput, field, *v)
	}
	if *v < ai.MinScore || *v > ai.MaxScore {
		return 0, fmt.Errorf("%w: %s out of range: %v", ai.ErrMalformedOutput, field, *v)
	}
	return int(*v), nil
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// extractJSON removes markdown code fences some models wrap around JSON output.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	} else if start := strings.Index(raw, "```json"); start != -1 {
		raw = raw[start+len("```json"):]
		if end := strings.Index(raw, "```"); end != -1 {
			raw = raw[:end]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}
