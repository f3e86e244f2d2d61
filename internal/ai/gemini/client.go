package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spigell/hh-screener/internal/ai"
	"github.com/spigell/hh-screener/internal/utils"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	defaultModel        = "gemini-2.5-flash"
	defaultMaxLogLength = 200
	// Phone replies are spoken aloud; long answers make dead air.
	maxTurnTokens = 150
	// Thinking tokens count against maxTurnTokens on 2.5 models.
	turnThinkingBudget = 0
	baseBackoff        = time.Second
	maxRetryDelay      = 20 * time.Second

	connectedPlaceholder = "(The call has connected.)"
	silencePlaceholder   = "(The candidate said nothing.)"
)

var (
	wait = utils.WaitFor

	retryAfterPattern = regexp.MustCompile(`(?i)retry (?:after|in) ([0-9]+(?:\.[0-9]+)?)\s*s`)
)

// contentModel is the part of genai.Models the package depends on.
type contentModel interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// NewClient creates a genai client for the Gemini API backend.
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return client, nil
}

// Generator produces interviewer turns with a Gemini chat model.
type Generator struct {
	models     contentModel
	model      string
	maxRetries int
	maxLogLen  int
	logger     *zap.Logger
}

// NewGenerator wraps the models service of client.
func NewGenerator(client *genai.Client, model string, maxRetries int, logger *zap.Logger) (*Generator, error) {
	if client == nil || client.Models == nil {
		return nil, errors.New("gemini client is not initialized")
	}
	return newGenerator(client.Models, model, maxRetries, logger), nil
}

func newGenerator(models contentModel, model string, maxRetries int, logger *zap.Logger) *Generator {
	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Generator{
		models:     models,
		model:      model,
		maxRetries: maxRetries,
		maxLogLen:  defaultMaxLogLength,
		logger:     logger,
	}
}

// SetMaxLogLength bounds prompt and response previews in debug logs.
func (g *Generator) SetMaxLogLength(n int) {
	if n > 0 {
		g.maxLogLen = n
	}
}

// Generate implements ai.Generator.
func (g *Generator) Generate(ctx context.Context, instructions string, history []ai.Message) (string, error) {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return "", errors.New("instructions must not be empty")
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instructions, genai.RoleUser),
		MaxOutputTokens:   maxTurnTokens,
		ThinkingConfig:    &genai.ThinkingConfig{ThinkingBudget: genai.Ptr[int32](turnThinkingBudget)},
	}

	g.logger.Debug("gemini generate turn request",
		zap.Int("history_length", len(history)),
		zap.String("instructions_preview", utils.TruncateForLog(instructions, g.maxLogLen)),
	)

	text, err := g.generate(ctx, toContents(history), config)
	if err != nil {
		return "", err
	}

	g.logger.Debug("gemini generate turn response",
		zap.Int("response_length", utf8.RuneCountInString(text)),
		zap.String("response_preview", utils.TruncateForLog(text, g.maxLogLen)),
	)

	return text, nil
}

// GenerateContent sends a single prompt and returns the textual response.
func (g *Generator) GenerateContent(ctx context.Context, prompt string, config *genai.GenerateContentConfig) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}
	return g.generate(ctx, genai.Text(prompt), config)
}

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}

func (g *Generator) generate(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (string, error) {
	if g == nil || g.models == nil {
		return "", errors.New("gemini generator is not initialized")
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		resp, err := g.models.GenerateContent(ctx, g.model, contents, config)
		if err == nil {
			return responseText(resp)
		}
		lastErr = err

		delay, retry := retryDelay(err, attempt)
		if !retry || attempt == g.maxRetries {
			break
		}

		g.logger.Warn("gemini request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err := wait(ctx, delay); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("generate content: %w", lastErr)
}

// retryDelay reports whether err is transient and how long to back off.
// Quota errors that ask for a longer pause than maxRetryDelay are not retried.
func retryDelay(err error, attempt int) (time.Duration, bool) {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return 0, false
	}

	switch apiErr.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
	default:
		return 0, false
	}

	delay := baseBackoff << (attempt - 1)
	if hinted, ok := hintedDelay(apiErr); ok {
		delay = hinted
	}
	if delay > maxRetryDelay {
		return delay, false
	}
	return delay, true
}

func hintedDelay(apiErr genai.APIError) (time.Duration, bool) {
	for _, detail := range apiErr.Details {
		kind, _ := detail["@type"].(string)
		if !strings.HasSuffix(kind, "RetryInfo") {
			continue
		}
		raw, _ := detail["retryDelay"].(string)
		if d, err := time.ParseDuration(raw); err == nil {
			return d, true
		}
	}

	if m := retryAfterPattern.FindStringSubmatch(apiErr.Message); m != nil {
		seconds, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return time.Duration(seconds * float64(time.Second)), true
		}
	}

	return 0, false
}

// toContents maps the interview onto Gemini chat roles. Gemini expects the
// conversation to open with a user turn and rejects empty text parts.
func toContents(history []ai.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	if len(history) == 0 || history[0].Speaker == ai.SpeakerInterviewer {
		contents = append(contents, genai.NewContentFromText(connectedPlaceholder, genai.RoleUser))
	}

	for _, msg := range history {
		text := strings.TrimSpace(msg.Text)
		role := genai.Role(genai.RoleUser)
		if msg.Speaker == ai.SpeakerInterviewer {
			role = genai.RoleModel
		} else if text == "" {
			text = silencePlaceholder
		}
		if text == "" {
			continue
		}
		contents = append(contents, genai.NewContentFromText(text, role))
	}

	return contents
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", errors.New("gemini api returned no response")
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
		// Only the first candidate is spoken.
		break
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", errors.New("gemini api returned empty response")
	}

	return output, nil
}
