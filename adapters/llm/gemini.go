package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/rapat/domain/entities"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.3
	defaultMaxTokens      = 1024
	defaultTimeoutSeconds = 60
	maxAttempts           = 3
)

// ErrEmptySummary is returned when the model produced no text
var ErrEmptySummary = errors.New("model returned an empty summary")

// GeminiConfig configures the Gemini summarizer
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int
	TimeoutSeconds  int
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}

	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 1) {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}

	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}

	return nil
}

// GeminiSummarizer implements Summarizer and Categorizer using Google's Gemini API
type GeminiSummarizer struct {
	client          *genai.Client
	logger          *zap.Logger
	model           string
	temperature     float32
	maxOutputTokens int
	timeout         time.Duration
}

// NewGeminiSummarizer creates a new Gemini summarizer
func NewGeminiSummarizer(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiSummarizer, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	s := &GeminiSummarizer{
		client:          client,
		logger:          logger,
		model:           config.Model,
		temperature:     config.Temperature,
		maxOutputTokens: config.MaxOutputTokens,
		timeout:         time.Duration(config.TimeoutSeconds) * time.Second,
	}
	if s.model == "" {
		s.model = defaultModel
		logger.Info("Using default model", zap.String("model", s.model))
	}
	if s.temperature == 0 {
		s.temperature = defaultTemperature
	}
	if s.maxOutputTokens == 0 {
		s.maxOutputTokens = defaultMaxTokens
	}
	if s.timeout == 0 {
		s.timeout = defaultTimeoutSeconds * time.Second
	}

	return s, nil
}

// Summarize asks the model for a short summary of the dialogue
func (s *GeminiSummarizer) Summarize(ctx context.Context, dialogue []entities.Utterance) (string, error) {
	prompt, err := BuildSummaryPrompt(dialogue)
	if err != nil {
		return "", err
	}

	text, err := s.generate(ctx, prompt, "summary")
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", ErrEmptySummary
	}

	s.logger.Info("Summary generated",
		zap.Int("utterances", len(dialogue)),
		zap.Int("summaryLength", len(text)))

	return text, nil
}

// Categorize asks the model which topic the dialogue is about
func (s *GeminiSummarizer) Categorize(ctx context.Context, dialogue []entities.Utterance) (string, error) {
	prompt, err := BuildCategoryPrompt(dialogue)
	if err != nil {
		return "", err
	}

	text, err := s.generate(ctx, prompt, "category")
	if err != nil {
		return "", err
	}

	category := NormalizeCategory(text)
	s.logger.Info("Dialogue categorized",
		zap.Int("utterances", len(dialogue)),
		zap.String("category", category))

	return category, nil
}

// generate runs one prompt with retries and returns the response text
func (s *GeminiSummarizer) generate(ctx context.Context, prompt, what string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(s.temperature),
		MaxOutputTokens: int32(s.maxOutputTokens),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		response *genai.GenerateContentResponse
		err      error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		response, err = s.client.Models.GenerateContent(ctx, s.model, contents, config)
		if err == nil {
			break
		}

		s.logger.Warn("Failed to generate content, retrying",
			zap.String("request", what),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < maxAttempts-1 {
			select {
			case <-time.After(time.Duration(attempt+1) * time.Second):
			case <-ctx.Done():
				return "", fmt.Errorf("%s cancelled: %w", what, ctx.Err())
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to generate %s: %w", what, err)
	}

	return responseText(response), nil
}

func responseText(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
