package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/satriahrh/rapat/domain/entities"
)

// MockSummarizer is a placeholder summarizer for development without an API key
type MockSummarizer struct {
	// Err, when set, is returned by every call.
	Err error
}

// NewMockSummarizer creates a new mock summarizer
func NewMockSummarizer() *MockSummarizer {
	return &MockSummarizer{}
}

// Summarize lists who spoke and how much
func (m *MockSummarizer) Summarize(ctx context.Context, dialogue []entities.Utterance) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	if len(dialogue) == 0 {
		return "", ErrEmptyDialogue
	}

	counts := make(map[string]int)
	var speakers []string
	for _, u := range dialogue {
		if counts[u.Speaker] == 0 {
			speakers = append(speakers, u.Speaker)
		}
		counts[u.Speaker]++
	}

	parts := make([]string, 0, len(speakers))
	for _, s := range speakers {
		parts = append(parts, fmt.Sprintf("%s (%d)", s, counts[s]))
	}
	return fmt.Sprintf("%d utterances from %s.", len(dialogue), strings.Join(parts, ", ")), nil
}

// Categorize picks the first category named in the dialogue
func (m *MockSummarizer) Categorize(ctx context.Context, dialogue []entities.Utterance) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	if len(dialogue) == 0 {
		return "", ErrEmptyDialogue
	}

	for _, u := range dialogue {
		text := strings.ToLower(u.Text)
		for _, c := range Categories {
			if strings.Contains(text, c) {
				return c, nil
			}
		}
	}
	return CategoryOther, nil
}
