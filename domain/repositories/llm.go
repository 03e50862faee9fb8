package repositories

import (
	"context"

	"github.com/satriahrh/rapat/domain/entities"
)

// Summarizer abstracts any LLM provider able to summarize a transcript
type Summarizer interface {
	// Summarize takes the ordered transcript and returns free-form summary text
	Summarize(ctx context.Context, dialogue []entities.Utterance) (string, error)
}

// Categorizer files a transcript under one topic of a fixed list
type Categorizer interface {
	Categorize(ctx context.Context, dialogue []entities.Utterance) (string, error)
}
