package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/satriahrh/rapat/domain/entities"
)

// ErrEmptyDialogue is returned when there is nothing to summarize
var ErrEmptyDialogue = errors.New("dialogue is empty")

// Categories a dialogue can be filed under, besides CategoryOther
var Categories = []string{
	"visa", "labor", "education", "medical", "housing",
	"employment", "business", "marriage", "legal",
}

// CategoryOther is used when no listed topic fits
const CategoryOther = "other"

const summaryInstructions = `You are summarizing the Q&A of a meeting. The dialogue is given below as a
JSON list in the order it was spoken. Each element has "timestamp" (unix
seconds), "speaker" (the person who spoke) and "text" (what they said).

Write the summary in the language of the dialogue, in at most five short
bullet points. Attribute decisions and open questions to their speakers. Keep
the wording polite and neutral and leave out small talk.

-json-
`

const categoryInstructions = `You are classifying the topic of a meeting's Q&A. The dialogue is given below
as a JSON list in the order it was spoken. Each element has "timestamp" (unix
seconds), "speaker" (the person who spoke) and "text" (what they said).

Pick exactly one of these topics: %s.
Answer with that single word only, in lowercase, without punctuation.

-json-
`

type promptUtterance struct {
	Timestamp int64  `json:"timestamp"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
}

// BuildSummaryPrompt renders the instruction and the dialogue as JSON
func BuildSummaryPrompt(dialogue []entities.Utterance) (string, error) {
	data, err := encodeDialogue(dialogue)
	if err != nil {
		return "", err
	}
	return summaryInstructions + data, nil
}

// BuildCategoryPrompt renders the classification instruction and the dialogue
func BuildCategoryPrompt(dialogue []entities.Utterance) (string, error) {
	data, err := encodeDialogue(dialogue)
	if err != nil {
		return "", err
	}
	topics := strings.Join(append(append([]string{}, Categories...), CategoryOther), ", ")
	return fmt.Sprintf(categoryInstructions, topics) + data, nil
}

// NormalizeCategory maps a model answer onto the category list. Anything
// unrecognized is CategoryOther.
func NormalizeCategory(answer string) string {
	answer = strings.ToLower(strings.TrimFunc(answer, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('A' <= r && r <= 'Z')
	}))
	for _, c := range Categories {
		if answer == c {
			return c
		}
	}
	return CategoryOther
}

func encodeDialogue(dialogue []entities.Utterance) (string, error) {
	if len(dialogue) == 0 {
		return "", ErrEmptyDialogue
	}

	items := make([]promptUtterance, 0, len(dialogue))
	for _, u := range dialogue {
		items = append(items, promptUtterance{
			Timestamp: u.Timestamp.Unix(),
			Speaker:   u.Speaker,
			Text:      u.Text,
		})
	}

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode dialogue: %w", err)
	}
	return string(data), nil
}
