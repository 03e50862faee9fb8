package repositories

import (
	"context"

	"github.com/satriahrh/rapat/domain/entities"
)

// SpeechToText abstracts streaming speech recognition services
type SpeechToText interface {
	// InitTranscribeStreaming opens one recognition stream. The stream ends on its
	// own when the provider's duration limit is reached or ctx is done.
	InitTranscribeStreaming(ctx context.Context, config AudioConfig) (SpeechToTextStreaming, error)
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// BytesPerSecond returns the raw audio throughput for linear PCM encodings,
// used to place chunks on the audio timeline.
func (c AudioConfig) BytesPerSecond() int {
	switch c.Encoding {
	case "MULAW":
		return c.SampleRate
	default:
		return c.SampleRate * 2
	}
}

// SpeechToTextStreaming is a single recognition stream. Audio goes in through
// Stream, results come out of Results in order. Results is closed when the
// stream terminates; Err then reports why (nil for a natural end).
type SpeechToTextStreaming interface {
	Stream(data []byte) error
	CloseSend() error
	Results() <-chan entities.RecognitionResult
	Err() error
}
