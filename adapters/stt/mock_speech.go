package stt

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/domain/repositories"
)

var defaultPhrases = []string{
	"good morning everyone",
	"could you share the agenda for today",
	"thank you that answers my question",
}

// MockSpeechToText is a placeholder recognizer that turns audio volume into
// scripted phrases. Every FinalEvery of audio finalizes the current phrase;
// chunks in between produce growing interim hypotheses.
type MockSpeechToText struct {
	Phrases    []string
	FinalEvery time.Duration
	logger     *zap.Logger
}

// NewMockSpeechToText creates a new mock speech-to-text service
func NewMockSpeechToText(logger *zap.Logger) *MockSpeechToText {
	return &MockSpeechToText{
		Phrases:    defaultPhrases,
		FinalEvery: 2 * time.Second,
		logger:     logger,
	}
}

// InitTranscribeStreaming creates a new mock streaming session
func (s *MockSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	s.logger.Debug("Initializing mock streaming transcription",
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	phrases := s.Phrases
	if len(phrases) == 0 {
		phrases = defaultPhrases
	}
	every := s.FinalEvery
	if every <= 0 {
		every = 2 * time.Second
	}

	return &MockSpeechToTextStream{
		ctx:            ctx,
		phrases:        phrases,
		finalEvery:     every,
		bytesPerSecond: config.BytesPerSecond(),
		results:        make(chan entities.RecognitionResult, resultBuffer),
	}, nil
}

// MockSpeechToTextStream is a mock implementation of streaming speech recognition
type MockSpeechToTextStream struct {
	ctx            context.Context
	phrases        []string
	finalEvery     time.Duration
	bytesPerSecond int
	results        chan entities.RecognitionResult

	mu        sync.Mutex
	closed    bool
	received  int
	lastFinal time.Duration
	phrase    int
}

// Stream implements mock streaming audio processing
func (m *MockSpeechToTextStream) Stream(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return context.Canceled
	}
	if len(data) == 0 {
		return nil
	}

	m.received += len(data)
	offset := time.Duration(m.received) * time.Second / time.Duration(m.bytesPerSecond)
	words := strings.Fields(m.phrases[m.phrase%len(m.phrases)])

	res := entities.RecognitionResult{Offset: offset}
	if offset-m.lastFinal >= m.finalEvery {
		res.Text = strings.Join(words, " ")
		res.IsFinal = true
		m.lastFinal = offset
		m.phrase++
	} else {
		n := int(float64(len(words)) * float64(offset-m.lastFinal) / float64(m.finalEvery))
		if n < 1 {
			n = 1
		}
		res.Text = strings.Join(words[:n], " ")
	}

	select {
	case m.results <- res:
		return nil
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
}

// CloseSend ends the stream
func (m *MockSpeechToTextStream) CloseSend() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.results)
	}
	return nil
}

func (m *MockSpeechToTextStream) Results() <-chan entities.RecognitionResult {
	return m.results
}

func (m *MockSpeechToTextStream) Err() error {
	return nil
}
