package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"go.uber.org/zap"

	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/domain/repositories"
)

// DeepgramConfig configures the Deepgram live recognizer
type DeepgramConfig struct {
	APIKey string
	Model  string
}

// DeepgramSpeechToText implements SpeechToText over Deepgram's live websocket API
type DeepgramSpeechToText struct {
	cfg    DeepgramConfig
	logger *zap.Logger
}

// NewDeepgramSpeechToText creates a Deepgram recognizer
func NewDeepgramSpeechToText(cfg DeepgramConfig, logger *zap.Logger) (*DeepgramSpeechToText, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	client.InitWithDefault()
	return &DeepgramSpeechToText{cfg: cfg, logger: logger}, nil
}

func (d *DeepgramSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	encoding, err := deepgramEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	s := &DeepgramSpeechToTextStream{
		results: make(chan entities.RecognitionResult, resultBuffer),
		done:    make(chan struct{}),
		pw:      pw,
		logger:  d.logger,
	}

	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       config.Language,
		Encoding:       encoding,
		SampleRate:     config.SampleRate,
		Channels:       1,
		InterimResults: true,
		SmartFormat:    true,
		Punctuate:      true,
	}

	dgClient, err := client.NewWSUsingCallback(ctx, d.cfg.APIKey, &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}, transcriptOptions, &deepgramCallback{stream: s})
	if err != nil {
		return nil, fmt.Errorf("failed to create deepgram client: %w", err)
	}
	if !dgClient.Connect() {
		return nil, errors.New("deepgram connection failed")
	}
	s.client = dgClient

	go func() {
		if err := dgClient.Stream(pr); err != nil && ctx.Err() == nil {
			s.finish(fmt.Errorf("deepgram stream failed: %w", err))
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.finish(ctx.Err())
		case <-s.done:
		}
		_ = pr.Close()
		dgClient.Stop()
	}()

	return s, nil
}

// DeepgramSpeechToTextStream is one live connection
type DeepgramSpeechToTextStream struct {
	client  *client.WSCallback
	pw      *io.PipeWriter
	results chan entities.RecognitionResult
	done    chan struct{}
	once    sync.Once
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	err    error
}

func (d *DeepgramSpeechToTextStream) Stream(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := d.pw.Write(data); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

func (d *DeepgramSpeechToTextStream) CloseSend() error {
	return d.pw.Close()
}

func (d *DeepgramSpeechToTextStream) Results() <-chan entities.RecognitionResult {
	return d.results
}

func (d *DeepgramSpeechToTextStream) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// emit blocks until the result is queued or the stream finishes
func (d *DeepgramSpeechToTextStream) emit(res entities.RecognitionResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.results <- res:
	case <-d.done:
	}
}

// finish ends the stream once, keeping the first error
func (d *DeepgramSpeechToTextStream) finish(err error) {
	d.once.Do(func() {
		close(d.done)
		d.mu.Lock()
		d.closed = true
		d.err = err
		close(d.results)
		d.mu.Unlock()
	})
}

type deepgramCallback struct {
	stream *DeepgramSpeechToTextStream
}

func (c *deepgramCallback) Open(or *msginterfaces.OpenResponse) error {
	c.stream.logger.Debug("Deepgram connection opened")
	return nil
}

func (c *deepgramCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	c.stream.emit(entities.RecognitionResult{
		Text:    strings.TrimSpace(mr.Channel.Alternatives[0].Transcript),
		IsFinal: mr.IsFinal,
		Offset:  secondsToDuration(mr.Start + mr.Duration),
	})
	return nil
}

func (c *deepgramCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.stream.logger.Debug("Deepgram metadata received", zap.String("requestID", md.RequestID))
	return nil
}

func (c *deepgramCallback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *deepgramCallback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *deepgramCallback) Close(cr *msginterfaces.CloseResponse) error {
	c.stream.finish(nil)
	return nil
}

func (c *deepgramCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.stream.logger.Warn("Deepgram error",
		zap.String("errorCode", er.ErrCode),
		zap.String("errorMessage", er.ErrMsg))
	c.stream.finish(fmt.Errorf("deepgram error %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *deepgramCallback) UnhandledEvent(byData []byte) error {
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func deepgramEncoding(encoding string) (string, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return "linear16", nil
	case "MULAW":
		return "mulaw", nil
	default:
		return "", errors.New("unsupported encoding: " + encoding)
	}
}
