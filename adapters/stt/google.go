package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/domain/repositories"
)

// resultBuffer is how many results a stream queues before the receiver blocks
const resultBuffer = 16

// GoogleSpeechToText implements SpeechToText for Google Cloud
type GoogleSpeechToText struct {
	client *speech.Client
	logger *zap.Logger
}

// NewGoogleSpeechToText creates a client using application default credentials
func NewGoogleSpeechToText(ctx context.Context, logger *zap.Logger) (*GoogleSpeechToText, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleSpeechToText{client: client, logger: logger}, nil
}

// Close releases the underlying client
func (g *GoogleSpeechToText) Close() error {
	return g.client.Close()
}

func (g *GoogleSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}

	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   encoding,
					SampleRateHertz:            int32(config.SampleRate),
					LanguageCode:               config.Language,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: true,
			},
		},
	}); err != nil {
		stream.CloseSend()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &GoogleSpeechToTextStream{
		stream:  stream,
		ctx:     ctx,
		results: make(chan entities.RecognitionResult, resultBuffer),
		logger:  g.logger,
	}
	go s.receiveResults()

	return s, nil
}

// GoogleSpeechToTextStream is one StreamingRecognize call. Stream and
// CloseSend must be called from a single goroutine.
type GoogleSpeechToTextStream struct {
	stream  speechpb.Speech_StreamingRecognizeClient
	ctx     context.Context
	results chan entities.RecognitionResult
	logger  *zap.Logger

	mu  sync.Mutex
	err error
}

func (g *GoogleSpeechToTextStream) Stream(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := g.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}

	return nil
}

func (g *GoogleSpeechToTextStream) CloseSend() error {
	return g.stream.CloseSend()
}

func (g *GoogleSpeechToTextStream) Results() <-chan entities.RecognitionResult {
	return g.results
}

func (g *GoogleSpeechToTextStream) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *GoogleSpeechToTextStream) receiveResults() {
	defer close(g.results)

	for {
		resp, err := g.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			g.setErr(classifyRecvError(g.ctx, err))
			return
		}

		res, ok := mergeResults(resp.Results)
		if !ok {
			continue
		}

		select {
		case g.results <- res:
		case <-g.ctx.Done():
			g.setErr(g.ctx.Err())
			return
		}
	}
}

func (g *GoogleSpeechToTextStream) setErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

// classifyRecvError separates the provider's duration limit, which is a
// normal end of stream, from real failures
func classifyRecvError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch status.Code(err) {
	case codes.OutOfRange:
		return nil
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return fmt.Errorf("failed to receive response: %w", err)
}

// mergeResults folds one response into a single hypothesis. A final result
// stands alone; interim results of different stability are joined.
func mergeResults(results []*speechpb.StreamingRecognitionResult) (entities.RecognitionResult, bool) {
	var (
		out   entities.RecognitionResult
		parts []string
		found bool
	)
	for _, r := range results {
		if len(r.Alternatives) == 0 {
			continue
		}
		end := r.GetResultEndTime().AsDuration()
		if r.IsFinal {
			return entities.RecognitionResult{
				Text:    strings.TrimSpace(r.Alternatives[0].Transcript),
				IsFinal: true,
				Offset:  end,
			}, true
		}
		found = true
		parts = append(parts, strings.TrimSpace(r.Alternatives[0].Transcript))
		if end > out.Offset {
			out.Offset = end
		}
	}
	if !found {
		return out, false
	}
	out.Text = strings.Join(parts, " ")
	return out, true
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, errors.New("unsupported encoding: " + encoding)
	}
}
