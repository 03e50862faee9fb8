package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/domain/repositories"
	"github.com/satriahrh/rapat/internal/audio"
)

// maxHeld bounds the results a paused worker keeps for later delivery
const maxHeld = 64

// worker drives one session: it opens recognition streams on demand, feeds
// them audio, routes their results through the arbiter and restarts them when
// the provider ends the stream.
type worker struct {
	registry *Registry
	session  *audio.Session
	audioCfg repositories.AudioConfig
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger

	// results the arbiter has not accepted yet, oldest first
	held []entities.RecognitionResult
}

func (w *worker) run() {
	defer w.registry.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("Recognition worker panicked", zap.Any("panic", rec))
		}
		w.registry.exited(w)
	}()

	for {
		if err := w.session.WaitReady(w.ctx); err != nil {
			return
		}

		started := time.Now()
		err := w.stream()
		if w.session.Closed() {
			w.registry.metrics.RecordStreamEnded(time.Since(started).Seconds(), false)
			return
		}

		if err != nil {
			w.registry.metrics.RecognitionErrors.Inc()
			w.logger.Warn("Recognition stream ended with error, restarting", zap.Error(err))
		}

		count, rerr := w.session.Restart()
		if rerr != nil {
			w.registry.metrics.RecordStreamEnded(time.Since(started).Seconds(), false)
			return
		}
		w.registry.metrics.RecordStreamEnded(time.Since(started).Seconds(), true)
		w.logger.Debug("Recognition stream restarted", zap.Int("restartCount", count))

		// a stream that failed or ended right away would otherwise spin
		if err != nil || time.Since(started) < w.registry.cfg.RestartBackoff {
			if !w.backoff() {
				return
			}
		}
	}
}

func (w *worker) backoff() bool {
	t := time.NewTimer(w.registry.cfg.RestartBackoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// stream runs a single recognition stream until the provider closes it
func (w *worker) stream() error {
	ctx, cancel := context.WithTimeout(w.ctx, w.registry.cfg.StreamLimit)
	defer cancel()

	streaming, err := w.registry.stt.InitTranscribeStreaming(ctx, w.audioCfg)
	if err != nil {
		return fmt.Errorf("failed to start recognition stream: %w", err)
	}

	replay, err := w.session.Begin()
	if err != nil {
		return err
	}

	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		w.feed(ctx, streaming, replay)
	}()

	w.drain(ctx, streaming)

	w.session.Expire()
	cancel()
	<-feedDone

	if err := streaming.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// feed sends replayed audio first, then live audio, until the stream or the
// session ends
func (w *worker) feed(ctx context.Context, streaming repositories.SpeechToTextStreaming, replay [][]byte) {
	defer func() {
		if err := streaming.CloseSend(); err != nil {
			w.logger.Debug("Failed to close recognition send side", zap.Error(err))
		}
	}()

	for _, data := range replay {
		if err := streaming.Stream(data); err != nil {
			w.logger.Debug("Failed to replay audio", zap.Error(err))
			return
		}
	}

	for {
		data, err := w.session.NextChunk(ctx)
		if err != nil {
			return
		}
		if err := streaming.Stream(data); err != nil {
			w.logger.Debug("Failed to send audio", zap.Error(err))
			return
		}
	}
}

func (w *worker) drain(ctx context.Context, streaming repositories.SpeechToTextStreaming) {
	results := streaming.Results()
	for {
		select {
		case res, ok := <-results:
			if !ok {
				return
			}
			w.handle(res)
		case <-w.session.PauseChanged():
			w.flush()
		case <-ctx.Done():
			return
		}
	}
}

func (w *worker) handle(res entities.RecognitionResult) {
	end, fresh := w.session.Accept(res.Offset, res.IsFinal)
	if !fresh {
		w.registry.metrics.DuplicateResults.Inc()
		w.logger.Debug("Dropping replayed result",
			zap.Duration("offset", end),
			zap.Bool("isFinal", res.IsFinal))
		return
	}

	res.Offset = end
	res.Timestamp = w.session.WallClock(end)
	res.SpeakerID = w.session.ClientID()

	if res.Blank() && !res.IsFinal {
		return
	}

	if len(w.held) > 0 || w.session.Paused() {
		w.hold(res)
		w.flush()
		return
	}
	w.deliver(res)
}

func (w *worker) deliver(res entities.RecognitionResult) {
	if !w.registry.arbiter.OnResult(w.session.ClientID(), res) {
		w.hold(res)
		return
	}
	if !res.IsFinal {
		w.registry.metrics.InterimResults.Inc()
	}
}

// hold keeps a result for later. Only the newest interim matters, so a new
// result replaces a trailing interim.
func (w *worker) hold(res entities.RecognitionResult) {
	if n := len(w.held); n > 0 && !w.held[n-1].IsFinal {
		w.held = w.held[:n-1]
	}
	if len(w.held) >= maxHeld {
		w.logger.Warn("Held results overflow, dropping oldest")
		w.held = w.held[1:]
	}
	w.held = append(w.held, res)
}

// flush delivers held results in order until the arbiter refuses one
func (w *worker) flush() {
	for len(w.held) > 0 && !w.session.Paused() {
		res := w.held[0]
		if !w.registry.arbiter.OnResult(w.session.ClientID(), res) {
			return
		}
		w.held[0] = entities.RecognitionResult{}
		w.held = w.held[1:]
		if !res.IsFinal {
			w.registry.metrics.InterimResults.Inc()
		}
	}
}
