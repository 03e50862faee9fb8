package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/domain/repositories"
	"github.com/satriahrh/rapat/internal/arbiter"
	"github.com/satriahrh/rapat/internal/audio"
	"github.com/satriahrh/rapat/internal/metrics"
)

// ErrDuplicateSession is returned by Open when the client already streams audio
// and replacement was not requested.
var ErrDuplicateSession = errors.New("audio session already open for client")

// Arbiter decides which session may speak
type Arbiter interface {
	Register(clientID string, p arbiter.Pausable)
	Release(clientID string)
	OnResult(clientID string, result entities.RecognitionResult) bool
}

// Config tunes every session the registry opens
type Config struct {
	BufferChunks    int
	CarryoverWindow time.Duration
	StreamLimit     time.Duration
	RestartBackoff  time.Duration
}

// Registry owns the audio sessions of all connected microphones and the
// recognition worker behind each one.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup

	stt     repositories.SpeechToText
	arbiter Arbiter
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(
	stt repositories.SpeechToText,
	arb Arbiter,
	cfg Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Registry {
	if cfg.StreamLimit <= 0 {
		cfg.StreamLimit = 290 * time.Second
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = time.Second
	}

	return &Registry{
		workers: make(map[string]*worker),
		stt:     stt,
		arbiter: arb,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Open starts an audio session and its recognition worker for clientID.
// With replace set, an existing session for the same client is closed first;
// otherwise ErrDuplicateSession is returned.
func (r *Registry) Open(clientID string, audioCfg repositories.AudioConfig, replace bool) (*audio.Session, error) {
	r.mu.Lock()
	if old, ok := r.workers[clientID]; ok {
		if !replace {
			r.mu.Unlock()
			return nil, ErrDuplicateSession
		}
		delete(r.workers, clientID)
		r.mu.Unlock()
		r.logger.Info("Replacing audio session", zap.String("clientID", clientID))
		r.stop(old)
		r.mu.Lock()
	}

	sess := audio.NewSession(clientID, audio.Options{
		MaxChunks:       r.cfg.BufferChunks,
		CarryoverWindow: r.cfg.CarryoverWindow,
		BytesPerSecond:  audioCfg.BytesPerSecond(),
		OnDrop:          r.metrics.DroppedChunks.Inc,
	}, r.logger)

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		registry: r,
		session:  sess,
		audioCfg: audioCfg,
		ctx:      ctx,
		cancel:   cancel,
		logger:   r.logger.With(zap.String("clientID", clientID)),
	}
	r.workers[clientID] = w
	r.wg.Add(1)
	r.mu.Unlock()

	r.arbiter.Register(clientID, sess)
	r.metrics.RecordSessionOpened()

	go w.run()

	w.logger.Info("Audio session opened",
		zap.Int("sampleRate", audioCfg.SampleRate),
		zap.String("encoding", audioCfg.Encoding),
		zap.String("language", audioCfg.Language))

	return sess, nil
}

// Close tears down the session of clientID. It is safe to call for unknown
// clients and more than once.
func (r *Registry) Close(clientID string) bool {
	r.mu.Lock()
	w, ok := r.workers[clientID]
	if ok {
		delete(r.workers, clientID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.stop(w)
	return true
}

// Detach closes sess only if it is still the client's current session, so a
// stale socket cannot tear down the session of a reconnected client.
func (r *Registry) Detach(sess *audio.Session) bool {
	r.mu.Lock()
	w, ok := r.workers[sess.ClientID()]
	if !ok || w.session != sess {
		r.mu.Unlock()
		sess.Close()
		return false
	}
	delete(r.workers, sess.ClientID())
	r.mu.Unlock()

	r.stop(w)
	return true
}

// Get returns the open session of clientID
func (r *Registry) Get(clientID string) (*audio.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[clientID]
	if !ok {
		return nil, false
	}
	return w.session, true
}

// Active returns the ids of clients with an open session
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every session and waits for the workers to finish or ctx
// to end.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	workers := make([]*worker, 0, len(r.workers))
	for id, w := range r.workers {
		workers = append(workers, w)
		delete(r.workers, id)
	}
	r.mu.Unlock()

	for _, w := range workers {
		r.stop(w)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) stop(w *worker) {
	if !w.session.Close() {
		return
	}
	w.cancel()
	r.arbiter.Release(w.session.ClientID())
	r.metrics.RecordSessionClosed()
	w.logger.Info("Audio session closed",
		zap.Int("restartCount", w.session.RestartCount()),
		zap.Int("droppedChunks", w.session.Dropped()))
}

// exited is called by a worker that stopped on its own
func (r *Registry) exited(w *worker) {
	r.mu.Lock()
	if cur, ok := r.workers[w.session.ClientID()]; ok && cur == w {
		delete(r.workers, w.session.ClientID())
	}
	r.mu.Unlock()
	r.stop(w)
}
