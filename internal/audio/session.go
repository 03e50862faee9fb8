package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSessionClosed is returned by blocking calls once the session is closed
var ErrSessionClosed = errors.New("audio session closed")

// State is the position of a session in its restart cycle
type State int

const (
	StateStreaming State = iota
	StateExpiring
	StateRestarting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateExpiring:
		return "expiring"
	case StateRestarting:
		return "restarting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tunes buffering and replay of a session
type Options struct {
	// MaxChunks bounds the queue of audio not yet sent to the recognizer.
	MaxChunks int
	// CarryoverWindow bounds how much sent-but-unfinalized audio is kept for replay.
	CarryoverWindow time.Duration
	// BytesPerSecond converts chunk sizes into audio time.
	BytesPerSecond int
	// OnDrop is called outside the session lock whenever a chunk is discarded.
	OnDrop func()
}

const (
	defaultMaxChunks       = 256
	defaultCarryoverWindow = 10 * time.Second
	defaultBytesPerSecond  = 32000
)

// chunk is a piece of audio placed on the session timeline. start and end are
// absolute; rel is the start inside the recognition stream it was sent on.
// arrived is when FillBuffer received it.
type chunk struct {
	data    []byte
	start   time.Duration
	end     time.Duration
	rel     time.Duration
	arrived time.Time
}

func (c chunk) duration() time.Duration { return c.end - c.start }

// Session owns one participant's audio between the socket and the recognizer.
// FillBuffer is the single producer, the recognition worker the single consumer.
type Session struct {
	clientID string
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	state        State
	paused       bool
	pending      []chunk
	sent         []chunk
	carryover    []chunk
	written      time.Duration
	streamRel    time.Duration
	restartCount int
	dropped      int
	// latest is the most recently filled chunk, without its data
	latest chunk

	resultEndOffset       time.Duration
	finalRequestEndOffset time.Duration

	signal      chan struct{}
	pauseSignal chan struct{}
	done        chan struct{}
}

// NewSession creates a session for clientID in the streaming state
func NewSession(clientID string, opts Options, logger *zap.Logger) *Session {
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = defaultMaxChunks
	}
	if opts.CarryoverWindow <= 0 {
		opts.CarryoverWindow = defaultCarryoverWindow
	}
	if opts.BytesPerSecond <= 0 {
		opts.BytesPerSecond = defaultBytesPerSecond
	}

	return &Session{
		clientID:    clientID,
		opts:        opts,
		logger:      logger.With(zap.String("clientID", clientID)),
		now:         time.Now,
		state:       StateStreaming,
		signal:      make(chan struct{}, 1),
		pauseSignal: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// ClientID returns the participant this session belongs to
func (s *Session) ClientID() string { return s.clientID }

// FillBuffer queues raw audio for the recognizer. It never blocks; audio is
// dropped silently once the session is closed, and the oldest queued chunk is
// discarded when the queue is full.
func (s *Session) FillBuffer(data []byte) {
	if len(data) == 0 {
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	c := chunk{
		data:    data,
		start:   s.written,
		end:     s.written + s.durationOf(len(data)),
		arrived: s.now(),
	}
	s.written = c.end
	s.latest = chunk{start: c.start, end: c.end, arrived: c.arrived}

	overflow := len(s.pending) >= s.opts.MaxChunks
	if overflow {
		s.pending[0] = chunk{}
		s.pending = s.pending[1:]
		s.dropped++
	}
	s.pending = append(s.pending, c)
	dropped := s.dropped
	s.mu.Unlock()

	if overflow {
		// log the first drop and then every 50th to keep a stalled consumer visible
		if dropped == 1 || dropped%50 == 0 {
			s.logger.Warn("Audio buffer full, dropping oldest chunk",
				zap.Int("dropped", dropped),
				zap.Int("maxChunks", s.opts.MaxChunks))
		}
		if s.opts.OnDrop != nil {
			s.opts.OnDrop()
		}
	}

	notify(s.signal)
}

// WaitReady blocks until there is audio to send and the session is not paused
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return ErrSessionClosed
		}
		ready := !s.paused && (len(s.pending) > 0 || len(s.carryover) > 0)
		s.mu.Unlock()

		if ready {
			return nil
		}

		select {
		case <-s.signal:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Begin starts a new recognition stream. It returns the carryover audio from
// the previous stream, which must be sent before anything from NextChunk.
func (s *Session) Begin() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, ErrSessionClosed
	}

	s.state = StateStreaming
	s.sent = s.sent[:0]
	s.streamRel = 0

	replay := make([][]byte, 0, len(s.carryover))
	for _, c := range s.carryover {
		c.rel = s.streamRel
		s.streamRel += c.duration()
		s.sent = append(s.sent, c)
		replay = append(replay, c.data)
	}
	s.carryover = nil

	return replay, nil
}

// NextChunk hands the next queued chunk to the recognizer feed. While paused
// it waits, leaving audio in the queue.
func (s *Session) NextChunk(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return nil, ErrSessionClosed
		}
		if !s.paused && len(s.pending) > 0 {
			c := s.pending[0]
			s.pending[0] = chunk{}
			s.pending = s.pending[1:]

			c.rel = s.streamRel
			s.streamRel += c.duration()
			s.sent = append(s.sent, c)
			s.trimSentLocked()
			s.mu.Unlock()
			return c.data, nil
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// trimSentLocked keeps only the most recent CarryoverWindow of sent audio
func (s *Session) trimSentLocked() {
	if len(s.sent) == 0 {
		return
	}
	last := s.sent[len(s.sent)-1].end
	i := 0
	for i < len(s.sent)-1 && last-s.sent[i].end >= s.opts.CarryoverWindow {
		i++
	}
	if i > 0 {
		s.sent = append(s.sent[:0], s.sent[i:]...)
	}
}

// Resolve maps an offset inside the current recognition stream to absolute
// audio time on the session timeline.
func (s *Session) Resolve(offset time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(offset)
}

func (s *Session) resolveLocked(offset time.Duration) time.Duration {
	if len(s.sent) == 0 {
		return s.written
	}

	first := s.sent[0]
	if offset < first.rel {
		return first.start - (first.rel - offset)
	}
	for _, c := range s.sent {
		if offset <= c.rel+c.duration() {
			return c.start + (offset - c.rel)
		}
	}
	last := s.sent[len(s.sent)-1]
	return last.end + (offset - (last.rel + last.duration()))
}

// Accept places a result on the session timeline and reports whether it is
// new. Results ending at or before the last finalized offset cover audio that
// was replayed after a restart and are rejected.
func (s *Session) Accept(result time.Duration, isFinal bool) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.resolveLocked(result)
	if end <= s.finalRequestEndOffset {
		return end, false
	}

	if end > s.resultEndOffset {
		s.resultEndOffset = end
	}
	if isFinal {
		s.finalRequestEndOffset = end
	}
	return end, true
}

// WallClock converts absolute audio time to wall-clock time. It is anchored
// on the arrival of the chunk holding offset, so gaps in what the client sends
// do not shift later utterances.
func (s *Session) WallClock(offset time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest.arrived.IsZero() {
		return s.now()
	}

	// a result offset is the end of the audio it covers, so a chunk holds
	// (start, end]; otherwise fall back to the nearest known chunk
	anchor := s.latest
	best := distance(anchor, offset)
	for _, list := range [][]chunk{s.sent, s.carryover, s.pending} {
		for _, c := range list {
			if d := distance(c, offset); d < best {
				anchor, best = c, d
			}
		}
	}
	return anchor.arrived.Add(offset - anchor.start)
}

func distance(c chunk, offset time.Duration) time.Duration {
	switch {
	case offset > c.end:
		return offset - c.end
	case offset > c.start:
		return 0
	case offset == c.start && c.start == 0:
		return 0
	}
	// one past so the chunk ending at offset wins over the one starting there
	return c.start - offset + 1
}

// Expire marks the current recognition stream as ending
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStreaming {
		s.state = StateExpiring
	}
}

// Restart snapshots the unfinalized tail of the stream that just ended into
// the carryover and bumps the restart count.
func (s *Session) Restart() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return s.restartCount, ErrSessionClosed
	}

	s.state = StateRestarting

	carry := make([]chunk, 0, len(s.sent))
	for _, c := range s.sent {
		if c.end > s.finalRequestEndOffset {
			carry = append(carry, c)
		}
	}
	s.carryover = carry
	s.sent = nil
	s.restartCount++

	return s.restartCount, nil
}

// SetPaused is driven by the arbitrator. A paused session keeps buffering.
func (s *Session) SetPaused(paused bool) {
	s.mu.Lock()
	changed := s.paused != paused
	s.paused = paused
	s.mu.Unlock()

	if !changed {
		return
	}
	notify(s.pauseSignal)
	if !paused {
		notify(s.signal)
	}
}

// Paused reports whether the arbitrator is holding this session back
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// PauseChanged fires after the paused flag flips
func (s *Session) PauseChanged() <-chan struct{} { return s.pauseSignal }

// Close discards all audio and unblocks every waiter. Closing twice is a no-op;
// the return value reports whether this call did the work.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	s.pending = nil
	s.sent = nil
	s.carryover = nil
	close(s.done)
	return true
}

// Done is closed when the session closes
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether Close has been called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

// State returns the current restart-cycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RestartCount returns how many times the recognition stream was replaced
func (s *Session) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// Dropped returns the number of chunks discarded on overflow
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Pending returns the number of queued chunks not yet sent
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Offsets returns the last result end and last final end on the session timeline
func (s *Session) Offsets() (resultEnd, finalEnd time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultEndOffset, s.finalRequestEndOffset
}

func (s *Session) durationOf(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(s.opts.BytesPerSecond)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
