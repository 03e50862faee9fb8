package audio

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// 100 bytes at 1000 B/s is 100ms of audio per chunk
func newTestSession(maxChunks int) *Session {
	return NewSession("client-1", Options{
		MaxChunks:       maxChunks,
		CarryoverWindow: time.Second,
		BytesPerSecond:  1000,
	}, zap.NewNop())
}

func tagged(tag byte) []byte {
	b := make([]byte, 100)
	for i := range b {
		b[i] = tag
	}
	return b
}

func drain(t *testing.T, s *Session, n int) [][]byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		data, err := s.NextChunk(ctx)
		if err != nil {
			t.Fatalf("NextChunk %d: %v", i, err)
		}
		out = append(out, data)
	}
	return out
}

func TestSession_FillAndConsumeInOrder(t *testing.T) {
	s := newTestSession(10)
	for i := byte(1); i <= 3; i++ {
		s.FillBuffer(tagged(i))
	}

	if _, err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	got := drain(t, s, 3)
	for i, data := range got {
		if data[0] != byte(i+1) {
			t.Errorf("chunk %d: expected tag %d, got %d", i, i+1, data[0])
		}
	}
	if s.Pending() != 0 {
		t.Errorf("expected empty queue, got %d", s.Pending())
	}
}

func TestSession_OverflowDropsOldest(t *testing.T) {
	var drops int32
	s := NewSession("client-1", Options{
		MaxChunks:      2,
		BytesPerSecond: 1000,
		OnDrop:         func() { atomic.AddInt32(&drops, 1) },
	}, zap.NewNop())

	for i := byte(1); i <= 4; i++ {
		s.FillBuffer(tagged(i))
	}

	if s.Dropped() != 2 {
		t.Errorf("expected 2 dropped chunks, got %d", s.Dropped())
	}
	if atomic.LoadInt32(&drops) != 2 {
		t.Errorf("expected OnDrop twice, got %d", drops)
	}

	got := drain(t, s, 2)
	if got[0][0] != 3 || got[1][0] != 4 {
		t.Errorf("expected newest chunks 3 and 4, got %d and %d", got[0][0], got[1][0])
	}
}

func TestSession_EmptyChunkIgnored(t *testing.T) {
	s := newTestSession(4)
	s.FillBuffer(nil)
	s.FillBuffer([]byte{})
	if s.Pending() != 0 {
		t.Errorf("expected nothing queued, got %d", s.Pending())
	}
}

func TestSession_FillAfterCloseIsDropped(t *testing.T) {
	s := newTestSession(4)
	if !s.Close() {
		t.Fatal("expected first Close to report true")
	}
	if s.Close() {
		t.Error("expected second Close to be a no-op")
	}

	s.FillBuffer(tagged(1))
	if s.Pending() != 0 {
		t.Errorf("expected closed session to ignore audio, got %d", s.Pending())
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed state, got %s", s.State())
	}
}

func TestSession_CloseUnblocksWaiters(t *testing.T) {
	s := newTestSession(4)

	errs := make(chan error, 2)
	go func() {
		_, err := s.NextChunk(context.Background())
		errs <- err
	}()
	go func() {
		errs <- s.WaitReady(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrSessionClosed) {
				t.Errorf("expected ErrSessionClosed, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter not released by Close")
		}
	}
}

func TestSession_PausedHoldsAudio(t *testing.T) {
	s := newTestSession(10)
	s.SetPaused(true)

	select {
	case <-s.PauseChanged():
	default:
		t.Error("expected pause change notification")
	}

	s.FillBuffer(tagged(1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.NextChunk(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected paused session to withhold audio, got %v", err)
	}
	if s.Pending() != 1 {
		t.Errorf("expected chunk to stay queued while paused, got %d", s.Pending())
	}

	got := make(chan []byte, 1)
	go func() {
		data, _ := s.NextChunk(context.Background())
		got <- data
	}()
	s.SetPaused(false)

	select {
	case data := <-got:
		if data[0] != 1 {
			t.Errorf("expected queued chunk after unpause, got tag %d", data[0])
		}
	case <-time.After(time.Second):
		t.Fatal("unpause did not release queued audio")
	}
}

func TestSession_WaitReadyNeedsAudio(t *testing.T) {
	s := newTestSession(10)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected WaitReady to block without audio, got %v", err)
	}

	s.FillBuffer(tagged(1))
	if err := s.WaitReady(context.Background()); err != nil {
		t.Fatalf("expected ready with queued audio, got %v", err)
	}
}

func TestSession_RestartReplaysUnfinalizedAudio(t *testing.T) {
	s := newTestSession(20)
	for i := byte(1); i <= 5; i++ {
		s.FillBuffer(tagged(i))
	}

	if _, err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	drain(t, s, 5)

	// the recognizer finalizes the first 250ms; chunk 3 straddles the boundary
	end, ok := s.Accept(250*time.Millisecond, true)
	if !ok || end != 250*time.Millisecond {
		t.Fatalf("expected final at 250ms to be accepted, got %v %v", end, ok)
	}

	s.Expire()
	if s.State() != StateExpiring {
		t.Errorf("expected expiring state, got %s", s.State())
	}

	count, err := s.Restart()
	if err != nil || count != 1 {
		t.Fatalf("Restart: count=%d err=%v", count, err)
	}

	replay, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin after restart: %v", err)
	}
	if len(replay) != 3 {
		t.Fatalf("expected chunks 3..5 replayed, got %d", len(replay))
	}
	for i, data := range replay {
		if data[0] != byte(i+3) {
			t.Errorf("replay %d: expected tag %d, got %d", i, i+3, data[0])
		}
	}

	// the new stream starts at chunk 3 (absolute 200ms)
	if got := s.Resolve(0); got != 200*time.Millisecond {
		t.Errorf("expected stream start at 200ms, got %v", got)
	}

	// a result re-recognized from replayed audio before the boundary is a duplicate
	if _, ok := s.Accept(50*time.Millisecond, true); ok {
		t.Error("expected replayed result ending at 250ms to be rejected")
	}

	// new speech past the boundary is kept
	end, ok = s.Accept(250*time.Millisecond, true)
	if !ok || end != 450*time.Millisecond {
		t.Errorf("expected final at 450ms, got %v %v", end, ok)
	}
}

func TestSession_RestartKeepsEverythingWithoutFinal(t *testing.T) {
	s := newTestSession(20)
	for i := byte(1); i <= 3; i++ {
		s.FillBuffer(tagged(i))
	}

	s.Begin()
	drain(t, s, 3)
	s.Accept(150*time.Millisecond, false)
	s.Restart()

	replay, _ := s.Begin()
	if len(replay) != 3 {
		t.Errorf("expected all 3 chunks replayed without a final, got %d", len(replay))
	}
}

func TestSession_CarryoverBoundedByWindow(t *testing.T) {
	s := newTestSession(50)
	for i := byte(1); i <= 20; i++ {
		s.FillBuffer(tagged(i))
	}

	s.Begin()
	drain(t, s, 20)
	s.Restart()

	replay, _ := s.Begin()
	// one second of window at 100ms chunks, plus the chunk at the boundary
	if len(replay) > 11 {
		t.Errorf("expected carryover bounded by window, got %d chunks", len(replay))
	}
	if replay[len(replay)-1][0] != 20 {
		t.Errorf("expected newest chunk kept, got tag %d", replay[len(replay)-1][0])
	}
}

func TestSession_RestartAfterCloseFails(t *testing.T) {
	s := newTestSession(4)
	s.Close()

	if _, err := s.Restart(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.Begin(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSession_WallClock(t *testing.T) {
	s := newTestSession(4)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.FillBuffer(tagged(1))
	if got := s.WallClock(1500 * time.Millisecond); !got.Equal(base.Add(1500 * time.Millisecond)) {
		t.Errorf("expected %v, got %v", base.Add(1500*time.Millisecond), got)
	}
}

func TestSession_WallClockFollowsArrivalAcrossGaps(t *testing.T) {
	s := newTestSession(4)
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	now := t0
	s.now = func() time.Time { return now }

	s.FillBuffer(tagged(1))
	now = t0.Add(10 * time.Minute)
	s.FillBuffer(tagged(2))

	check := func(stage string) {
		t.Helper()
		tests := []struct {
			offset time.Duration
			want   time.Time
		}{
			{50 * time.Millisecond, t0.Add(50 * time.Millisecond)},
			{100 * time.Millisecond, t0.Add(100 * time.Millisecond)},
			{150 * time.Millisecond, t0.Add(10*time.Minute + 50*time.Millisecond)},
			{200 * time.Millisecond, t0.Add(10*time.Minute + 100*time.Millisecond)},
		}
		for _, tt := range tests {
			if got := s.WallClock(tt.offset); !got.Equal(tt.want) {
				t.Errorf("%s: WallClock(%v) = %v, want %v", stage, tt.offset, got, tt.want)
			}
		}
	}

	check("queued")

	if _, err := s.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	drain(t, s, 2)
	check("sent")

	s.Expire()
	if _, err := s.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	check("carried over")
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateStreaming:  "streaming",
		StateExpiring:   "expiring",
		StateRestarting: "restarting",
		StateClosed:     "closed",
		State(42):       "unknown",
	}
	for state, want := range tests {
		if state.String() != want {
			t.Errorf("expected %q, got %q", want, state.String())
		}
	}
}
