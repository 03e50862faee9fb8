package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/domain/repositories"
	"github.com/satriahrh/rapat/internal/arbiter"
	"github.com/satriahrh/rapat/internal/audio"
	"github.com/satriahrh/rapat/internal/metrics"
)

// 500Hz LINEAR16 is 1000 bytes per second, so a 100 byte chunk is 100ms
var testAudio = repositories.AudioConfig{SampleRate: 500, Encoding: "LINEAR16", Language: "en-US"}

func chunk(tag byte) []byte {
	b := make([]byte, 100)
	for i := range b {
		b[i] = tag
	}
	return b
}

// fakeStream finalizes every pair of chunks it receives and ends itself after
// limit chunks, the way a provider ends a stream at its duration cap.
type fakeStream struct {
	mu      sync.Mutex
	results chan entities.RecognitionResult
	limit   int
	tags    []string
	rel     time.Duration
	closed  bool
}

func (s *fakeStream) Stream(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("stream closed")
	}
	s.tags = append(s.tags, fmt.Sprint(data[0]))
	s.rel += time.Duration(len(data)) * time.Millisecond

	if len(s.tags)%2 == 0 {
		s.results <- entities.RecognitionResult{
			Text:    strings.Join(s.tags[len(s.tags)-2:], " "),
			IsFinal: true,
			Offset:  s.rel,
		}
	}
	if s.limit > 0 && len(s.tags) >= s.limit {
		s.closeLocked()
	}
	return nil
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *fakeStream) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.results)
	}
}

func (s *fakeStream) Results() <-chan entities.RecognitionResult { return s.results }
func (s *fakeStream) Err() error                                 { return nil }

type fakeSTT struct {
	mu     sync.Mutex
	limits []int
	opened int
	fail   error
	panics bool
}

func (f *fakeSTT) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	if f.panics {
		panic("recognizer exploded")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		f.opened++
		return nil, f.fail
	}

	limit := 0
	if f.opened < len(f.limits) {
		limit = f.limits[f.opened]
	}
	f.opened++

	s := &fakeStream{results: make(chan entities.RecognitionResult, 16), limit: limit}
	go func() {
		<-ctx.Done()
		s.CloseSend()
	}()
	return s, nil
}

func (f *fakeSTT) openedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

type fakeArbiter struct {
	mu         sync.Mutex
	refuse     bool
	registered []string
	released   []string
	results    []entities.RecognitionResult
}

func (a *fakeArbiter) Register(clientID string, p arbiter.Pausable) {
	a.mu.Lock()
	a.registered = append(a.registered, clientID)
	a.mu.Unlock()
}

func (a *fakeArbiter) Release(clientID string) {
	a.mu.Lock()
	a.released = append(a.released, clientID)
	a.mu.Unlock()
}

func (a *fakeArbiter) OnResult(clientID string, r entities.RecognitionResult) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refuse {
		return false
	}
	a.results = append(a.results, r)
	return true
}

func (a *fakeArbiter) setRefuse(v bool) {
	a.mu.Lock()
	a.refuse = v
	a.mu.Unlock()
}

func (a *fakeArbiter) finals() []entities.RecognitionResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []entities.RecognitionResult
	for _, r := range a.results {
		if r.IsFinal {
			out = append(out, r)
		}
	}
	return out
}

func (a *fakeArbiter) releasedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.released)
}

func newTestRegistry(stt repositories.SpeechToText, arb Arbiter) *Registry {
	return NewRegistry(stt, arb, Config{
		BufferChunks:    32,
		CarryoverWindow: 5 * time.Second,
		StreamLimit:     time.Minute,
		RestartBackoff:  time.Millisecond,
	}, metrics.NewNop(), zap.NewNop())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegistry_RestartIsLossless(t *testing.T) {
	stt := &fakeSTT{limits: []int{3}}
	arb := &fakeArbiter{}
	reg := newTestRegistry(stt, arb)
	defer reg.CloseAll(context.Background())

	sess, err := reg.Open("A", testAudio, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := byte(1); i <= 6; i++ {
		sess.FillBuffer(chunk(i))
	}

	waitFor(t, "three finals", func() bool { return len(arb.finals()) >= 3 })

	finals := arb.finals()
	want := []struct {
		text   string
		offset time.Duration
	}{
		{"1 2", 200 * time.Millisecond},
		{"3 4", 400 * time.Millisecond},
		{"5 6", 600 * time.Millisecond},
	}
	for i, w := range want {
		if finals[i].Text != w.text {
			t.Errorf("final %d: expected %q, got %q", i, w.text, finals[i].Text)
		}
		if finals[i].Offset != w.offset {
			t.Errorf("final %d: expected offset %v, got %v", i, w.offset, finals[i].Offset)
		}
		if finals[i].SpeakerID != "A" {
			t.Errorf("final %d: expected speaker A, got %q", i, finals[i].SpeakerID)
		}
	}
	if len(finals) != 3 {
		t.Errorf("expected exactly 3 finals, got %d", len(finals))
	}
	if sess.RestartCount() < 1 {
		t.Errorf("expected at least one restart, got %d", sess.RestartCount())
	}
	if stt.openedCount() < 2 {
		t.Errorf("expected a second recognition stream, got %d", stt.openedCount())
	}
}

func TestRegistry_NoStreamWithoutAudio(t *testing.T) {
	stt := &fakeSTT{}
	reg := newTestRegistry(stt, &fakeArbiter{})
	defer reg.CloseAll(context.Background())

	if _, err := reg.Open("A", testAudio, false); err != nil {
		t.Fatalf("Open: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if stt.openedCount() != 0 {
		t.Errorf("expected no recognition stream before audio, got %d", stt.openedCount())
	}
}

func TestRegistry_DuplicateAndReplace(t *testing.T) {
	arb := &fakeArbiter{}
	reg := newTestRegistry(&fakeSTT{}, arb)
	defer reg.CloseAll(context.Background())

	first, err := reg.Open("A", testAudio, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := reg.Open("A", testAudio, false); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}

	second, err := reg.Open("A", testAudio, true)
	if err != nil {
		t.Fatalf("Open with replace: %v", err)
	}
	if !first.Closed() {
		t.Error("expected replaced session closed")
	}

	// the stale socket going away must not take the new session with it
	if reg.Detach(first) {
		t.Error("expected Detach of a stale session to report false")
	}
	if second.Closed() {
		t.Error("expected current session to survive stale Detach")
	}
	if got, ok := reg.Get("A"); !ok || got != second {
		t.Error("expected registry to keep the new session")
	}

	if !reg.Detach(second) {
		t.Error("expected Detach of the current session to report true")
	}
	if _, ok := reg.Get("A"); ok {
		t.Error("expected session removed after Detach")
	}
}

func TestRegistry_CloseReleasesArbiter(t *testing.T) {
	arb := &fakeArbiter{}
	reg := newTestRegistry(&fakeSTT{}, arb)

	sess, _ := reg.Open("A", testAudio, false)

	if !reg.Close("A") {
		t.Fatal("expected Close to report true")
	}
	if reg.Close("A") {
		t.Error("expected second Close to be a no-op")
	}
	if reg.Close("unknown") {
		t.Error("expected Close of unknown client to report false")
	}

	if !sess.Closed() {
		t.Error("expected session closed")
	}
	if arb.releasedCount() != 1 {
		t.Errorf("expected one arbiter release, got %d", arb.releasedCount())
	}
	if len(reg.Active()) != 0 {
		t.Errorf("expected no active sessions, got %v", reg.Active())
	}

	if err := reg.CloseAll(context.Background()); err != nil {
		t.Errorf("CloseAll: %v", err)
	}
}

func TestRegistry_InitFailureRetries(t *testing.T) {
	stt := &fakeSTT{fail: errors.New("quota exceeded")}
	reg := newTestRegistry(stt, &fakeArbiter{})

	sess, _ := reg.Open("A", testAudio, false)
	sess.FillBuffer(chunk(1))

	waitFor(t, "retries", func() bool { return stt.openedCount() >= 3 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := reg.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
}

func TestRegistry_WorkerPanicClosesSession(t *testing.T) {
	arb := &fakeArbiter{}
	reg := newTestRegistry(&fakeSTT{panics: true}, arb)

	sess, _ := reg.Open("A", testAudio, false)
	sess.FillBuffer(chunk(1))

	waitFor(t, "session teardown", func() bool {
		_, ok := reg.Get("A")
		return !ok && sess.Closed()
	})
	if arb.releasedCount() != 1 {
		t.Errorf("expected arbiter release after panic, got %d", arb.releasedCount())
	}

	if err := reg.CloseAll(context.Background()); err != nil {
		t.Errorf("CloseAll: %v", err)
	}
}

func TestWorker_HoldsAndFlushesInOrder(t *testing.T) {
	arb := &fakeArbiter{refuse: true}
	reg := newTestRegistry(&fakeSTT{}, arb)

	sess := audio.NewSession("A", audio.Options{BytesPerSecond: testAudio.BytesPerSecond()}, zap.NewNop())
	w := &worker{registry: reg, session: sess, logger: zap.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := byte(1); i <= 4; i++ {
		sess.FillBuffer(chunk(i))
	}
	sess.Begin()
	for i := 0; i < 4; i++ {
		if _, err := sess.NextChunk(ctx); err != nil {
			t.Fatalf("NextChunk: %v", err)
		}
	}

	w.handle(entities.RecognitionResult{Text: "one", IsFinal: true, Offset: 100 * time.Millisecond})
	w.handle(entities.RecognitionResult{Text: "tw", Offset: 150 * time.Millisecond})
	w.handle(entities.RecognitionResult{Text: "two", Offset: 200 * time.Millisecond})
	w.handle(entities.RecognitionResult{Text: "two three", IsFinal: true, Offset: 300 * time.Millisecond})

	if len(w.held) != 2 {
		t.Fatalf("expected two finals held with interims collapsed, got %+v", w.held)
	}

	arb.setRefuse(false)
	w.flush()

	arb.mu.Lock()
	defer arb.mu.Unlock()
	var texts []string
	for _, r := range arb.results {
		texts = append(texts, r.Text)
	}
	if strings.Join(texts, "|") != "one|two three" {
		t.Errorf("expected held results delivered in order, got %v", texts)
	}
	if len(w.held) != 0 {
		t.Errorf("expected nothing held after flush, got %d", len(w.held))
	}
}

func TestWorker_DropsReplayedResults(t *testing.T) {
	arb := &fakeArbiter{}
	reg := newTestRegistry(&fakeSTT{}, arb)

	sess := audio.NewSession("A", audio.Options{BytesPerSecond: testAudio.BytesPerSecond()}, zap.NewNop())
	w := &worker{registry: reg, session: sess, logger: zap.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := byte(1); i <= 2; i++ {
		sess.FillBuffer(chunk(i))
	}
	sess.Begin()
	sess.NextChunk(ctx)
	sess.NextChunk(ctx)

	w.handle(entities.RecognitionResult{Text: "hello", IsFinal: true, Offset: 200 * time.Millisecond})
	w.handle(entities.RecognitionResult{Text: "hello", IsFinal: true, Offset: 200 * time.Millisecond})

	if got := len(arb.finals()); got != 1 {
		t.Errorf("expected duplicate final dropped, got %d commits", got)
	}
}

// gathered returns the sample count of a histogram or the value of a counter
func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name || len(f.GetMetric()) == 0 {
			continue
		}
		metric := f.GetMetric()[0]
		if h := metric.GetHistogram(); h != nil {
			return float64(h.GetSampleCount())
		}
		return metric.GetCounter().GetValue()
	}
	return 0
}

func TestRegistry_RecordsEveryStream(t *testing.T) {
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	stt := &fakeSTT{limits: []int{3}}
	arb := &fakeArbiter{}
	reg := NewRegistry(stt, arb, Config{
		BufferChunks:    32,
		CarryoverWindow: 5 * time.Second,
		StreamLimit:     time.Minute,
		RestartBackoff:  time.Millisecond,
	}, m, zap.NewNop())

	sess, err := reg.Open("A", testAudio, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := byte(1); i <= 6; i++ {
		sess.FillBuffer(chunk(i))
	}
	waitFor(t, "three finals", func() bool { return len(arb.finals()) >= 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reg.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	// the stream cut at its limit and the one ended by the close
	if got := gathered(t, promReg, "rapat_recognition_stream_duration_seconds"); got != 2 {
		t.Errorf("expected 2 recorded streams, got %v", got)
	}
	if got := gathered(t, promReg, "rapat_recognition_stream_restarts_total"); got != 1 {
		t.Errorf("expected 1 restart, got %v", got)
	}
}
