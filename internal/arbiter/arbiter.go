package arbiter

import (
	"sync"
	"time"

	"github.com/satriahrh/rapat/domain/entities"
	"go.uber.org/zap"
)

// Pausable is anything the arbitrator can hold back while someone else speaks
type Pausable interface {
	SetPaused(paused bool)
}

// Publisher delivers arbitrated results to listeners
type Publisher interface {
	// PublishInterim shows an in-progress hypothesis without recording it.
	PublishInterim(speakerID string, result entities.RecognitionResult)
	// CommitResult records a final result in the transcript and announces it.
	CommitResult(speakerID string, result entities.RecognitionResult) bool
}

// Arbitrator gives the floor to one speaker at a time. The first session to
// produce speech takes the floor and every other session is paused until the
// speaker's utterance is finalized and the grace period passes, or the
// speaker disconnects.
type Arbitrator struct {
	mu       sync.Mutex
	sessions map[string]Pausable
	floor    string
	timer    *time.Timer
	gen      uint64

	grace     time.Duration
	publisher Publisher
	logger    *zap.Logger
}

// New creates an arbitrator. A grace of zero releases the floor as soon as
// the speaker's final result is committed.
func New(grace time.Duration, publisher Publisher, logger *zap.Logger) *Arbitrator {
	return &Arbitrator{
		sessions:  make(map[string]Pausable),
		grace:     grace,
		publisher: publisher,
		logger:    logger,
	}
}

// Register adds a session. It starts paused when someone else holds the floor.
func (a *Arbitrator) Register(clientID string, p Pausable) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sessions[clientID] = p
	p.SetPaused(a.floor != "" && a.floor != clientID)
}

// Release drops a session. If it held the floor, everyone else resumes at once.
func (a *Arbitrator) Release(clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.sessions, clientID)
	if a.floor == clientID {
		a.logger.Info("Speaker left, releasing floor", zap.String("clientID", clientID))
		a.releaseLocked()
	}
}

// Floor returns the client currently speaking, if any
func (a *Arbitrator) Floor() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.floor
}

// OnResult routes a recognition result from clientID. It returns false when
// another speaker holds the floor; the caller keeps the result and retries
// once it is unpaused.
func (a *Arbitrator) OnResult(clientID string, result entities.RecognitionResult) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.floor != "" && a.floor != clientID {
		return false
	}

	if result.Blank() {
		if result.IsFinal && a.floor == clientID {
			a.startGraceLocked()
		}
		return true
	}

	if a.floor != clientID {
		a.floor = clientID
		a.logger.Debug("Floor taken", zap.String("clientID", clientID))
	}
	a.pauseOthersLocked()

	if !result.IsFinal {
		a.stopTimerLocked()
		a.publisher.PublishInterim(clientID, result)
		return true
	}

	a.publisher.CommitResult(clientID, result)
	a.startGraceLocked()
	return true
}

func (a *Arbitrator) pauseOthersLocked() {
	for id, p := range a.sessions {
		if id != a.floor {
			p.SetPaused(true)
		}
	}
}

func (a *Arbitrator) releaseLocked() {
	a.stopTimerLocked()
	a.floor = ""
	for _, p := range a.sessions {
		p.SetPaused(false)
	}
}

// stopTimerLocked cancels a pending release. Bumping gen also invalidates a
// timer that already fired and is waiting on the lock.
func (a *Arbitrator) stopTimerLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Arbitrator) startGraceLocked() {
	a.stopTimerLocked()
	if a.grace <= 0 {
		a.releaseLocked()
		return
	}

	gen := a.gen
	a.timer = time.AfterFunc(a.grace, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.gen != gen {
			return
		}
		a.timer = nil
		a.releaseLocked()
	})
}
