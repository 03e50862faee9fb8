package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checkpointer is the part of MeetingService the checkpoint loop drives
type Checkpointer interface {
	Checkpoint(ctx context.Context) (int, error)
}

// CheckpointService periodically persists the live transcript so a crash
// loses at most one interval of utterances
type CheckpointService struct {
	target   Checkpointer
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewCheckpointService creates a new checkpoint service
func NewCheckpointService(target Checkpointer, interval time.Duration, logger *zap.Logger) *CheckpointService {
	return &CheckpointService{
		target:   target,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background checkpoint loop
func (s *CheckpointService) Start() {
	go s.checkpointLoop()
	s.logger.Info("Transcript checkpoint service started", zap.Duration("interval", s.interval))
}

// Stop ends the loop after one last checkpoint
func (s *CheckpointService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.done
		s.logger.Info("Transcript checkpoint service stopped")
	})
}

func (s *CheckpointService) checkpointLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			s.runCheckpoint()
			return
		case <-ticker.C:
			s.runCheckpoint()
		}
	}
}

func (s *CheckpointService) runCheckpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	n, err := s.target.Checkpoint(ctx)
	if err != nil {
		s.logger.Error("Failed to checkpoint transcript", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Debug("Transcript checkpointed", zap.Int("utterances", n))
	}
}
