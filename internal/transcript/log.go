package transcript

import (
	"context"
	"sync"

	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/domain/repositories"
	"go.uber.org/zap"
)

// Log is the ordered record of committed utterances for the running meeting.
// Append order is commit order; callers serialize commits.
type Log struct {
	mu    sync.RWMutex
	items []entities.Utterance
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Append(u entities.Utterance) {
	l.mu.Lock()
	l.items = append(l.items, u)
	l.mu.Unlock()
}

// Snapshot returns a copy of the current transcript
func (l *Log) Snapshot() []entities.Utterance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]entities.Utterance, len(l.items))
	copy(out, l.items)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Drain empties the log and returns what it held
func (l *Log) Drain() []entities.Utterance {
	l.mu.Lock()
	items := l.items
	l.items = nil
	l.mu.Unlock()
	return items
}

// Resolve returns a copy of items with speaker ids replaced by display names.
// Ids the directory cannot resolve are kept as they are.
func Resolve(ctx context.Context, items []entities.Utterance, dir repositories.SpeakerDirectory, logger *zap.Logger) []entities.Utterance {
	out := make([]entities.Utterance, len(items))
	copy(out, items)
	if dir == nil {
		return out
	}

	names := make(map[string]string)
	for i := range out {
		id := out[i].Speaker
		name, seen := names[id]
		if !seen {
			resolved, err := dir.DisplayName(ctx, id)
			if err != nil || resolved == "" {
				if err != nil {
					logger.Debug("Speaker name not resolved", zap.String("speakerID", id), zap.Error(err))
				}
				resolved = id
			}
			names[id] = resolved
			name = resolved
		}
		out[i].Speaker = name
	}
	return out
}
