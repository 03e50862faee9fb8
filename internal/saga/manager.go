package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxInstances bounds how many finished sagas are kept for inspection
const maxInstances = 100

// compensationTimeout applies to the whole rollback, independent of the saga timeout
const compensationTimeout = 30 * time.Second

// Manager runs sagas step by step and rolls completed steps back in reverse
// order when one fails
type Manager struct {
	logger    *zap.Logger
	instances map[SagaID]*SagaInstance
	order     []SagaID
	mu        sync.RWMutex
}

// NewManager creates a new saga manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:    logger,
		instances: make(map[SagaID]*SagaInstance),
	}
}

// Run executes def synchronously. The returned error is the failing step's
// error; the instance records how far the saga got.
func (m *Manager) Run(ctx context.Context, def SagaDefinition, data SagaData) (SagaInstance, error) {
	if data == nil {
		data = SagaData{}
	}

	steps := def.Steps()
	sagaID := SagaID(def.ID() + "_" + uuid.New().String())

	stepExecs := make([]StepExecution, len(steps))
	for i, step := range steps {
		stepExecs[i] = StepExecution{ID: step.ID(), State: StepStatePending}
	}
	instance := &SagaInstance{
		ID:         sagaID,
		Definition: def.ID(),
		State:      SagaStateRunning,
		Data:       data,
		Steps:      stepExecs,
		StartedAt:  time.Now(),
	}
	m.store(instance)

	logger := m.logger.With(zap.String("sagaID", string(sagaID)))
	logger.Info("Saga started", zap.String("definition", def.ID()))

	runCtx, cancel := context.WithTimeout(ctx, def.Timeout())
	defer cancel()

	lastCompleted := -1
	var failure error
	for i, step := range steps {
		if err := m.executeStep(runCtx, instance, i, step); err != nil {
			logger.Error("Step failed", zap.String("stepID", string(step.ID())), zap.Error(err))
			failure = fmt.Errorf("step %s failed: %w", step.ID(), err)
			break
		}
		lastCompleted = i
	}

	if failure == nil {
		m.finish(instance, SagaStateCompleted, "")
		logger.Info("Saga completed")
		return m.snapshot(instance), nil
	}

	compCtx, compCancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer compCancel()

	state := SagaStateCompensated
	for i := lastCompleted; i >= 0; i-- {
		step := steps[i]
		logger.Info("Compensating step", zap.String("stepID", string(step.ID())))

		if err := step.Compensate(compCtx, data); err != nil {
			logger.Error("Compensation failed", zap.String("stepID", string(step.ID())), zap.Error(err))
			failure = errors.Join(failure, fmt.Errorf("compensate %s: %w", step.ID(), err))
			state = SagaStateFailed
			continue
		}
		m.setStep(instance, i, func(s *StepExecution) { s.State = StepStateCompensated })
	}

	m.finish(instance, state, failure.Error())
	logger.Info("Saga rolled back", zap.String("state", string(state)))
	return m.snapshot(instance), failure
}

func (m *Manager) executeStep(ctx context.Context, instance *SagaInstance, i int, step Step) error {
	started := time.Now()
	m.setStep(instance, i, func(s *StepExecution) {
		s.State = StepStateRunning
		s.StartedAt = &started
	})

	var result StepResult
	if err := ctx.Err(); err != nil {
		result = StepResult{Error: err}
	} else {
		result = step.Execute(ctx, instance.Data)
	}
	if !result.Success && result.Error == nil {
		result.Error = errors.New("step reported failure")
	}

	done := time.Now()
	m.setStep(instance, i, func(s *StepExecution) {
		s.CompletedAt = &done
		if result.Success {
			s.State = StepStateCompleted
			s.Result = result.Data
		} else {
			s.State = StepStateFailed
			s.Error = result.Error.Error()
		}
	})

	if !result.Success {
		return result.Error
	}
	return nil
}

// GetSaga returns a copy of a saga instance by ID
func (m *Manager) GetSaga(sagaID SagaID) (SagaInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instance, exists := m.instances[sagaID]
	if !exists {
		return SagaInstance{}, false
	}
	return copyInstance(instance), true
}

func (m *Manager) store(instance *SagaInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[instance.ID] = instance
	m.order = append(m.order, instance.ID)
	for len(m.order) > maxInstances {
		delete(m.instances, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *Manager) setStep(instance *SagaInstance, i int, fn func(*StepExecution)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&instance.Steps[i])
}

func (m *Manager) finish(instance *SagaInstance, state SagaState, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	instance.State = state
	instance.CompletedAt = &now
	instance.Error = errMsg
}

func (m *Manager) snapshot(instance *SagaInstance) SagaInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyInstance(instance)
}

func copyInstance(instance *SagaInstance) SagaInstance {
	out := *instance
	out.Steps = append([]StepExecution(nil), instance.Steps...)
	return out
}
