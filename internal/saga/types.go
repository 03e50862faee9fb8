package saga

import (
	"context"
	"time"
)

// SagaState represents the current state of a saga execution
type SagaState string

const (
	SagaStateStarted     SagaState = "started"
	SagaStateRunning     SagaState = "running"
	SagaStateCompleted   SagaState = "completed"
	SagaStateFailed      SagaState = "failed"
	SagaStateCompensated SagaState = "compensated"
)

// StepState represents the state of an individual step
type StepState string

const (
	StepStatePending     StepState = "pending"
	StepStateRunning     StepState = "running"
	StepStateCompleted   StepState = "completed"
	StepStateFailed      StepState = "failed"
	StepStateCompensated StepState = "compensated"
)

// SagaID uniquely identifies a saga instance
type SagaID string

// StepID uniquely identifies a step within a saga
type StepID string

// SagaData holds the shared data for a saga execution
type SagaData map[string]interface{}

// StepResult represents the result of a step execution
type StepResult struct {
	Success bool
	Data    interface{}
	Error   error
}

// Step represents a single step in a saga
type Step interface {
	ID() StepID
	Execute(ctx context.Context, data SagaData) StepResult
	Compensate(ctx context.Context, data SagaData) error
}

// FuncStep builds a Step from plain functions. A nil compensate means the
// step has nothing to undo.
type FuncStep struct {
	StepID       StepID
	ExecuteFn    func(ctx context.Context, data SagaData) (interface{}, error)
	CompensateFn func(ctx context.Context, data SagaData) error
}

func (s FuncStep) ID() StepID { return s.StepID }

func (s FuncStep) Execute(ctx context.Context, data SagaData) StepResult {
	out, err := s.ExecuteFn(ctx, data)
	if err != nil {
		return StepResult{Success: false, Error: err}
	}
	return StepResult{Success: true, Data: out}
}

func (s FuncStep) Compensate(ctx context.Context, data SagaData) error {
	if s.CompensateFn == nil {
		return nil
	}
	return s.CompensateFn(ctx, data)
}

// SagaDefinition defines the steps and flow of a saga
type SagaDefinition interface {
	ID() string
	Steps() []Step
	Timeout() time.Duration
}

// Definition is a SagaDefinition built from a fixed list of steps
type Definition struct {
	Name      string
	StepList  []Step
	TimeLimit time.Duration
}

func (d Definition) ID() string             { return d.Name }
func (d Definition) Steps() []Step          { return d.StepList }
func (d Definition) Timeout() time.Duration { return d.TimeLimit }

// SagaInstance represents a running instance of a saga
type SagaInstance struct {
	ID          SagaID          `json:"id"`
	Definition  string          `json:"definition"`
	State       SagaState       `json:"state"`
	Data        SagaData        `json:"data"`
	Steps       []StepExecution `json:"steps"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// StepExecution represents the execution state of a step
type StepExecution struct {
	ID          StepID      `json:"id"`
	State       StepState   `json:"state"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
	Result      interface{} `json:"result,omitempty"`
}
