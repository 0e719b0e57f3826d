// Package pipeline runs an ordered list of compensatable steps.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Step is one unit of work. Compensate, when set, undoes a successful Execute
// if a later step fails. A BestEffort step never aborts the pipeline: its
// failure is logged and swallowed.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
	BestEffort bool
}

// StepError names the step that aborted the pipeline.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

type Pipeline struct {
	name   string
	steps  []Step
	logger *zap.Logger
}

func New(name string, logger *zap.Logger, steps ...Step) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{name: name, steps: steps, logger: logger.With(zap.String("pipeline", name))}
}

// Run executes the steps in order. On the first failing step the completed
// steps are compensated in reverse order and a *StepError is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	done := make([]Step, 0, len(p.steps))
	for _, step := range p.steps {
		p.logger.Debug("executing step", zap.String("step", step.Name))
		if err := step.Execute(ctx); err != nil {
			if step.BestEffort {
				p.logger.Warn("best-effort step failed", zap.String("step", step.Name), zap.Error(err))
				continue
			}
			p.logger.Warn("step failed, compensating", zap.String("step", step.Name), zap.Error(err))
			p.rollback(ctx, done)
			return &StepError{Step: step.Name, Err: err}
		}
		done = append(done, step)
	}
	return nil
}

func (p *Pipeline) rollback(ctx context.Context, steps []Step) {
	// compensations must run even when the caller's context is already done
	ctx = context.WithoutCancel(ctx)
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.Compensate == nil {
			continue
		}
		if err := s.Compensate(ctx); err != nil {
			p.logger.Error("compensation failed", zap.String("step", s.Name), zap.Error(err))
		}
	}
}
