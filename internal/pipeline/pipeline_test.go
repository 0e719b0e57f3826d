package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRunCompensatesInReverse(t *testing.T) {
	var trail []string
	step := func(name string, fail bool) Step {
		return Step{
			Name: name,
			Execute: func(context.Context) error {
				trail = append(trail, "do:"+name)
				if fail {
					return errors.New("nope")
				}
				return nil
			},
			Compensate: func(context.Context) error {
				trail = append(trail, "undo:"+name)
				return nil
			},
		}
	}

	err := New("checkout", zaptest.NewLogger(t), step("a", false), step("b", false), step("c", true), step("d", false)).Run(context.Background())

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "c", se.Step)
	assert.Equal(t, []string{"do:a", "do:b", "do:c", "undo:b", "undo:a"}, trail)
}

func TestBestEffortStepDoesNotAbort(t *testing.T) {
	ran := false
	err := New("refund", zaptest.NewLogger(t),
		Step{Name: "notify", BestEffort: true, Execute: func(context.Context) error { return errors.New("smtp down") }},
		Step{Name: "after", Execute: func(context.Context) error { ran = true; return nil }},
	).Run(context.Background())

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestCompensationRunsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var compensateCtxErr error
	err := New("p", nil,
		Step{
			Name:       "first",
			Execute:    func(context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { compensateCtxErr = ctx.Err(); return nil },
		},
		Step{Name: "second", Execute: func(context.Context) error { cancel(); return context.Canceled }},
	).Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, compensateCtxErr)
}
