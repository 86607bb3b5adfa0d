package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil error", nil, ClassWorkerFailure},
		{"context canceled", context.Canceled, ClassCancelled},
		{"context deadline", context.DeadlineExceeded, ClassTimeout},
		{"wrapped deadline", fmt.Errorf("dispatch: %w", context.DeadlineExceeded), ClassTimeout},
		{"unavailable sentinel", ErrUnavailable, ClassUnavailable},
		{"wrapped unavailable", fmt.Errorf("check: %w", ErrUnavailable), ClassUnavailable},
		{"worker timeout message", errors.New("timeout exceeded"), ClassTimeout},
		{"timed out message", errors.New("operation timed out"), ClassTimeout},
		{"deadline message", errors.New("deadline reached"), ClassTimeout},
		{"cancel message", errors.New("job cancelled by user"), ClassCancelled},
		{"codec failure", errors.New("encoder crashed: SIGSEGV"), ClassWorkerFailure},
		{"out of memory", errors.New("out of memory"), ClassWorkerFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestHandleTimeoutRetriesOnceWithRelaxedLimit(t *testing.T) {
	p := NewPolicy()

	dec := p.Handle(errors.New("timeout exceeded"))

	assert.Equal(t, ClassTimeout, dec.Class)
	assert.True(t, dec.Retry)
	assert.Equal(t, 60*time.Second, dec.Timeout)
	assert.False(t, dec.Fallback)
}

func TestHandleCancelledIsQuiet(t *testing.T) {
	p := NewPolicy()

	dec := p.Handle(context.Canceled)

	assert.Equal(t, ClassCancelled, dec.Class)
	assert.False(t, dec.Retry)
	assert.False(t, dec.Fallback)
}

func TestHandleWorkerFailureFallsBack(t *testing.T) {
	p := NewPolicy()

	dec := p.Handle(errors.New("encoder crashed"))

	assert.Equal(t, ClassWorkerFailure, dec.Class)
	assert.False(t, dec.Retry)
	assert.True(t, dec.Fallback)
}

func TestHandleUnavailableFallsBackWithoutRetry(t *testing.T) {
	p := NewPolicy()

	dec := p.Handle(ErrUnavailable)

	assert.Equal(t, ClassUnavailable, dec.Class)
	assert.False(t, dec.Retry)
	assert.True(t, dec.Fallback)
}
