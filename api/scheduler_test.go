package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeCompleter struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCompleter) CompleteElapsed(context.Context) (int, error) {
	f.calls.Add(1)
	return 1, f.err
}

func TestCompletionScheduler_SweepsOnStartAndTick(t *testing.T) {
	c := &fakeCompleter{}
	s := NewCompletionScheduler(c, nil)
	s.CheckInterval = 10 * time.Millisecond

	s.Start()
	require.Eventually(t, func() bool { return c.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := c.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, c.calls.Load())
}

func TestCompletionScheduler_Disabled(t *testing.T) {
	c := &fakeCompleter{}
	s := NewCompletionScheduler(c, nil)
	s.Enabled = false

	s.Start()
	s.Stop()

	assert.Zero(t, c.calls.Load())
}

func TestCompletionScheduler_LogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	c := &fakeCompleter{err: errors.New("store down")}
	s := NewCompletionScheduler(c, zap.New(core))
	s.CheckInterval = time.Hour

	s.Start()
	require.Eventually(t, func() bool { return c.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Equal(t, 1, logs.FilterMessage("completion sweep failed").Len())
}
