package zrshare

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shutdownProbe struct {
	ShutdownHelper
	handled chan error
}

func newShutdownProbe() *shutdownProbe {
	p := &shutdownProbe{handled: make(chan error, 1)}
	p.InitShutdownHelper(testLogger(), p)
	return p
}

func (p *shutdownProbe) HandleOnceShutdown(completionErr error) error {
	p.handled <- completionErr
	return completionErr
}

func TestShutdownRunsHandlerExactlyOnce(t *testing.T) {
	p := newShutdownProbe()
	require.NoError(t, p.Activate())

	cause := errors.New("first")
	p.StartShutdown(cause)
	p.StartShutdown(errors.New("second"))

	assert.Equal(t, cause, p.WaitShutdown())
	assert.Equal(t, cause, <-p.handled)
	select {
	case <-p.handled:
		t.Fatal("shutdown handler ran more than once")
	default:
	}
	assert.True(t, p.IsDoneShutdown())
}

func TestPauseDefersShutdown(t *testing.T) {
	p := newShutdownProbe()
	require.NoError(t, p.Activate())
	require.NoError(t, p.PauseShutdown())

	p.StartShutdown(nil)
	assert.True(t, p.IsScheduledShutdown())
	assert.False(t, p.IsStartedShutdown())

	p.ResumeShutdown()
	require.NoError(t, p.WaitShutdown())
	assert.True(t, p.IsDoneShutdown())
}

func TestShutdownWaitsForChildren(t *testing.T) {
	parent := newShutdownProbe()
	require.NoError(t, parent.Activate())
	child := newShutdownProbe()
	require.NoError(t, child.Activate())

	parent.AddShutdownChild(child)
	parent.StartShutdown(nil)

	require.NoError(t, parent.WaitShutdown())
	assert.True(t, child.IsDoneShutdown(), "children must be shut down before the parent completes")
}

func TestShutdownOnContext(t *testing.T) {
	p := newShutdownProbe()
	require.NoError(t, p.Activate())

	ctx, cancel := context.WithCancel(context.Background())
	p.ShutdownOnContext(ctx)
	cancel()

	select {
	case <-p.ShutdownDoneChan():
	case <-time.After(5 * time.Second):
		t.Fatal("context cancellation did not shut the object down")
	}
	assert.Equal(t, context.Canceled, errors.Cause(p.WaitShutdown()))
}

func TestDoOnceActivateFailureShutsDown(t *testing.T) {
	p := newShutdownProbe()
	boom := errors.New("activation failed")
	err := p.DoOnceActivate(func() error { return boom }, true)
	assert.Equal(t, boom, err)
	assert.True(t, p.IsDoneShutdown())
}
