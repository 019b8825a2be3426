package zrshare

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestManyOptimisticHandlesCollapse exercises the collapse property: N
// optimistic handles on an object whose shared count is zero eventually
// destroy both proxy and stub, exactly when the last one is released.
func TestManyOptimisticHandlesCollapse(t *testing.T) {
	f := newPair(t, 1, 2, func(*ChildService) (Castable, StubFactory) {
		return &transformerImpl{bumpBy: 1}, transformerBinding.NewStub
	})

	const n = 8
	objectID := f.rootRef.ObjectProxy().ObjectID()

	opts := make([]*OptimisticRef, 0, n)
	for i := 0; i < n; i++ {
		o, err := f.rootRef.Optimistic(f.ctx)
		require.NoError(t, err)
		opts = append(opts, o)
	}

	// drop the only shared handle; the stub stays observable
	require.NoError(t, f.rootRef.Release(f.ctx))
	st := f.child.GetObjectStub(objectID)
	require.NotNil(t, st)
	shared, optimistic := st.Totals()
	assert.Equal(t, uint64(0), shared)
	assert.Equal(t, uint64(1), optimistic, "local optimistic handles share one wire reference")

	for i, o := range opts {
		require.NoError(t, o.Release(f.ctx))
		if i < n-1 {
			require.NotNil(t, f.child.GetObjectStub(objectID), "stub must survive handle %d", i)
		}
	}
	assert.Nil(t, f.child.GetObjectStub(objectID), "last optimistic release must destroy the stub")

	f.child.DetachParent()
	assert.True(t, f.host.CheckIsEmpty())
	assert.True(t, f.child.CheckIsEmpty())
	f.counting.assertClosed(t)
}

// TestConcurrentCallsAndHandles hammers one remote object from many
// goroutines mixing calls, handle churn, and optimistic promotion; the
// ledger must balance and the graph must drain afterwards.
func TestConcurrentCallsAndHandles(t *testing.T) {
	f := newPair(t, 1, 2, func(*ChildService) (Castable, StubFactory) {
		return &transformerImpl{bumpBy: 2}, transformerBinding.NewStub
	})

	c, err := f.rootRef.Interface(f.ctx, transformerBinding)
	require.NoError(t, err)
	tr := c.(Transformer)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				out, err := tr.Bump(f.ctx, []byte{1})
				if err != nil {
					return err
				}
				if out[0] != 3 {
					return ErrInvalidData
				}
			}
			return nil
		})
		g.Go(func() error {
			for j := 0; j < 25; j++ {
				ref, err := f.rootRef.Clone(f.ctx)
				if err != nil {
					return err
				}
				opt, err := ref.Optimistic(f.ctx)
				if err != nil {
					return err
				}
				if err := ref.Release(f.ctx); err != nil {
					return err
				}
				promoted, err := opt.Promote(f.ctx)
				if err != nil {
					return err
				}
				if err := promoted.Release(f.ctx); err != nil {
					return err
				}
				if err := opt.Release(f.ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	f.drainAndVerify(t)
}

// TestReentrantCallback drives a call that calls back into the caller's
// zone while the outer dispatch is still on the stack: A adopts its own
// local transformer into B, and binding that in-parameter in B add-refs the
// object back in A before Adopt returns. The test then calls the adopted
// proxy held by B, which routes B -> A.
func TestReentrantCallback(t *testing.T) {
	var vendor *vendorImpl
	f := newPair(t, 1, 2, func(*ChildService) (Castable, StubFactory) {
		vendor = &vendorImpl{}
		return vendor, vendorBinding.NewStub
	})

	c, err := f.rootRef.Interface(f.ctx, vendorBinding)
	require.NoError(t, err)
	v := c.(ObjectVendor)

	require.NoError(t, v.Adopt(f.ctx, &transformerImpl{bumpBy: 5}))

	vendor.lock.Lock()
	adopted := vendor.adopted
	vendor.lock.Unlock()
	require.NotNil(t, adopted)

	// B -> A while the test still holds A-side state
	out, err := adopted.Bump(f.ctx, []byte{10, 20})
	require.NoError(t, err)
	assert.Equal(t, []byte{15, 25}, out)

	op := ObjectProxyOf(adopted)
	require.NoError(t, op.releaseLocal(f.ctx, false))
	f.drainAndVerify(t)
}

// TestStubDrainsInFlightCalls verifies the live -> draining -> dead path: a
// stub whose counts hit zero mid-call survives until the call returns.
func TestStubDrainsInFlightCalls(t *testing.T) {
	blocker := &blockingTransformer{release: make(chan struct{}), entered: make(chan struct{})}
	f := newPair(t, 1, 2, func(*ChildService) (Castable, StubFactory) {
		return blocker, transformerBinding.NewStub
	})

	c, err := f.rootRef.Interface(f.ctx, transformerBinding)
	require.NoError(t, err)
	tr := c.(Transformer)
	objectID := f.rootRef.ObjectProxy().ObjectID()

	var wg sync.WaitGroup
	wg.Add(1)
	var callErr error
	go func() {
		defer wg.Done()
		_, callErr = tr.Bump(f.ctx, []byte{1})
	}()

	<-blocker.entered
	require.NoError(t, f.rootRef.Release(f.ctx))
	require.NotNil(t, f.child.GetObjectStub(objectID), "stub must drain, not die, with a call in flight")

	close(blocker.release)
	wg.Wait()
	require.NoError(t, callErr)
	assert.Nil(t, f.child.GetObjectStub(objectID), "stub must die once the pending call returns")
}

// blockingTransformer parks inside Bump until released.
type blockingTransformer struct {
	transformerImpl
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTransformer) Bump(ctx context.Context, data []byte) ([]byte, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return data, nil
}
