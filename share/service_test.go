package zrshare

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() Logger {
	return NewLogger("test", LogLevelError)
}

// countingTelemetry tallies stub reference traffic so tests can assert the
// ref-count closure property: every add-ref is matched by exactly one
// release of the same kind by the time the graph drains.
type countingTelemetry struct {
	NopTelemetry

	lock              sync.Mutex
	sharedAddRefs     int
	sharedReleases    int
	optimisticAddRefs int
	optimisticReleases int
}

func (c *countingTelemetry) OnStubAddRef(zoneID Zone, objectID ObjectID, count uint64,
	callerZoneID CallerZone, optimistic bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if optimistic {
		c.optimisticAddRefs++
	} else {
		c.sharedAddRefs++
	}
}

func (c *countingTelemetry) OnStubRelease(zoneID Zone, objectID ObjectID, count uint64,
	callerZoneID CallerZone, optimistic bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if optimistic {
		c.optimisticReleases++
	} else {
		c.sharedReleases++
	}
}

func (c *countingTelemetry) assertClosed(t *testing.T) {
	c.lock.Lock()
	defer c.lock.Unlock()
	assert.Equal(t, c.sharedAddRefs, c.sharedReleases, "shared add_refs must match releases")
	assert.Equal(t, c.optimisticAddRefs, c.optimisticReleases, "optimistic add_refs must match releases")
}

// pairFixture is a host zone connected to one in-process child zone.
type pairFixture struct {
	ctx      context.Context
	host     *Service
	child    *ChildService
	rootRef  *Ref
	counting *countingTelemetry
}

func newPair(t *testing.T, hostZone Zone, childZone Zone,
	makeRoot func(cs *ChildService) (Castable, StubFactory)) *pairFixture {

	logger := testLogger()
	counting := &countingTelemetry{}
	host := NewService(logger, "host", hostZone)
	host.SetTelemetry(counting)

	var child *ChildService
	fn := func(ctx context.Context, parent *Ref, cs *ChildService) (Castable, StubFactory, error) {
		cs.SetTelemetry(counting)
		child = cs
		impl, factory := makeRoot(cs)
		return impl, factory, nil
	}

	ctx := context.Background()
	factory := NewLocalChildServiceProxyFactory(logger, "child", childZone, fn)
	ref, err := host.ConnectToZone(ctx, factory, "to-child", childZone.AsDestination(), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, ref)
	require.NotNil(t, child)

	return &pairFixture{ctx: ctx, host: host, child: child, rootRef: ref, counting: counting}
}

// drainAndVerify releases the root handle and asserts full teardown.
func (f *pairFixture) drainAndVerify(t *testing.T) {
	require.NoError(t, f.rootRef.Release(f.ctx))
	assert.True(t, f.host.CheckIsEmpty(), "host must drain")
	f.child.DetachParent()
	assert.True(t, f.child.CheckIsEmpty(), "child must drain")
	f.counting.assertClosed(t)
}

func TestSingleHopCall(t *testing.T) {
	f := newPair(t, 1, 2, func(*ChildService) (Castable, StubFactory) {
		return &transformerImpl{bumpBy: 3}, transformerBinding.NewStub
	})

	c, err := f.rootRef.Interface(f.ctx, transformerBinding)
	require.NoError(t, err)
	tr := c.(Transformer)

	out, err := tr.Bump(f.ctx, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, out)

	// the child's stub ledger shows one shared reference held by the host
	st := f.child.GetObjectStub(f.rootRef.ObjectProxy().ObjectID())
	require.NotNil(t, st)
	shared, optimistic := st.CallerCounts(f.host.ZoneID().AsCaller())
	assert.Equal(t, uint64(1), shared)
	assert.Equal(t, uint64(0), optimistic)

	sp := f.host.lookupZoneProxy(f.child.ZoneID().AsDestination(), f.host.ZoneID().AsCaller())
	require.NotNil(t, sp)
	assert.Equal(t, int64(1), sp.ExternalRefCount())

	require.NoError(t, f.rootRef.Release(f.ctx))
	assert.Nil(t, f.child.GetObjectStub(1), "stub must be destroyed after release")
	assert.Nil(t, f.host.lookupZoneProxy(f.child.ZoneID().AsDestination(), f.host.ZoneID().AsCaller()),
		"route must tear down when the last external ref drops")
	assert.True(t, f.host.CheckIsEmpty())

	f.child.DetachParent()
	assert.True(t, f.child.CheckIsEmpty())
	f.counting.assertClosed(t)
}

func TestReturnInterfaceGrowsAndDrains(t *testing.T) {
	f := newPair(t, 1, 2, func(*ChildService) (Castable, StubFactory) {
		return &vendorImpl{bumpBy: 7}, vendorBinding.NewStub
	})

	c, err := f.rootRef.Interface(f.ctx, vendorBinding)
	require.NoError(t, err)
	vendor := c.(ObjectVendor)

	childIface, childRef, err := vendor.CreateChild(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, childRef)

	// the service proxy map grew by one entry
	sp := f.rootRef.ObjectProxy().ServiceProxy()
	assert.Equal(t, 2, sp.ObjectProxyCount())

	// the child's ledger for the new object shows one shared ref for zone 1
	st := f.child.GetObjectStub(childRef.ObjectProxy().ObjectID())
	require.NotNil(t, st)
	shared, _ := st.CallerCounts(f.host.ZoneID().AsCaller())
	assert.Equal(t, uint64(1), shared)

	out, err := childIface.Bump(f.ctx, []byte{10})
	require.NoError(t, err)
	assert.Equal(t, []byte{17}, out)

	require.NoError(t, childRef.Release(f.ctx))
	assert.Nil(t, f.child.GetObjectStub(st.ObjectID()), "returned object must drop with its handle")
	assert.Equal(t, 1, sp.ObjectProxyCount())

	f.drainAndVerify(t)
}

func TestAdoptMarshalsInParameter(t *testing.T) {
	var vendor *vendorImpl
	f := newPair(t, 1, 2, func(*ChildService) (Castable, StubFactory) {
		vendor = &vendorImpl{}
		return vendor, vendorBinding.NewStub
	})

	c, err := f.rootRef.Interface(f.ctx, vendorBinding)
	require.NoError(t, err)
	v := c.(ObjectVendor)

	local := &transformerImpl{bumpBy: 1}
	require.NoError(t, v.Adopt(f.ctx, local))

	// the child received a proxy for the host-local implementation
	vendor.lock.Lock()
	adopted := vendor.adopted
	vendor.lock.Unlock()
	require.NotNil(t, adopted)
	assert.False(t, adopted.IsLocal())

	out, err := adopted.Bump(f.ctx, []byte{8})
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, out)

	// the host's stub for the adopted implementation shows the child's ref
	st := f.host.GetObjectStub(ObjectProxyOf(adopted).ObjectID())
	require.NotNil(t, st)
	shared, _ := st.CallerCounts(f.child.ZoneID().AsCaller())
	assert.Equal(t, uint64(1), shared)

	// the child lets go of the adopted interface
	op := ObjectProxyOf(adopted)
	require.NoError(t, op.releaseLocal(f.ctx, false))
	vendor.lock.Lock()
	vendor.adopted = nil
	vendor.lock.Unlock()
	assert.Nil(t, f.host.GetObjectStub(st.ObjectID()))

	f.drainAndVerify(t)
}

func TestOptimisticReferenceLifecycle(t *testing.T) {
	f := newPair(t, 1, 2, func(*ChildService) (Castable, StubFactory) {
		return &transformerImpl{bumpBy: 3}, transformerBinding.NewStub
	})

	objectID := f.rootRef.ObjectProxy().ObjectID()

	opt, err := f.rootRef.Optimistic(f.ctx)
	require.NoError(t, err)

	st := f.child.GetObjectStub(objectID)
	require.NotNil(t, st)
	shared, optimistic := st.Totals()
	assert.Equal(t, uint64(1), shared)
	assert.Equal(t, uint64(1), optimistic)

	// dropping the shared handle leaves the stub alive under the optimistic
	// observer
	require.NoError(t, f.rootRef.Release(f.ctx))
	st = f.child.GetObjectStub(objectID)
	require.NotNil(t, st, "optimistic observer must keep the stub observable")
	shared, optimistic = st.Totals()
	assert.Equal(t, uint64(0), shared)
	assert.Equal(t, uint64(1), optimistic)

	// a shared add-ref in the middle revives the shared count
	promoted, err := opt.Promote(f.ctx)
	require.NoError(t, err)
	shared, optimistic = st.Totals()
	assert.Equal(t, uint64(1), shared)
	assert.Equal(t, uint64(1), optimistic)

	require.NoError(t, promoted.Release(f.ctx))
	shared, optimistic = st.Totals()
	assert.Equal(t, uint64(0), shared)
	assert.Equal(t, uint64(1), optimistic)

	// releasing the last optimistic handle destroys proxy and stub
	require.NoError(t, opt.Release(f.ctx))
	assert.Nil(t, f.child.GetObjectStub(objectID))
	assert.True(t, f.host.CheckIsEmpty())

	f.child.DetachParent()
	assert.True(t, f.child.CheckIsEmpty())
	f.counting.assertClosed(t)
}

func TestTryCastMaterializesAlternateView(t *testing.T) {
	f := newPair(t, 1, 2, func(cs *ChildService) (Castable, StubFactory) {
		cs.RegisterStubFactory(transformerBinding)
		impl := &combinedImpl{}
		impl.transformerImpl.bumpBy = 2
		return impl, vendorBinding.NewStub
	})

	op := f.rootRef.ObjectProxy()

	// the stub starts with only the vendor view
	st := f.child.GetObjectStub(op.ObjectID())
	require.NotNil(t, st)
	require.Nil(t, st.GetInterface(TransformerID(HighestSupportedVersion)))

	require.NoError(t, op.TryCast(f.ctx, TransformerID))
	require.NotNil(t, st.GetInterface(TransformerID(HighestSupportedVersion)))

	c, err := op.InterfaceProxyFor(f.ctx, transformerBinding, false)
	require.NoError(t, err)
	out, err := c.(Transformer).Bump(f.ctx, []byte{5})
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, out)

	// an unknown interface is refused
	bogus := func(version uint64) InterfaceOrdinal { return InterfaceOrdinalOf("no.such.Interface", version) }
	err = op.TryCast(f.ctx, bogus)
	assert.Equal(t, CodeInvalidInterfaceID, CodeOf(err))

	f.drainAndVerify(t)
}

func TestRoundTripIdentityInsideOneZone(t *testing.T) {
	svc := NewService(testLogger(), "solo", 9)
	ctx := context.Background()
	impl := &transformerImpl{bumpBy: 1}

	descr, st, err := svc.EncapsulateLocal(ctx, 0, svc.ZoneID().AsCaller(), impl, transformerBinding.NewStub, true)
	require.NoError(t, err)
	require.True(t, descr.IsSet())

	bound, err := StubBindInParam(ctx, svc, HighestSupportedVersion, 0, svc.ZoneID().AsCaller(),
		descr, transformerBinding)
	require.NoError(t, err)
	require.NotNil(t, bound.Local)
	assert.Same(t, impl, bound.Local,
		"demarshal(marshal(i)) in the same zone must return the same implementation")

	_, _, err = st.Release(svc.ZoneID().AsCaller(), false)
	require.NoError(t, err)
	assert.True(t, svc.CheckIsEmpty())
}

func TestObjectProxyUniqueness(t *testing.T) {
	f := newPair(t, 1, 2, func(*ChildService) (Castable, StubFactory) {
		v := &vendorImpl{bumpBy: 1}
		v.held = &transformerImpl{bumpBy: 4}
		return v, vendorBinding.NewStub
	})

	c, err := f.rootRef.Interface(f.ctx, vendorBinding)
	require.NoError(t, err)
	vendor := c.(ObjectVendor)

	// fetching the same remote object twice must reuse one object proxy
	heldA, refA, err := vendor.GetHeld(f.ctx)
	require.NoError(t, err)
	heldB, refB, err := vendor.GetHeld(f.ctx)
	require.NoError(t, err)

	assert.Same(t, refA.ObjectProxy(), refB.ObjectProxy())
	sp := f.rootRef.ObjectProxy().ServiceProxy()
	assert.Equal(t, 2, sp.ObjectProxyCount())

	out, err := heldA.Bump(f.ctx, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, []byte{5}, out)
	_, err = heldB.Bump(f.ctx, []byte{2})
	require.NoError(t, err)

	require.NoError(t, refA.Release(f.ctx))
	require.NoError(t, refB.Release(f.ctx))
	assert.Equal(t, 1, sp.ObjectProxyCount())

	f.drainAndVerify(t)
}

func TestDoubleReleaseIsRefused(t *testing.T) {
	f := newPair(t, 1, 2, func(*ChildService) (Castable, StubFactory) {
		return &transformerImpl{bumpBy: 3}, transformerBinding.NewStub
	})

	require.NoError(t, f.rootRef.Release(f.ctx))
	err := f.rootRef.Release(f.ctx)
	assert.Equal(t, CodeReferenceCountError, CodeOf(err))

	f.child.DetachParent()
	assert.True(t, f.child.CheckIsEmpty())
}

func TestZoneTerminatingPostTearsDownRoutes(t *testing.T) {
	f := newPair(t, 1, 2, func(*ChildService) (Castable, StubFactory) {
		return &transformerImpl{bumpBy: 3}, transformerBinding.NewStub
	})

	// the child announces its own termination toward the host
	err := f.child.Post(f.ctx, HighestSupportedVersion, EncodingDefault, 0,
		0, f.child.ZoneID().AsCaller(), f.host.ZoneID().AsDestination(),
		0, 0, 0, PostZoneTerminating, nil, nil)
	require.NoError(t, err)

	assert.Nil(t, f.host.lookupZoneProxy(f.child.ZoneID().AsDestination(), f.host.ZoneID().AsCaller()))

	// the old handle now fails fast
	c, err := f.rootRef.Interface(f.ctx, transformerBinding)
	require.NoError(t, err)
	_, err = c.(Transformer).Bump(f.ctx, []byte{1})
	assert.Equal(t, CodeServiceProxyLostConnection, CodeOf(err))
}

func TestBrokenChannelFailsFast(t *testing.T) {
	f := newPair(t, 1, 2, func(*ChildService) (Castable, StubFactory) {
		return &transformerImpl{bumpBy: 3}, transformerBinding.NewStub
	})

	sp := f.rootRef.ObjectProxy().ServiceProxy()
	require.NoError(t, sp.Channel().Close(nil))

	c, err := f.rootRef.Interface(f.ctx, transformerBinding)
	require.NoError(t, err)
	_, err = c.(Transformer).Bump(f.ctx, []byte{1})
	assert.Equal(t, CodeTransportError, CodeOf(err))

	// after the first failure the proxy is lost and every call fails fast
	_, err = c.(Transformer).Bump(f.ctx, []byte{1})
	assert.Equal(t, CodeServiceProxyLostConnection, CodeOf(err))
}
