package zrshare

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relayFixture is zone A(1) reaching zone C(3) through a pass-through owned
// by relay zone B(2): B is not an endpoint of the traffic, it just owns the
// two transports.
type relayFixture struct {
	ctx  context.Context
	svcA *Service
	svcC *Service
	pt   *PassThrough
	sp   *ServiceProxy
}

func newRelay(t *testing.T) *relayFixture {
	logger := testLogger()
	svcA := NewService(logger, "a", 1)
	svcB := NewService(logger, "b", 2)
	svcC := NewService(logger, "c", 3)

	pt := NewPassThrough(logger, svcB, newLocalChannel(svcC), newLocalChannel(svcA), 3, 1)

	sp := NewServiceProxy("via-b", 3, svcA, pt)
	require.NoError(t, svcA.AddZoneProxy(sp))
	return &relayFixture{ctx: context.Background(), svcA: svcA, svcC: svcC, pt: pt, sp: sp}
}

func TestPassThroughRoutesAndMirrorsCounts(t *testing.T) {
	f := newRelay(t)

	descr, _, err := f.svcC.EncapsulateLocal(f.ctx, 0, f.svcA.ZoneID().AsCaller(),
		&transformerImpl{bumpBy: 5}, transformerBinding.NewStub, false)
	require.NoError(t, err)

	// the add-ref crossing the relay is mirrored onto it
	op, _, err := f.sp.GetOrCreateObjectProxy(f.ctx, descr.ObjectID, AddRefIfNew, 0, AddRefNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.pt.SharedCount())
	assert.Equal(t, int64(0), f.pt.OptimisticCount())

	ref := op.adoptHandle()

	// calls relay through to C
	c, err := op.InterfaceProxyFor(f.ctx, transformerBinding, false)
	require.NoError(t, err)
	out, err := c.(Transformer).Bump(f.ctx, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, []byte{6}, out)

	// an optimistic view is mirrored separately
	opt, err := ref.Optimistic(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.pt.OptimisticCount())

	st := f.svcC.GetObjectStub(descr.ObjectID)
	require.NotNil(t, st)
	shared, optimistic := st.Totals()
	assert.Equal(t, uint64(1), shared)
	assert.Equal(t, uint64(1), optimistic)

	require.NoError(t, opt.Release(f.ctx))
	assert.Equal(t, int64(0), f.pt.OptimisticCount())

	// the final release empties both sides and the relay destroys itself
	require.NoError(t, ref.Release(f.ctx))
	assert.Nil(t, f.svcC.GetObjectStub(descr.ObjectID))
	assert.Equal(t, int64(0), f.pt.SharedCount())
	assert.Equal(t, TransportDisconnected, f.pt.Status())
	assert.True(t, f.svcC.CheckIsEmpty())
}

func TestPassThroughRejectsUnknownZone(t *testing.T) {
	f := newRelay(t)
	_, _, err := f.pt.Send(f.ctx, HighestSupportedVersion, EncodingDefault, 0,
		0, 1, DestinationZone(99), 1, 0, 0, nil, nil)
	assert.Equal(t, CodeZoneNotFound, CodeOf(err))
}

func TestPassThroughSelfDestructsOnTransportError(t *testing.T) {
	f := newRelay(t)

	// break the forward leg
	forward := f.pt.directionalTransport(3)
	require.NoError(t, forward.Close(nil))

	_, _, err := f.pt.Send(f.ctx, HighestSupportedVersion, EncodingDefault, 0,
		0, 1, 3, 1, TransformerID(HighestSupportedVersion), transformerMethodBump, nil, nil)
	assert.Equal(t, CodeTransportError, CodeOf(err))
	assert.Equal(t, TransportDisconnected, f.pt.Status())
}

func TestPassThroughZoneTerminatingPost(t *testing.T) {
	f := newRelay(t)

	err := f.pt.Post(f.ctx, HighestSupportedVersion, EncodingDefault, 0,
		0, 1, 3, 0, 0, 0, PostZoneTerminating, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, TransportDisconnected, f.pt.Status(),
		"a zone-terminating post flowing through must destroy the relay")
}
