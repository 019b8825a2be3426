package zrshare

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// versionGate simulates an older peer: any operation above max is refused
// with invalid_version, the way a real server that has never heard of the
// newer revision would answer.
type versionGate struct {
	Transport
	max      uint64
	rejected atomic.Int64
}

func (g *versionGate) tooNew(version uint64) error {
	if version > g.max {
		g.rejected.Inc()
		return errors.Wrapf(ErrInvalidVersion, "peer speaks at most version %d", g.max)
	}
	return nil
}

func (g *versionGate) Send(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	destinationZoneID DestinationZone, objectID ObjectID,
	interfaceID InterfaceOrdinal, methodID MethodID,
	inBuf []byte, inBackChannel []BackChannelEntry) ([]byte, []BackChannelEntry, error) {
	if err := g.tooNew(version); err != nil {
		return nil, nil, err
	}
	return g.Transport.Send(ctx, version, enc, tag, callerChannelZoneID, callerZoneID,
		destinationZoneID, objectID, interfaceID, methodID, inBuf, inBackChannel)
}

func (g *versionGate) TryCast(ctx context.Context, version uint64, destinationZoneID DestinationZone,
	objectID ObjectID, interfaceID InterfaceOrdinal, inBackChannel []BackChannelEntry) ([]BackChannelEntry, error) {
	if err := g.tooNew(version); err != nil {
		return nil, err
	}
	return g.Transport.TryCast(ctx, version, destinationZoneID, objectID, interfaceID, inBackChannel)
}

func (g *versionGate) AddRef(ctx context.Context, version uint64,
	destinationChannelZoneID DestinationChannelZone, destinationZoneID DestinationZone, objectID ObjectID,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone, knownDirectionZoneID KnownDirectionZone,
	options AddRefOptions, inBackChannel []BackChannelEntry) (uint64, []BackChannelEntry, error) {
	if err := g.tooNew(version); err != nil {
		return 0, nil, err
	}
	return g.Transport.AddRef(ctx, version, destinationChannelZoneID, destinationZoneID, objectID,
		callerChannelZoneID, callerZoneID, knownDirectionZoneID, options, inBackChannel)
}

func (g *versionGate) Release(ctx context.Context, version uint64, destinationZoneID DestinationZone,
	objectID ObjectID, callerZoneID CallerZone, options ReleaseOptions,
	inBackChannel []BackChannelEntry) (uint64, []BackChannelEntry, error) {
	if err := g.tooNew(version); err != nil {
		return 0, nil, err
	}
	return g.Transport.Release(ctx, version, destinationZoneID, objectID, callerZoneID, options, inBackChannel)
}

// gatedPeer wires zone A to zone B through a version gate, with B's root
// transformer already exported for A under an in-parameter-style bare
// descriptor.
func gatedPeer(t *testing.T, max uint64) (*Service, *Service, *ServiceProxy, InterfaceDescriptor) {
	logger := testLogger()
	svcA := NewService(logger, "a", 1)
	svcB := NewService(logger, "b", 2)

	descr, _, err := svcB.EncapsulateLocal(context.Background(), 0, svcA.ZoneID().AsCaller(),
		&transformerImpl{bumpBy: 3}, transformerBinding.NewStub, false)
	require.NoError(t, err)

	gate := &versionGate{Transport: newLocalChannel(svcB), max: max}
	sp := NewServiceProxy("gated", svcB.ZoneID().AsDestination(), svcA, gate)
	require.NoError(t, svcA.AddZoneProxy(sp))
	return svcA, svcB, sp, descr
}

func TestVersionDowngradeProbesOnce(t *testing.T) {
	ctx := context.Background()
	_, svcB, sp, descr := gatedPeer(t, ProtocolVersion2)
	gate := sp.Channel().(*versionGate)

	require.Equal(t, HighestSupportedVersion, sp.Version())

	// the first operation probes v3, is refused, retries at v2, succeeds,
	// and commits the downgrade
	op, isNew, err := sp.GetOrCreateObjectProxy(ctx, descr.ObjectID, AddRefIfNew, 0, AddRefNormal)
	require.NoError(t, err)
	require.True(t, isNew)
	assert.Equal(t, ProtocolVersion2, sp.Version())
	assert.Equal(t, int64(1), gate.rejected.Load())

	ref := op.adoptHandle()

	// subsequent calls go straight out at v2 with no further probing
	c, err := op.InterfaceProxyFor(ctx, transformerBinding, false)
	require.NoError(t, err)
	out, err := c.(Transformer).Bump(ctx, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, out)
	assert.Equal(t, int64(1), gate.rejected.Load())

	// the version never climbs back up within the session
	require.NoError(t, ref.Release(ctx))
	assert.Equal(t, ProtocolVersion2, sp.Version())
	assert.Equal(t, int64(1), gate.rejected.Load())
	assert.True(t, svcB.CheckIsEmpty())
}

func TestVersionExhaustionSurfaces(t *testing.T) {
	ctx := context.Background()
	_, _, sp, descr := gatedPeer(t, LowestSupportedVersion-1)

	_, _, err := sp.GetOrCreateObjectProxy(ctx, descr.ObjectID, AddRefIfNew, 0, AddRefNormal)
	assert.Equal(t, CodeInvalidVersion, CodeOf(err))
}

func TestSendAboveNegotiatedVersionIsRefused(t *testing.T) {
	ctx := context.Background()
	_, _, sp, _ := gatedPeer(t, ProtocolVersion2)

	sp.UpdateRemoteVersion(ProtocolVersion2)
	_, err := sp.SendFromThisZone(ctx, ProtocolVersion3, EncodingDefault, 0, 1, TransformerID(ProtocolVersion3), transformerMethodBump, nil)
	assert.Equal(t, CodeInvalidVersion, CodeOf(err))
}

// fixedBufferChannel simulates an enclave-style transport whose replies are
// written into a caller-supplied fixed buffer.
type fixedBufferChannel struct {
	*localChannel
	attempts []uint64
}

func (c *fixedBufferChannel) SendBuffered(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	destinationZoneID DestinationZone, objectID ObjectID,
	interfaceID InterfaceOrdinal, methodID MethodID,
	inBuf []byte, inBackChannel []BackChannelEntry, replyCapacity uint64) ([]byte, []BackChannelEntry, error) {

	c.attempts = append(c.attempts, replyCapacity)
	outBuf, outBC, err := c.localChannel.Send(ctx, version, enc, tag, callerChannelZoneID, callerZoneID,
		destinationZoneID, objectID, interfaceID, methodID, inBuf, inBackChannel)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(outBuf)) > replyCapacity {
		return nil, nil, &NeedMoreMemoryError{RequiredSize: uint64(len(outBuf))}
	}
	return outBuf, outBC, nil
}

func TestNeedMoreMemoryRegrowRetry(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()
	svcA := NewService(logger, "a", 1)
	svcB := NewService(logger, "b", 2)

	descr, _, err := svcB.EncapsulateLocal(ctx, 0, svcA.ZoneID().AsCaller(),
		&transformerImpl{bumpBy: 1}, transformerBinding.NewStub, false)
	require.NoError(t, err)

	ch := &fixedBufferChannel{localChannel: newLocalChannel(svcB)}
	sp := NewServiceProxy("fixed", svcB.ZoneID().AsDestination(), svcA, ch)
	sp.SetReplyCapacity(128)
	require.NoError(t, svcA.AddZoneProxy(sp))

	op, _, err := sp.GetOrCreateObjectProxy(ctx, descr.ObjectID, AddRefIfNew, 0, AddRefNormal)
	require.NoError(t, err)
	ref := op.adoptHandle()

	big := make([]byte, 512)
	for i := range big {
		big[i] = byte(i)
	}

	c, err := op.InterfaceProxyFor(ctx, transformerBinding, false)
	require.NoError(t, err)
	out, err := c.(Transformer).Bump(ctx, big)
	require.NoError(t, err)
	require.Len(t, out, 512)
	assert.Equal(t, byte(1), out[0])

	// the oversized reply was retried exactly once with the reported size
	require.Len(t, ch.attempts, 2)
	assert.Equal(t, uint64(128), ch.attempts[0])
	assert.Greater(t, ch.attempts[1], uint64(512))

	require.NoError(t, ref.Release(ctx))
	assert.True(t, svcB.CheckIsEmpty())
}
