package zrtcp

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zrshare "github.com/sammck-go/zonerpc/share"
)

func testLogger() zrshare.Logger {
	return zrshare.NewLogger("zrtcp-test", zrshare.LogLevelError)
}

// Minimal interface glue: an echo object whose one method returns its
// payload unchanged. Enough to drive calls end to end over a channel.

const echoName = "zonerpc.test.Echo"

func echoID(version uint64) zrshare.InterfaceOrdinal {
	return zrshare.InterfaceOrdinalOf(echoName, version)
}

const echoMethodPing zrshare.MethodID = 1

type echoImpl struct{}

func (e *echoImpl) IsLocal() bool { return true }

func (e *echoImpl) QueryInterface(interfaceID zrshare.InterfaceOrdinal) zrshare.Castable {
	for v := zrshare.LowestSupportedVersion; v <= zrshare.HighestSupportedVersion; v++ {
		if echoID(v) == interfaceID {
			return e
		}
	}
	return nil
}

type echoStub struct {
	impl *echoImpl
}

func (s *echoStub) InterfaceID(version uint64) (zrshare.InterfaceOrdinal, bool) {
	return echoID(version), true
}

func (s *echoStub) TargetCastable() zrshare.Castable { return s.impl }

func (s *echoStub) Call(ctx context.Context, version uint64, enc zrshare.Encoding, tag uint64,
	callerChannelZoneID zrshare.CallerChannelZone, callerZoneID zrshare.CallerZone,
	methodID zrshare.MethodID, inBuf []byte) ([]byte, error) {

	if methodID != echoMethodPing {
		return nil, errors.Wrapf(zrshare.ErrInvalidMethodID, "echo has no method %d", methodID)
	}
	return inBuf, nil
}

func newEchoStub(impl zrshare.Castable) zrshare.InterfaceStub {
	if e, ok := impl.(*echoImpl); ok {
		return &echoStub{impl: e}
	}
	return nil
}

func TestLoadSettingsAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("call_timeout: 2s\nmax_frame_size: 1024\n"), 0o600))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, s.CallTimeout)
	assert.Equal(t, uint64(1024), s.MaxFrameSize)
	assert.Equal(t, DefaultSettings().DialTimeout, s.DialTimeout, "unset fields fall back to defaults")
}

func TestLoadSettingsMissingFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

// pipePair wires two services together over net.Pipe with a channel manager
// at each end.
func pipePair(t *testing.T) (*zrshare.Service, *zrshare.Service, *ChannelManager, *ChannelManager) {
	logger := testLogger()
	svcA := zrshare.NewService(logger, "a", 1)
	svcB := zrshare.NewService(logger, "b", 2)

	connA, connB := net.Pipe()
	settings := Settings{CallTimeout: 5 * time.Second}

	attach := func(ctx context.Context, parent *zrshare.Ref) (zrshare.Castable, zrshare.StubFactory, error) {
		return &echoImpl{}, newEchoStub, nil
	}

	cmB := NewChannelManager(logger, settings, connB, svcB, AttachInitChannelHandler(svcB, attach))
	cmB.Start()
	cmA := NewChannelManager(logger, settings, connA, svcA, nil)
	cmA.Start()
	return svcA, svcB, cmA, cmB
}

func TestCallRoundTripOverPipe(t *testing.T) {
	ctx := context.Background()
	svcA, svcB, cmA, _ := pipePair(t)

	factory := func(name string, destinationZoneID zrshare.DestinationZone, svc *zrshare.Service) (*zrshare.ServiceProxy, error) {
		return zrshare.NewServiceProxy(name, destinationZoneID, svc, NewClientChannel(cmA, destinationZoneID)), nil
	}

	ref, err := svcA.ConnectToZone(ctx, factory, "to-b", 2, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, ref)

	op := ref.ObjectProxy()
	out, err := op.Send(ctx, zrshare.EncodingBinary, 0, echoID(op.ServiceProxy().Version()), echoMethodPing, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), out)

	objectID := op.ObjectID()
	st := svcB.GetObjectStub(objectID)
	require.NotNil(t, st)
	shared, _ := st.CallerCounts(svcA.ZoneID().AsCaller())
	assert.Equal(t, uint64(1), shared)

	require.NoError(t, ref.Release(ctx))
	assert.Nil(t, svcB.GetObjectStub(objectID), "remote release must reach the stub over the wire")
	assert.True(t, svcA.CheckIsEmpty())
}

func TestCallTimeoutResolvesTransportError(t *testing.T) {
	logger := testLogger()
	svc := zrshare.NewService(logger, "a", 1)
	connA, connB := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, connB) }()

	cm := NewChannelManager(logger, Settings{CallTimeout: 100 * time.Millisecond}, connA, svc, nil)
	cm.Start()

	var reply zrshare.CallReceive
	err := cm.CallPeer(context.Background(), zrshare.HighestSupportedVersion, &zrshare.CallSend{
		DestinationZoneID: 2, ObjectID: 1, InterfaceID: 1, MethodID: 1,
	}, &reply)
	assert.Equal(t, zrshare.CodeTransportError, zrshare.CodeOf(err))
	_ = connA.Close()
}

func TestPendingWaitersCancelledOnClose(t *testing.T) {
	logger := testLogger()
	svc := zrshare.NewService(logger, "a", 1)
	connA, connB := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, connB) }()

	cm := NewChannelManager(logger, Settings{CallTimeout: time.Minute}, connA, svc, nil)
	cm.Start()

	done := make(chan error, 1)
	go func() {
		var reply zrshare.CallReceive
		done <- cm.CallPeer(context.Background(), zrshare.HighestSupportedVersion, &zrshare.CallSend{
			DestinationZoneID: 2, ObjectID: 1, InterfaceID: 1, MethodID: 1,
		}, &reply)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, connB.Close())

	select {
	case err := <-done:
		assert.Equal(t, zrshare.CodeCallCancelled, zrshare.CodeOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("pending waiter was not resolved on connection close")
	}
}

func TestContextCancellationAbandonsCall(t *testing.T) {
	logger := testLogger()
	svc := zrshare.NewService(logger, "a", 1)
	connA, connB := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, connB) }()

	cm := NewChannelManager(logger, Settings{CallTimeout: time.Minute}, connA, svc, nil)
	cm.Start()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	var reply zrshare.CallReceive
	err := cm.CallPeer(ctx, zrshare.HighestSupportedVersion, &zrshare.CallSend{
		DestinationZoneID: 2, ObjectID: 1, InterfaceID: 1, MethodID: 1,
	}, &reply)
	assert.Equal(t, zrshare.CodeCallCancelled, zrshare.CodeOf(err))
	_ = connA.Close()
}

func TestListenerAttachAndDial(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()
	svcA := zrshare.NewService(logger, "a", 1)
	svcB := zrshare.NewService(logger, "b", 2)

	attach := func(ctx context.Context, parent *zrshare.Ref) (zrshare.Castable, zrshare.StubFactory, error) {
		return &echoImpl{}, newEchoStub, nil
	}
	l, err := NewListener(logger, Settings{}, "127.0.0.1:0", svcB, attach)
	require.NoError(t, err)
	defer l.Close()

	factory := NewServiceProxyFactory(logger, Settings{CallTimeout: 5 * time.Second}, l.Addr().String())
	ref, err := svcA.ConnectToZone(ctx, factory, "to-b", 2, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, ref)

	op := ref.ObjectProxy()
	out, err := op.Send(ctx, zrshare.EncodingCompactBinary, 0, echoID(op.ServiceProxy().Version()), echoMethodPing, []byte{7, 8, 9})
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 8, 9}, out)

	require.NoError(t, ref.Release(ctx))
	assert.True(t, svcA.CheckIsEmpty())
}
