package zrws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/zonerpc/pkg/zrtcp"
	zrshare "github.com/sammck-go/zonerpc/share"
)

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

func TestWebSocketRoundTrip(t *testing.T) {
	ctx := context.Background()
	logger := zrshare.NewLogger("zrws-test", zrshare.LogLevelError)

	svcA := zrshare.NewService(logger, "a", 1)
	svcB := zrshare.NewService(logger, "b", 2)

	attach := func(ctx context.Context, parent *zrshare.Ref) (zrshare.Castable, zrshare.StubFactory, error) {
		return &echoImpl{}, newEchoStub, nil
	}

	server := httptest.NewServer(Handler(logger, zrtcp.Settings{CallTimeout: 5 * time.Second}, svcB, attach))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	factory := NewServiceProxyFactory(logger, DialSettings{
		Channel:    zrtcp.Settings{CallTimeout: 5 * time.Second, DialTimeout: 5 * time.Second},
		MaxRetries: 2,
	}, url)

	ref, err := svcA.ConnectToZone(ctx, factory, "to-b", 2, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, ref)

	op := ref.ObjectProxy()
	out, err := op.Send(ctx, zrshare.EncodingJSON, 0, echoID(op.ServiceProxy().Version()), echoMethodPing, []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":1}`), out)

	objectID := op.ObjectID()
	require.NotNil(t, svcB.GetObjectStub(objectID))

	require.NoError(t, ref.Release(ctx))
	assert.Nil(t, svcB.GetObjectStub(objectID))
	assert.True(t, svcA.CheckIsEmpty())
}

func TestDialRetriesThenFails(t *testing.T) {
	logger := zrshare.NewLogger("zrws-test", zrshare.LogLevelError)
	factory := NewServiceProxyFactory(logger, DialSettings{
		Channel:    zrtcp.Settings{DialTimeout: time.Second},
		MaxRetries: 1,
		RetryMin:   10 * time.Millisecond,
		RetryMax:   20 * time.Millisecond,
	}, "ws://127.0.0.1:1/nope")

	svc := zrshare.NewService(logger, "a", 1)
	_, err := factory("to-nowhere", 2, svc)
	assert.Equal(t, zrshare.CodeTransportError, zrshare.CodeOf(err))
}
