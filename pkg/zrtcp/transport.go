package zrtcp

import (
	"context"
	"net"

	"github.com/pkg/errors"

	zrshare "github.com/sammck-go/zonerpc/share"
)

// transport adapts a ChannelManager to the zrshare.Transport capability one
// service proxy consumes. Several proxies (clones for different caller
// zones) may ride the same channel manager; each holds its own transport
// rider so detach accounting stays per-proxy.
type transport struct {
	cm *ChannelManager
}

// NewTransport wraps a channel manager as a Transport, registering as a
// rider.
func NewTransport(cm *ChannelManager) zrshare.Transport {
	cm.AttachServiceProxy()
	return &transport{cm: cm}
}

// Status implements zrshare.Transport
func (t *transport) Status() zrshare.TransportStatus {
	if t.cm.IsStartedShutdown() || t.cm.peerCancelReceived.Load() {
		return zrshare.TransportDisconnected
	}
	return zrshare.TransportConnected
}

// Close implements zrshare.Transport
func (t *transport) Close(err error) error {
	t.cm.DetachServiceProxy(context.Background())
	return nil
}

// statusErr maps a nonzero wire code back into an error.
func statusErr(code zrshare.ErrCode) error {
	return zrshare.StatusFromCode(code)
}

// Send implements zrshare.Transport
func (t *transport) Send(ctx context.Context, version uint64, enc zrshare.Encoding, tag uint64,
	callerChannelZoneID zrshare.CallerChannelZone, callerZoneID zrshare.CallerZone,
	destinationZoneID zrshare.DestinationZone, objectID zrshare.ObjectID,
	interfaceID zrshare.InterfaceOrdinal, methodID zrshare.MethodID,
	inBuf []byte, inBackChannel []zrshare.BackChannelEntry) ([]byte, []zrshare.BackChannelEntry, error) {

	var reply zrshare.CallReceive
	err := t.cm.CallPeer(ctx, version, &zrshare.CallSend{
		Encoding:            enc,
		Tag:                 tag,
		CallerChannelZoneID: callerChannelZoneID,
		CallerZoneID:        callerZoneID,
		DestinationZoneID:   destinationZoneID,
		ObjectID:            objectID,
		InterfaceID:         interfaceID,
		MethodID:            methodID,
		Payload:             inBuf,
	}, &reply)
	if err != nil {
		return nil, nil, err
	}
	return reply.Payload, nil, statusErr(reply.ErrCode)
}

// Post implements zrshare.Transport
func (t *transport) Post(ctx context.Context, version uint64, enc zrshare.Encoding, tag uint64,
	callerChannelZoneID zrshare.CallerChannelZone, callerZoneID zrshare.CallerZone,
	destinationZoneID zrshare.DestinationZone, objectID zrshare.ObjectID,
	interfaceID zrshare.InterfaceOrdinal, methodID zrshare.MethodID,
	options zrshare.PostOptions, inBuf []byte, inBackChannel []zrshare.BackChannelEntry) error {

	return t.cm.SendOneWay(version, &zrshare.PostSend{
		Encoding:            enc,
		Tag:                 tag,
		CallerChannelZoneID: callerChannelZoneID,
		CallerZoneID:        callerZoneID,
		DestinationZoneID:   destinationZoneID,
		ObjectID:            objectID,
		InterfaceID:         interfaceID,
		MethodID:            methodID,
		Options:             options,
		Payload:             inBuf,
	})
}

// TryCast implements zrshare.Transport
func (t *transport) TryCast(ctx context.Context, version uint64, destinationZoneID zrshare.DestinationZone,
	objectID zrshare.ObjectID, interfaceID zrshare.InterfaceOrdinal,
	inBackChannel []zrshare.BackChannelEntry) ([]zrshare.BackChannelEntry, error) {

	var reply zrshare.TryCastReceive
	err := t.cm.CallPeer(ctx, version, &zrshare.TryCastSend{
		DestinationZoneID: destinationZoneID,
		ObjectID:          objectID,
		InterfaceID:       interfaceID,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return nil, statusErr(reply.ErrCode)
}

// AddRef implements zrshare.Transport
func (t *transport) AddRef(ctx context.Context, version uint64,
	destinationChannelZoneID zrshare.DestinationChannelZone, destinationZoneID zrshare.DestinationZone,
	objectID zrshare.ObjectID, callerChannelZoneID zrshare.CallerChannelZone, callerZoneID zrshare.CallerZone,
	knownDirectionZoneID zrshare.KnownDirectionZone, options zrshare.AddRefOptions,
	inBackChannel []zrshare.BackChannelEntry) (uint64, []zrshare.BackChannelEntry, error) {

	var reply zrshare.AddRefReceive
	err := t.cm.CallPeer(ctx, version, &zrshare.AddRefSend{
		DestinationChannelZoneID: destinationChannelZoneID,
		DestinationZoneID:        destinationZoneID,
		ObjectID:                 objectID,
		CallerChannelZoneID:      callerChannelZoneID,
		CallerZoneID:             callerZoneID,
		KnownDirectionZoneID:     knownDirectionZoneID,
		BuildOutParamChannel:     uint8(options),
	}, &reply)
	if err != nil {
		return 0, nil, err
	}
	return reply.RefCount, nil, statusErr(reply.ErrCode)
}

// Release implements zrshare.Transport
func (t *transport) Release(ctx context.Context, version uint64, destinationZoneID zrshare.DestinationZone,
	objectID zrshare.ObjectID, callerZoneID zrshare.CallerZone, options zrshare.ReleaseOptions,
	inBackChannel []zrshare.BackChannelEntry) (uint64, []zrshare.BackChannelEntry, error) {

	var reply zrshare.ReleaseReceive
	err := t.cm.CallPeer(ctx, version, &zrshare.ReleaseSend{
		DestinationZoneID: destinationZoneID,
		ObjectID:          objectID,
		CallerZoneID:      callerZoneID,
		Options:           uint8(options),
	}, &reply)
	if err != nil {
		return 0, nil, err
	}
	return reply.RefCount, nil, statusErr(reply.ErrCode)
}

// clientChannel is the connecting side's transport: it also speaks the
// init_client_channel handshake as its Connect implementation.
type clientChannel struct {
	*transport
	destinationZoneID zrshare.DestinationZone
}

// Connect implements zrshare.Connector: exchange descriptors with the
// accepting side.
func (c *clientChannel) Connect(ctx context.Context, input zrshare.InterfaceDescriptor) (zrshare.InterfaceDescriptor, error) {
	var reply zrshare.InitClientChannelResponse
	err := c.cm.CallPeer(ctx, zrshare.HighestSupportedVersion, &zrshare.InitClientChannelSend{
		CallerZoneID:      c.cm.service.ZoneID().AsCaller(),
		CallerObjectID:    input.ObjectID,
		DestinationZoneID: c.destinationZoneID,
	}, &reply)
	if err != nil {
		return zrshare.InterfaceDescriptor{}, err
	}
	if reply.ErrCode != zrshare.CodeOK {
		return zrshare.InterfaceDescriptor{}, statusErr(reply.ErrCode)
	}
	return zrshare.InterfaceDescriptor{
		ObjectID:          reply.DestinationObjectID,
		DestinationZoneID: reply.DestinationZoneID,
	}, nil
}

// NewClientChannel wraps a channel manager as the connecting side's
// transport, including the Connect handshake toward destinationZoneID.
func NewClientChannel(cm *ChannelManager, destinationZoneID zrshare.DestinationZone) zrshare.Transport {
	cm.AttachServiceProxy()
	return &clientChannel{
		transport:         &transport{cm: cm},
		destinationZoneID: destinationZoneID,
	}
}

// NewServiceProxyFactory dials addr for each new proxy and rides a fresh
// channel manager over the connection.
func NewServiceProxyFactory(logger zrshare.Logger, settings Settings, addr string) zrshare.ServiceProxyFactory {
	settings = settings.withDefaults()
	return func(name string, destinationZoneID zrshare.DestinationZone, svc *zrshare.Service) (*zrshare.ServiceProxy, error) {
		conn, err := net.DialTimeout("tcp", addr, settings.DialTimeout)
		if err != nil {
			return nil, errors.Wrapf(zrshare.ErrTransportError, "dial %s failed: %v", addr, err)
		}
		cm := NewChannelManager(logger, settings, conn.(Conn), svc, nil)
		cm.Start()
		return zrshare.NewServiceProxy(name, destinationZoneID, svc, NewClientChannel(cm, destinationZoneID)), nil
	}
}
