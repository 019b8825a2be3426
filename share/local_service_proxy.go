package zrshare

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// In-process channels: the degenerate transport for two services living in
// one address space, equivalent to a host runtime looking at an embedded
// child (and the child looking back). Calls are delivered by direct method
// invocation on the peer service; there is no wire, no envelope, and no
// version skew, but the reference protocol runs exactly as it would over a
// real channel, which is what makes these the backbone of the test
// topologies.

// localChannel is a Transport delivering straight into a peer Service.
type localChannel struct {
	peer   *Service
	status atomic.Int32
}

func newLocalChannel(peer *Service) *localChannel {
	c := &localChannel{peer: peer}
	c.status.Store(int32(TransportConnected))
	return c
}

func (c *localChannel) peerService() (*Service, error) {
	if c.Status() != TransportConnected {
		return nil, errors.Wrap(ErrTransportError, "local channel is closed")
	}
	if c.peer == nil {
		return nil, errors.Wrap(ErrZoneNotInitialised, "local channel has no peer yet")
	}
	return c.peer, nil
}

// Status implements Transport
func (c *localChannel) Status() TransportStatus { return TransportStatus(c.status.Load()) }

// Close implements Transport
func (c *localChannel) Close(err error) error {
	c.status.Store(int32(TransportDisconnected))
	return nil
}

// Send implements Transport
func (c *localChannel) Send(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	destinationZoneID DestinationZone, objectID ObjectID,
	interfaceID InterfaceOrdinal, methodID MethodID,
	inBuf []byte, inBackChannel []BackChannelEntry) ([]byte, []BackChannelEntry, error) {

	peer, err := c.peerService()
	if err != nil {
		return nil, nil, err
	}
	return peer.Send(ctx, version, enc, tag, callerChannelZoneID, callerZoneID,
		destinationZoneID, objectID, interfaceID, methodID, inBuf, inBackChannel)
}

// Post implements Transport
func (c *localChannel) Post(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	destinationZoneID DestinationZone, objectID ObjectID,
	interfaceID InterfaceOrdinal, methodID MethodID,
	options PostOptions, inBuf []byte, inBackChannel []BackChannelEntry) error {

	peer, err := c.peerService()
	if err != nil {
		return err
	}
	return peer.Post(ctx, version, enc, tag, callerChannelZoneID, callerZoneID,
		destinationZoneID, objectID, interfaceID, methodID, options, inBuf, inBackChannel)
}

// TryCast implements Transport
func (c *localChannel) TryCast(ctx context.Context, version uint64, destinationZoneID DestinationZone,
	objectID ObjectID, interfaceID InterfaceOrdinal,
	inBackChannel []BackChannelEntry) ([]BackChannelEntry, error) {

	peer, err := c.peerService()
	if err != nil {
		return nil, err
	}
	return peer.TryCast(ctx, version, destinationZoneID, objectID, interfaceID, inBackChannel)
}

// AddRef implements Transport
func (c *localChannel) AddRef(ctx context.Context, version uint64,
	destinationChannelZoneID DestinationChannelZone, destinationZoneID DestinationZone, objectID ObjectID,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone, knownDirectionZoneID KnownDirectionZone,
	options AddRefOptions, inBackChannel []BackChannelEntry) (uint64, []BackChannelEntry, error) {

	peer, err := c.peerService()
	if err != nil {
		return 0, nil, err
	}
	return peer.AddRef(ctx, version, destinationChannelZoneID, destinationZoneID, objectID,
		callerChannelZoneID, callerZoneID, knownDirectionZoneID, options, inBackChannel)
}

// Release implements Transport
func (c *localChannel) Release(ctx context.Context, version uint64, destinationZoneID DestinationZone,
	objectID ObjectID, callerZoneID CallerZone, options ReleaseOptions,
	inBackChannel []BackChannelEntry) (uint64, []BackChannelEntry, error) {

	peer, err := c.peerService()
	if err != nil {
		return 0, nil, err
	}
	return peer.Release(ctx, version, destinationZoneID, objectID, callerZoneID, options, inBackChannel)
}

// NewLocalServiceProxyFactory returns a factory building proxies that
// deliver straight into peer; the child end of an in-process pairing uses it
// to reach its parent.
func NewLocalServiceProxyFactory(peer *Service) ServiceProxyFactory {
	return func(name string, destinationZoneID DestinationZone, svc *Service) (*ServiceProxy, error) {
		if peer == nil {
			return nil, errors.Wrap(ErrZoneNotInitialised, "no peer service for local proxy")
		}
		if peer.ZoneID().AsDestination() != destinationZoneID {
			return nil, errors.Wrapf(ErrZoneNotFound, "local peer is zone %d, not %d", peer.ZoneID(), destinationZoneID)
		}
		return NewServiceProxy(name, destinationZoneID, svc, newLocalChannel(peer)), nil
	}
}

// localChildChannel is the parent-side channel whose peer zone does not
// exist until the connect handshake creates it.
type localChildChannel struct {
	localChannel

	logger      Logger
	parentSvc   *Service
	childName   string
	childZoneID Zone
	fn          CreateChildZoneFunc

	childSvc *ChildService
}

// Connect implements Connector: creating the peer is the handshake. The
// child service comes up wired back to the parent over a local channel, the
// user function builds its root object, and the root's descriptor is the
// answer.
func (c *localChildChannel) Connect(ctx context.Context, input InterfaceDescriptor) (InterfaceDescriptor, error) {
	if c.childSvc != nil {
		return InterfaceDescriptor{}, errors.Wrap(ErrUnableToCreateServiceProxy, "child zone already connected")
	}
	childSvc, outputDescr, err := CreateChildZone(ctx, c.logger, c.childName, c.childZoneID,
		c.parentSvc.ZoneID().AsDestination(), NewLocalServiceProxyFactory(c.parentSvc), input, c.fn)
	if err != nil {
		return InterfaceDescriptor{}, err
	}
	c.childSvc = childSvc
	c.peer = childSvc.Service
	return outputDescr, nil
}

// ChildService returns the service created by Connect, or nil beforehand.
func (c *localChildChannel) ChildService() *ChildService { return c.childSvc }

// NewLocalChildServiceProxyFactory returns a factory for the parent side of
// an in-process pairing: connecting through the proxy it builds creates the
// child zone itself, with fn supplying the child's root object.
func NewLocalChildServiceProxyFactory(logger Logger, childName string, childZoneID Zone,
	fn CreateChildZoneFunc) ServiceProxyFactory {

	return func(name string, destinationZoneID DestinationZone, svc *Service) (*ServiceProxy, error) {
		if childZoneID.AsDestination() != destinationZoneID {
			return nil, errors.Wrapf(ErrZoneNotFound, "child zone is %d, not %d", childZoneID, destinationZoneID)
		}
		ch := &localChildChannel{
			logger:      logger,
			parentSvc:   svc,
			childName:   childName,
			childZoneID: childZoneID,
			fn:          fn,
		}
		ch.status.Store(int32(TransportConnected))
		return NewServiceProxy(name, destinationZoneID, svc, ch), nil
	}
}
