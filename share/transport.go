package zrshare

import (
	"context"
)

// BackChannelEntry is a piggybacked reference-count adjustment that rides on
// another operation rather than paying for its own round trip. Transports
// carry the list opaquely in both directions; endpoints that have nothing to
// piggyback pass nil.
type BackChannelEntry struct {
	DestinationZoneID DestinationZone `json:"destination_zone_id"`
	ObjectID          ObjectID        `json:"object_id"`
	Options           uint8           `json:"options"`
}

// Marshaller is the boundary over which calls and reference operations flow
// between zones. The Service of every zone implements it as its inbound
// dispatch surface; pass-throughs implement it to relay between two
// transports.
//
// All five operations are suspension points: blocking implementations must
// honor ctx cancellation, and cooperative ones yield here.
type Marshaller interface {
	// Send dispatches a method on an object in the destination zone and
	// returns the serialized reply.
	Send(ctx context.Context, version uint64, enc Encoding, tag uint64,
		callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
		destinationZoneID DestinationZone, objectID ObjectID,
		interfaceID InterfaceOrdinal, methodID MethodID,
		inBuf []byte, inBackChannel []BackChannelEntry,
	) (outBuf []byte, outBackChannel []BackChannelEntry, err error)

	// Post is the fire-and-forget variant of Send; it must not block on the
	// peer and has no reply. It carries zone-terminating notifications and
	// optimistic releases.
	Post(ctx context.Context, version uint64, enc Encoding, tag uint64,
		callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
		destinationZoneID DestinationZone, objectID ObjectID,
		interfaceID InterfaceOrdinal, methodID MethodID,
		options PostOptions, inBuf []byte, inBackChannel []BackChannelEntry,
	) error

	// TryCast checks whether the object supports another interface,
	// materializing the stub view on success.
	TryCast(ctx context.Context, version uint64,
		destinationZoneID DestinationZone, objectID ObjectID,
		interfaceID InterfaceOrdinal, inBackChannel []BackChannelEntry,
	) (outBackChannel []BackChannelEntry, err error)

	// AddRef increments the named stub (or, for DummyObjectID, the channel
	// itself) and returns the post-increment count.
	AddRef(ctx context.Context, version uint64,
		destinationChannelZoneID DestinationChannelZone,
		destinationZoneID DestinationZone, objectID ObjectID,
		callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
		knownDirectionZoneID KnownDirectionZone, options AddRefOptions,
		inBackChannel []BackChannelEntry,
	) (refCount uint64, outBackChannel []BackChannelEntry, err error)

	// Release decrements the named stub (or channel) and returns the
	// post-decrement count. For every successful AddRef there must be
	// exactly one Release with the same optimistic bit.
	Release(ctx context.Context, version uint64,
		destinationZoneID DestinationZone, objectID ObjectID,
		callerZoneID CallerZone, options ReleaseOptions,
		inBackChannel []BackChannelEntry,
	) (refCount uint64, outBackChannel []BackChannelEntry, err error)
}

// TransportStatus is the coarse health of a transport.
type TransportStatus int

const (
	// TransportConnecting means the channel is not yet usable
	TransportConnecting TransportStatus = iota

	// TransportConnected means the channel is carrying traffic
	TransportConnected

	// TransportDisconnected means the channel has failed or been closed;
	// every future operation on it fails fast
	TransportDisconnected
)

func (s TransportStatus) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Transport is the per-peer capability a ServiceProxy sends through. The
// core never constructs transports itself; concrete implementations (in
// process direct, TCP, WebSocket, shared-memory queues, enclave ecalls) are
// collaborators.
type Transport interface {
	Marshaller

	// Status reports channel health; routers use it to fail fast and tear
	// down on broken channels
	Status() TransportStatus

	// Close releases the channel. err is an advisory reason propagated to
	// any pending waiters.
	Close(err error) error
}

// Connector is implemented by transports that support the connect handshake
// of Service.ConnectToZone: exchange an optional in-parameter interface for
// the peer's root interface.
type Connector interface {
	Connect(ctx context.Context, input InterfaceDescriptor) (InterfaceDescriptor, error)
}

// FixedBufferTransport is implemented by transports whose callee writes the
// reply into a caller-supplied fixed output buffer (enclave ecalls and other
// pinned-memory channels). If the serialized reply exceeds replyCapacity the
// callee returns a NeedMoreMemoryError reporting the required size; the
// caller regrows and retries the call exactly once.
type FixedBufferTransport interface {
	SendBuffered(ctx context.Context, version uint64, enc Encoding, tag uint64,
		callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
		destinationZoneID DestinationZone, objectID ObjectID,
		interfaceID InterfaceOrdinal, methodID MethodID,
		inBuf []byte, inBackChannel []BackChannelEntry, replyCapacity uint64,
	) (outBuf []byte, outBackChannel []BackChannelEntry, err error)
}

// DestinationRemover is implemented by transports that track which zones are
// reachable through them; a pass-through tearing itself down detaches its
// endpoints from each other's transports through this.
type DestinationRemover interface {
	RemoveDestination(destinationZoneID DestinationZone)
}
