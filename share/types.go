package zrshare

import (
	"strconv"

	"go.uber.org/atomic"
)

// To keep reference counts and call routing honest across an arbitrary graph
// of isolation domains, every zone id that crosses a function boundary is
// direction-tagged: the same underlying 64-bit value may be a plain Zone (the
// domain a Service operates in), a DestinationZone (where a call or reference
// operation is headed), a CallerZone (the zone on whose behalf references are
// being counted), or a channel-zone (the next hop on a multi-hop route).
// The distinct types make it a compile error to hand a caller id to a
// parameter expecting a destination; the As* converters below are the only
// way to cross between them, and they change intent, never value.
//
// In every id space the value 0 means "unset/none".

// Zone identifies a single isolation domain (a process, an enclave, a child
// runtime, or a network node) that owns exactly one Service.
type Zone uint64

// DestinationZone is a Zone viewed as the target of an operation.
type DestinationZone uint64

// DestinationChannelZone is the next-hop zone through which a
// DestinationZone is reached when the route is multi-hop. It is the zone a
// service proxy was cloned from.
type DestinationChannelZone uint64

// CallerZone is the Zone on whose behalf a call or reference operation is
// being performed.
type CallerZone uint64

// CallerChannelZone is the zone a call arrived through, when the caller is
// more than one hop away.
type CallerChannelZone uint64

// KnownDirectionZone is a routing hint carried only by add-ref operations
// that build reference-count routes; transports that cannot reconstruct a
// meaningful value may pass 0.
type KnownDirectionZone uint64

// ObjectID identifies an object uniquely within its owning zone.
type ObjectID uint64

// InterfaceOrdinal is a 64-bit hash identifying an interface at a specific
// protocol version.
type InterfaceOrdinal uint64

// MethodID is a method ordinal within an interface.
type MethodID uint64

// DummyObjectID is a reserved in-band sentinel used when an add-ref or
// release targets a whole service-proxy channel rather than a specific
// object. It is never handed out by the object id allocator.
const DummyObjectID ObjectID = ^ObjectID(0)

// IsSet returns true if the id has been assigned a nonzero value
func (z Zone) IsSet() bool { return z != 0 }

// AsDestination views this zone as the target of an operation
func (z Zone) AsDestination() DestinationZone { return DestinationZone(z) }

// AsDestinationChannel views this zone as a route's next hop
func (z Zone) AsDestinationChannel() DestinationChannelZone { return DestinationChannelZone(z) }

// AsCaller views this zone as the originator of an operation
func (z Zone) AsCaller() CallerZone { return CallerZone(z) }

// AsCallerChannel views this zone as the hop a call arrived through
func (z Zone) AsCallerChannel() CallerChannelZone { return CallerChannelZone(z) }

func (z Zone) String() string { return strconv.FormatUint(uint64(z), 10) }

// IsSet returns true if the id has been assigned a nonzero value
func (z DestinationZone) IsSet() bool { return z != 0 }

// AsZone drops the direction tag
func (z DestinationZone) AsZone() Zone { return Zone(z) }

// AsDestinationChannel views this destination as a route's next hop
func (z DestinationZone) AsDestinationChannel() DestinationChannelZone {
	return DestinationChannelZone(z)
}

// AsCaller views this destination as a caller, for reverse routes
func (z DestinationZone) AsCaller() CallerZone { return CallerZone(z) }

// AsCallerChannel views this destination as an inbound hop
func (z DestinationZone) AsCallerChannel() CallerChannelZone { return CallerChannelZone(z) }

func (z DestinationZone) String() string { return strconv.FormatUint(uint64(z), 10) }

// IsSet returns true if the id has been assigned a nonzero value
func (z DestinationChannelZone) IsSet() bool { return z != 0 }

// AsDestination views this next hop as a destination in its own right
func (z DestinationChannelZone) AsDestination() DestinationZone { return DestinationZone(z) }

// AsCallerChannel flips the hop to the caller direction
func (z DestinationChannelZone) AsCallerChannel() CallerChannelZone { return CallerChannelZone(z) }

func (z DestinationChannelZone) String() string { return strconv.FormatUint(uint64(z), 10) }

// IsSet returns true if the id has been assigned a nonzero value
func (z CallerZone) IsSet() bool { return z != 0 }

// AsCallerChannel views this caller as an inbound hop
func (z CallerZone) AsCallerChannel() CallerChannelZone { return CallerChannelZone(z) }

// AsDestination flips the caller to a destination, for reverse routes
func (z CallerZone) AsDestination() DestinationZone { return DestinationZone(z) }

// AsDestinationChannel views this caller as a route's next hop
func (z CallerZone) AsDestinationChannel() DestinationChannelZone {
	return DestinationChannelZone(z)
}

// AsKnownDirection views this caller as a ref-count routing hint
func (z CallerZone) AsKnownDirection() KnownDirectionZone { return KnownDirectionZone(z) }

func (z CallerZone) String() string { return strconv.FormatUint(uint64(z), 10) }

// IsSet returns true if the id has been assigned a nonzero value
func (z CallerChannelZone) IsSet() bool { return z != 0 }

// AsDestination views this inbound hop as a destination, for reverse routes
func (z CallerChannelZone) AsDestination() DestinationZone { return DestinationZone(z) }

// AsDestinationChannel flips the hop to the destination direction
func (z CallerChannelZone) AsDestinationChannel() DestinationChannelZone {
	return DestinationChannelZone(z)
}

func (z CallerChannelZone) String() string { return strconv.FormatUint(uint64(z), 10) }

// IsSet returns true if the id has been assigned a nonzero value
func (z KnownDirectionZone) IsSet() bool { return z != 0 }

// AsDestination views the hint as a destination
func (z KnownDirectionZone) AsDestination() DestinationZone { return DestinationZone(z) }

func (z KnownDirectionZone) String() string { return strconv.FormatUint(uint64(z), 10) }

// IsSet returns true if the id has been assigned a nonzero value
func (o ObjectID) IsSet() bool { return o != 0 }

func (o ObjectID) String() string { return strconv.FormatUint(uint64(o), 10) }

// IsSet returns true if the id has been assigned a nonzero value
func (i InterfaceOrdinal) IsSet() bool { return i != 0 }

func (i InterfaceOrdinal) String() string { return strconv.FormatUint(uint64(i), 10) }

// IsSet returns true if the id has been assigned a nonzero value
func (m MethodID) IsSet() bool { return m != 0 }

func (m MethodID) String() string { return strconv.FormatUint(uint64(m), 10) }

// InterfaceDescriptor is the wire-level capability reference to an interface:
// the object that implements it and the zone the object lives in. Zero in
// either field means "null".
type InterfaceDescriptor struct {
	ObjectID          ObjectID        `json:"object_id"`
	DestinationZoneID DestinationZone `json:"destination_zone_id"`
}

// IsSet returns true if the descriptor references an actual object
func (d InterfaceDescriptor) IsSet() bool {
	return d.ObjectID.IsSet() && d.DestinationZoneID.IsSet()
}

func (d InterfaceDescriptor) String() string {
	return "{object=" + d.ObjectID.String() + ", zone=" + d.DestinationZoneID.String() + "}"
}

var zoneIDGenerator atomic.Uint64

// GenerateNewZoneID allocates a process-wide unique Zone id. Embedders that
// assign zone ids out of band (e.g. from a cluster coordinator) need not use
// it.
func GenerateNewZoneID() Zone {
	return Zone(zoneIDGenerator.Inc())
}
