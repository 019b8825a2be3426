package zrshare

import "context"

// Castable is the root of the interface type system: every local
// implementation and every interface proxy is Castable. Generated bindings
// (and the hand-written glue in tests) implement it per concrete interface.
type Castable interface {
	// QueryInterface returns the receiver's view of the given interface
	// ordinal, or nil if it does not implement it locally. It never makes a
	// remote call; remote polymorphic casts go through TryCast.
	QueryInterface(interfaceID InterfaceOrdinal) Castable

	// IsLocal reports whether the receiver is an implementation living in
	// the current zone rather than a proxy for an object elsewhere.
	IsLocal() bool
}

// InterfaceIDGetter returns an interface's wire ordinal at a given protocol
// version, so the runtime can try successive versions when negotiating with
// an older peer.
type InterfaceIDGetter func(version uint64) InterfaceOrdinal

// ProxyFactory builds a typed interface proxy over an object proxy.
// Generated bindings supply one per interface.
type ProxyFactory func(op *ObjectProxy) Castable

// StubFactory builds the server-side adapter that demarshals method calls
// onto a local implementation. It returns nil if the implementation does not
// support the factory's interface.
type StubFactory func(impl Castable) InterfaceStub

// InterfaceBinding bundles everything the runtime needs to marshal one
// interface across a zone boundary. The code generator emits one per
// interface; hand-written bindings follow the same shape.
type InterfaceBinding struct {
	// Name is the fully qualified interface name, used for ordinals and
	// diagnostics
	Name string

	// ID is the version-indexed ordinal getter
	ID InterfaceIDGetter

	// NewProxy fabricates the typed client-side facade
	NewProxy ProxyFactory

	// NewStub fabricates the server-side adapter, or nil for interfaces
	// that are only ever consumed remotely
	NewStub StubFactory
}

// InterfaceStub adapts one interface of a wrapped implementation: it
// demarshals a method id and payload, invokes the implementation, and
// marshals the return.
type InterfaceStub interface {
	// InterfaceID returns the stub's ordinal at the given version, with
	// false if the interface does not exist at that version
	InterfaceID(version uint64) (InterfaceOrdinal, bool)

	// Call dispatches one method. The caller zone identifies whose
	// references any marshalled out-parameter interfaces are counted for.
	Call(ctx context.Context, version uint64, enc Encoding, tag uint64,
		callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
		methodID MethodID, inBuf []byte) ([]byte, error)

	// TargetCastable returns the wrapped implementation
	TargetCastable() Castable
}

// proxied is implemented by every interface proxy so the binding helpers can
// recover the object proxy underneath a Castable.
type proxied interface {
	ObjectProxy() *ObjectProxy
}

// ObjectProxyOf returns the object proxy underneath an interface proxy, or
// nil if the Castable is a local implementation.
func ObjectProxyOf(c Castable) *ObjectProxy {
	if c == nil {
		return nil
	}
	if p, ok := c.(proxied); ok {
		return p.ObjectProxy()
	}
	return nil
}

// DestinationZoneOf returns the zone that owns the object behind a proxy, or
// 0 for local implementations.
func DestinationZoneOf(c Castable) DestinationZone {
	if op := ObjectProxyOf(c); op != nil {
		return op.DestinationZoneID()
	}
	return 0
}

// currentServiceKey carries the dispatching Service through a call so that
// binding helpers invoked deep inside stub dispatch can find the owning
// service when deserializing interfaces. It is the scoped-guard analogue of
// the original thread-local; library users must not set it themselves.
type currentServiceKey struct{}

// WithCurrentService returns a ctx that records s as the service currently
// dispatching. The Service sets it around every inbound dispatch so that
// re-entrant cross-zone calls nest correctly.
func WithCurrentService(ctx context.Context, s *Service) context.Context {
	return context.WithValue(ctx, currentServiceKey{}, s)
}

// CurrentService returns the service currently dispatching on this ctx, or
// nil outside a dispatch.
func CurrentService(ctx context.Context) *Service {
	s, _ := ctx.Value(currentServiceKey{}).(*Service)
	return s
}
