package zrshare

import (
	"context"

	"github.com/pkg/errors"
)

// Binding helpers: the four marshalling paths generated interface glue goes
// through when an interface crosses a zone boundary.
//
//   egress, caller side:  Service.PrepareForTransmit (in-parameters) and
//                         Service.PrepareOutParam (return values)
//   ingress, stub side:   StubBindInParam
//   ingress, caller side: ProxyBindOutParam / DemarshalInterfaceRef
//
// Ingress either resolves the descriptor to a local implementation (the
// interface came home) or finds/creates the object proxy for it, with the
// reference side-effect the direction requires.

// adoptHandle mints a Ref backed by a wire reference the creation path
// already established, without touching the wire again.
func (op *ObjectProxy) adoptHandle() *Ref {
	op.lock.Lock()
	op.shared++
	op.lock.Unlock()
	return inheritedRef(op)
}

// adoptOptimisticHandle is adoptHandle for an optimistic creation path.
func (op *ObjectProxy) adoptOptimisticHandle() *OptimisticRef {
	op.lock.Lock()
	op.optimistic++
	op.lock.Unlock()
	return &OptimisticRef{op: op}
}

// BoundInterface is the result of binding an inbound descriptor: exactly one
// of Local (the descriptor referenced an implementation in this zone) or
// Remote (a counted handle on a proxy) is set, unless the descriptor was
// null, in which case both are nil.
type BoundInterface struct {
	Local  Castable
	Remote *Ref
}

// IsNil reports whether the descriptor was null
func (b BoundInterface) IsNil() bool { return b.Local == nil && b.Remote == nil }

// Castable resolves the bound interface to a typed facade for the binding.
func (b BoundInterface) Castable(ctx context.Context, binding InterfaceBinding) (Castable, error) {
	if b.Local != nil {
		if c := b.Local.QueryInterface(binding.ID(HighestSupportedVersion)); c != nil {
			return c, nil
		}
		return nil, errors.Wrapf(ErrInvalidInterfaceID, "local object does not implement %s", binding.Name)
	}
	if b.Remote != nil {
		return b.Remote.Interface(ctx, binding)
	}
	return nil, nil
}

// Release drops the remote handle if one is held. Stub glue defers this
// after dispatch; implementations that retain the interface clone the
// handle first.
func (b BoundInterface) Release(ctx context.Context) error {
	if b.Remote != nil {
		return b.Remote.Release(ctx)
	}
	return nil
}

// StubBindInParam resolves an interface descriptor received as an
// in-parameter during stub dispatch. A descriptor for a third zone finds or
// clones the route and add-refs the new proxy, so the reference the caller
// marshalled is anchored before the implementation runs.
func StubBindInParam(ctx context.Context, s *Service, version uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	descr InterfaceDescriptor, binding InterfaceBinding) (BoundInterface, error) {

	if !descr.IsSet() {
		return BoundInterface{}, nil
	}

	if descr.DestinationZoneID == s.zoneID.AsDestination() {
		c := s.getCastableInterface(descr.ObjectID, binding.ID(version))
		if c == nil {
			return BoundInterface{}, errors.Wrapf(ErrObjectNotFound,
				"in-parameter names missing local object %d", descr.ObjectID)
		}
		return BoundInterface{Local: c}, nil
	}

	sp, _ := s.GetZoneProxy(ctx, callerChannelZoneID, callerZoneID,
		descr.DestinationZoneID, s.zoneID.AsCaller())
	if sp == nil {
		return BoundInterface{}, errors.Wrapf(ErrObjectNotFound,
			"no route to zone %d for in-parameter", descr.DestinationZoneID)
	}

	op, isNew, err := sp.GetOrCreateObjectProxy(ctx, descr.ObjectID, AddRefIfNew,
		callerZoneID.AsKnownDirection(), AddRefNormal)
	if err != nil {
		return BoundInterface{}, err
	}
	var ref *Ref
	if isNew {
		ref = op.adoptHandle()
	} else {
		ref, err = NewRef(ctx, op)
		if err != nil {
			return BoundInterface{}, err
		}
	}
	return BoundInterface{Remote: ref}, nil
}

// PrepareOutParam converts a return-value interface into the descriptor to
// send back to the caller, counting the reference the caller's side will
// inherit.
func (s *Service) PrepareOutParam(ctx context.Context, version uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	iface Castable, factory StubFactory) (InterfaceDescriptor, error) {

	return s.PrepareForTransmit(ctx, callerChannelZoneID, callerZoneID, iface, factory, true)
}

// ProxyBindOutParam resolves an interface descriptor received as an
// out-parameter. The remote already counted a reference on the caller's
// behalf: a fresh proxy inherits it, an existing one releases the surplus.
// A descriptor pointing back at the operating zone resolves to the local
// implementation and returns home the reference counted for us.
func ProxyBindOutParam(ctx context.Context, sp *ServiceProxy,
	descr InterfaceDescriptor, callerZoneID CallerZone) (BoundInterface, error) {

	if !descr.IsSet() {
		return BoundInterface{}, nil
	}
	serv := sp.OperatingZoneService()

	if descr.DestinationZoneID == serv.ZoneID().AsDestination() {
		st := serv.GetObjectStub(descr.ObjectID)
		if st == nil {
			return BoundInterface{}, errors.Wrapf(ErrObjectNotFound,
				"returned descriptor names missing local object %d", descr.ObjectID)
		}
		target := st.Target()
		if _, _, err := st.Release(callerZoneID, false); err != nil {
			return BoundInterface{}, err
		}
		return BoundInterface{Local: target}, nil
	}

	routeSP := sp
	if sp.DestinationZoneID() != descr.DestinationZoneID {
		// the object came from a third zone; the proxy it arrived through is
		// the channel the new route rides
		routeSP, _ = serv.GetZoneProxy(ctx, sp.DestinationZoneID().AsCallerChannel(),
			callerZoneID, descr.DestinationZoneID, sp.ZoneID().AsCaller())
		if routeSP == nil {
			return BoundInterface{}, errors.Wrapf(ErrObjectNotFound,
				"no route to zone %d for out-parameter", descr.DestinationZoneID)
		}
	}

	op, isNew, err := routeSP.GetOrCreateObjectProxy(ctx, descr.ObjectID, ReleaseIfNotNew, 0, AddRefNormal)
	if err != nil {
		return BoundInterface{}, err
	}
	var ref *Ref
	if isNew {
		ref = op.adoptHandle()
	} else {
		ref, err = NewRef(ctx, op)
		if err != nil {
			return BoundInterface{}, err
		}
	}
	return BoundInterface{Remote: ref}, nil
}

// DemarshalInterfaceRef resolves a descriptor received through the connect
// or attach handshake into a strong handle. The zone-mismatch paths that
// cannot occur by contract surface invalid_data rather than asserting.
func DemarshalInterfaceRef(ctx context.Context, version uint64, sp *ServiceProxy,
	descr InterfaceDescriptor, callerZoneID CallerZone) (*Ref, error) {

	if version > HighestSupportedVersion {
		return nil, errors.Wrapf(ErrIncompatibleService, "descriptor at version %d", version)
	}
	if !descr.IsSet() {
		return nil, nil
	}

	if descr.DestinationZoneID != sp.DestinationZoneID() {
		bound, err := ProxyBindOutParam(ctx, sp, descr, callerZoneID)
		if err != nil {
			return nil, err
		}
		if bound.Remote == nil {
			return nil, errors.Wrap(ErrInvalidData, "descriptor resolved to a local object during demarshal")
		}
		return bound.Remote, nil
	}

	serv := sp.OperatingZoneService()
	if serv.ZoneID().AsDestination() == descr.DestinationZoneID {
		return nil, errors.Wrap(ErrInvalidData, "descriptor targets the operating zone")
	}

	op, isNew, err := sp.GetOrCreateObjectProxy(ctx, descr.ObjectID, DoNothing, 0, AddRefNormal)
	if err != nil {
		return nil, err
	}
	if isNew {
		return op.adoptHandle(), nil
	}
	return NewRef(ctx, op)
}
