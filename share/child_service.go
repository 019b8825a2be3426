package zrshare

import (
	"context"

	"github.com/pkg/errors"
)

// ChildService is a Service with a designated parent channel, used by zones
// that live inside another zone (an enclave inside a host, a child runtime
// inside an embedder). The parent proxy is pinned so the channel to the
// parent survives even with no outstanding references; teardown flows
// parent-first — the parent's release of the child's root object unpins the
// parent channel and lets the whole subgraph drain.
type ChildService struct {
	*Service
}

// NewChildService creates a child service whose parent lives in
// parentZoneID. The parent proxy is attached separately via SetParentProxy.
func NewChildService(logger Logger, name string, zoneID Zone, parentZoneID DestinationZone) *ChildService {
	cs := &ChildService{Service: NewService(logger, name, zoneID)}
	cs.parentZoneID = parentZoneID
	cs.telemetry.OnServiceCreation(name, zoneID, parentZoneID)
	return cs
}

// SetParentProxy pins the proxy to the parent zone. It may be set exactly
// once.
func (cs *ChildService) SetParentProxy(sp *ServiceProxy) error {
	if cs.parentProxy != nil {
		return errors.Wrap(ErrUnableToCreateServiceProxy, "parent proxy already set")
	}
	cs.parentProxy = sp
	sp.SetParentChannel(true)
	return nil
}

// DetachParent unpins and drops the parent channel; called when the parent's
// hold on the child's root object has been released and the subgraph has
// drained.
func (cs *ChildService) DetachParent() {
	sp := cs.parentProxy
	if sp == nil {
		return
	}
	cs.parentProxy = nil
	cs.RemoveZoneProxy(sp.DestinationZoneID(), sp.CallerZoneID())
	sp.SetParentChannel(false)
}

// CreateChildZoneFunc builds the root object of a new child zone. parent is
// the parent zone's exported interface (nil if it exported none); the
// returned implementation becomes the child's root object.
type CreateChildZoneFunc func(ctx context.Context, parent *Ref, childSvc *ChildService) (impl Castable, factory StubFactory, err error)

// CreateChildZone brings up a complete child zone: create its service, link
// it to the parent over the proxy the factory builds, demarshal the
// parent's in-parameter interface, run the user function to create the root
// object, and bind that object as the returned descriptor. It is the
// accepting side of a parent's ConnectToZone when the new zone is
// subordinate.
func CreateChildZone(ctx context.Context, logger Logger, name string, zoneID Zone,
	parentZoneID DestinationZone, factory ServiceProxyFactory,
	inputDescr InterfaceDescriptor, fn CreateChildZoneFunc) (*ChildService, InterfaceDescriptor, error) {

	childSvc := NewChildService(logger, name, zoneID, parentZoneID)

	parentProxy, err := factory(name, parentZoneID, childSvc.Service)
	if err != nil || parentProxy == nil {
		return nil, InterfaceDescriptor{}, errors.Wrapf(ErrUnableToCreateServiceProxy,
			"child zone %d cannot reach parent zone %d: %v", zoneID, parentZoneID, err)
	}
	if err := childSvc.AddZoneProxy(parentProxy); err != nil {
		return nil, InterfaceDescriptor{}, err
	}
	if err := childSvc.SetParentProxy(parentProxy); err != nil {
		return nil, InterfaceDescriptor{}, err
	}

	var parent *Ref
	if inputDescr.IsSet() {
		parent, err = DemarshalInterfaceRef(ctx, parentProxy.Version(), parentProxy, inputDescr, zoneID.AsCaller())
		if err != nil {
			return nil, InterfaceDescriptor{}, err
		}
	}

	impl, implFactory, err := fn(ctx, parent, childSvc)
	if err != nil {
		return nil, InterfaceDescriptor{}, err
	}

	var outputDescr InterfaceDescriptor
	if impl != nil {
		if !impl.IsLocal() {
			return nil, InterfaceDescriptor{}, errors.Wrap(ErrInvalidData,
				"child root object must be local: remote pointers to subordinate zones are not registered yet")
		}
		outputDescr, _, err = childSvc.EncapsulateLocal(ctx, 0, parentZoneID.AsCaller(), impl, implFactory, true)
		if err != nil {
			return nil, InterfaceDescriptor{}, err
		}
	}
	return childSvc, outputDescr, nil
}
