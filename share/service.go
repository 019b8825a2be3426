package zrshare

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ServiceLogger observes stub dispatch on one service, seeing each inbound
// call's raw payloads before and after the implementation runs. Register
// loggers during setup; the list is not guarded after that.
type ServiceLogger interface {
	BeforeSend(callerZoneID CallerZone, objectID ObjectID, interfaceID InterfaceOrdinal,
		methodID MethodID, inBuf []byte)
	AfterSend(callerZoneID CallerZone, objectID ObjectID, interfaceID InterfaceOrdinal,
		methodID MethodID, err error, outBuf []byte)
}

// ServiceProxyFactory constructs a service proxy of a concrete transport
// flavor for Service.ConnectToZone and AttachRemoteZone.
type ServiceProxyFactory func(name string, destinationZoneID DestinationZone, svc *Service) (*ServiceProxy, error)

// zoneRoute keys the route table: which proxy carries traffic for a
// (destination zone, caller zone) pair.
type zoneRoute struct {
	dest   DestinationZone
	caller CallerZone
}

// stubFactoryEntry is one registered interface whose stub views can be
// materialized lazily by try-cast.
type stubFactoryEntry struct {
	binding InterfaceBinding
}

// Service is the per-zone registry and inbound dispatcher: it owns every
// stub wrapping a local implementation, allocates object ids, keeps the
// route table of service proxies to other zones, and implements the
// Marshaller surface transports deliver into.
type Service struct {
	Logger

	name   string
	zoneID Zone

	objectIDGenerator atomic.Uint64

	// stubControl guards stubs, wrappedToStub, and stubFactories lookups
	stubControl   sync.Mutex
	stubs         map[ObjectID]*ObjectStub
	wrappedToStub map[Castable]ObjectID
	stubFactories map[InterfaceOrdinal]*stubFactoryEntry

	// zoneControl guards otherZones
	zoneControl sync.Mutex
	otherZones  map[zoneRoute]*ServiceProxy

	serviceLoggers []ServiceLogger
	telemetry      TelemetrySink

	// set only for child services
	parentProxy  *ServiceProxy
	parentZoneID DestinationZone
}

// NewService creates a service for a zone. The zone id must be nonzero and
// unique across the graph the zone will join.
func NewService(logger Logger, name string, zoneID Zone) *Service {
	s := &Service{
		name:          name,
		zoneID:        zoneID,
		stubs:         make(map[ObjectID]*ObjectStub),
		wrappedToStub: make(map[Castable]ObjectID),
		stubFactories: make(map[InterfaceOrdinal]*stubFactoryEntry),
		otherZones:    make(map[zoneRoute]*ServiceProxy),
		telemetry:     nopTelemetry,
	}
	s.Logger = logger.Fork("svc:%s(zone %d)", name, zoneID)
	s.telemetry.OnServiceCreation(name, zoneID, 0)
	return s
}

// Name returns the service's diagnostic name
func (s *Service) Name() string { return s.name }

// ZoneID returns the zone this service operates
func (s *Service) ZoneID() Zone { return s.zoneID }

// ParentZoneID returns the parent zone for child services, 0 otherwise
func (s *Service) ParentZoneID() DestinationZone { return s.parentZoneID }

// Parent returns the pinned parent proxy for child services, nil otherwise
func (s *Service) Parent() *ServiceProxy { return s.parentProxy }

// SetTelemetry installs a telemetry sink. Call during setup, before the
// service handles traffic.
func (s *Service) SetTelemetry(sink TelemetrySink) {
	if sink == nil {
		sink = nopTelemetry
	}
	s.telemetry = sink
}

// Telemetry returns the installed sink (never nil)
func (s *Service) Telemetry() TelemetrySink { return s.telemetry }

// AddServiceLogger registers a dispatch observer. Not thread safe; use
// during setup only.
func (s *Service) AddServiceLogger(l ServiceLogger) {
	s.serviceLoggers = append(s.serviceLoggers, l)
}

// RegisterStubFactory makes an interface binding available for lazy
// try-cast materialization, keyed by its ordinal at every supported
// version. Not thread safe; use during setup only.
func (s *Service) RegisterStubFactory(binding InterfaceBinding) {
	entry := &stubFactoryEntry{binding: binding}
	for v := LowestSupportedVersion; v <= HighestSupportedVersion; v++ {
		if id := binding.ID(v); id.IsSet() {
			s.stubFactories[id] = entry
		}
	}
}

// GenerateNewObjectID allocates the next object id for this zone. It never
// returns 0 or the dummy sentinel.
func (s *Service) GenerateNewObjectID() ObjectID {
	return ObjectID(s.objectIDGenerator.Inc())
}

// GetObjectStub returns the stub for an object id, or nil.
func (s *Service) GetObjectStub(objectID ObjectID) *ObjectStub {
	s.stubControl.Lock()
	defer s.stubControl.Unlock()
	return s.stubs[objectID]
}

// getCastableInterface returns the local implementation behind an object id
// viewed through one of its registered interfaces, or nil.
func (s *Service) getCastableInterface(objectID ObjectID, interfaceID InterfaceOrdinal) Castable {
	st := s.GetObjectStub(objectID)
	if st == nil {
		return nil
	}
	is := st.GetInterface(interfaceID)
	if is == nil {
		return nil
	}
	return is.TargetCastable()
}

// dropStub removes a dead stub from the registry.
func (s *Service) dropStub(st *ObjectStub) {
	s.stubControl.Lock()
	if s.stubs[st.objectID] == st {
		delete(s.stubs, st.objectID)
		delete(s.wrappedToStub, st.impl)
	}
	s.stubControl.Unlock()
	s.telemetry.OnStubDeletion(s.zoneID, st.objectID)
	st.DLogf("stub destroyed")
}

// EncapsulateLocal wraps a local implementation in a stub (or finds the stub
// that already wraps it) and registers the interface view the factory
// fabricates. With addRef set, one shared reference is counted for the zone
// that will hold the returned descriptor — the out-parameter contract, where
// the receiver inherits the reference. In-parameter marshalling passes
// false: the receiving side issues its own add-ref when it binds the
// descriptor.
func (s *Service) EncapsulateLocal(ctx context.Context, callerChannelZoneID CallerChannelZone,
	callerZoneID CallerZone, impl Castable, factory StubFactory, addRef bool) (InterfaceDescriptor, *ObjectStub, error) {

	if impl == nil || factory == nil {
		return InterfaceDescriptor{}, nil, errors.Wrap(ErrInvalidData, "cannot encapsulate a nil implementation")
	}

	s.stubControl.Lock()
	var st *ObjectStub
	if objectID, ok := s.wrappedToStub[impl]; ok {
		st = s.stubs[objectID]
	}
	isNew := st == nil
	if isNew {
		objectID := s.GenerateNewObjectID()
		st = newObjectStub(s.Logger, s, objectID, impl)
		is := factory(impl)
		if is == nil {
			s.stubControl.Unlock()
			return InterfaceDescriptor{}, nil, errors.Wrap(ErrInvalidInterfaceID, "stub factory rejected implementation")
		}
		if err := st.AddInterface(is); err != nil {
			s.stubControl.Unlock()
			return InterfaceDescriptor{}, nil, err
		}
		s.stubs[objectID] = st
		s.wrappedToStub[impl] = objectID
	}
	s.stubControl.Unlock()

	if isNew {
		s.telemetry.OnStubCreation(s.zoneID, st.objectID)
	}
	if addRef {
		if _, err := st.AddRef(callerZoneID, false); err != nil {
			return InterfaceDescriptor{}, nil, err
		}
	}
	return InterfaceDescriptor{ObjectID: st.objectID, DestinationZoneID: s.zoneID.AsDestination()}, st, nil
}

// PrepareForTransmit converts an interface (local implementation or proxy)
// into the descriptor to put on the wire. With outcall set (return values
// and connect descriptors) a reference for callerZoneID — the zone that
// will hold the descriptor — is counted up front and inherited by the
// receiver; without it (in-parameters) the descriptor travels bare and the
// receiving side's bind issues the add-ref. A proxy for some other zone is
// transmitted as its existing descriptor; it is never round-tripped through
// a re-wrap.
func (s *Service) PrepareForTransmit(ctx context.Context, callerChannelZoneID CallerChannelZone,
	callerZoneID CallerZone, iface Castable, factory StubFactory, outcall bool) (InterfaceDescriptor, error) {

	if iface == nil {
		return InterfaceDescriptor{}, nil
	}
	op := ObjectProxyOf(iface)
	if op == nil || op.DestinationZoneID() == s.zoneID.AsDestination() {
		descr, _, err := s.EncapsulateLocal(ctx, callerChannelZoneID, callerZoneID, iface, factory, outcall)
		return descr, err
	}

	destZone := op.DestinationZoneID()
	if !outcall {
		return InterfaceDescriptor{ObjectID: op.ObjectID(), DestinationZoneID: destZone}, nil
	}

	// the object lives in a third zone: count a reference for the receiving
	// zone along a route it can later release over
	sp, _ := s.GetZoneProxy(ctx, callerChannelZoneID, s.zoneID.AsCaller(), destZone, callerZoneID)
	if sp == nil {
		return InterfaceDescriptor{}, errors.Wrapf(ErrObjectNotFound, "no route to zone %d for transmitted interface", destZone)
	}
	if _, err := sp.SpAddRef(ctx, op.ObjectID(), callerChannelZoneID,
		AddRefBuildDestinationRoute, callerZoneID.AsKnownDirection()); err != nil {
		return InterfaceDescriptor{}, err
	}
	return InterfaceDescriptor{ObjectID: op.ObjectID(), DestinationZoneID: destZone}, nil
}

// AddZoneProxy registers a service proxy in the route table.
func (s *Service) AddZoneProxy(sp *ServiceProxy) error {
	s.zoneControl.Lock()
	defer s.zoneControl.Unlock()
	return s.innerAddZoneProxyLocked(sp)
}

func (s *Service) innerAddZoneProxyLocked(sp *ServiceProxy) error {
	route := zoneRoute{dest: sp.DestinationZoneID(), caller: sp.CallerZoneID()}
	if _, exists := s.otherZones[route]; exists {
		return errors.Wrapf(ErrUnableToCreateServiceProxy,
			"route (%d,%d) already registered", route.dest, route.caller)
	}
	sp.isResponsibleForCleaningUpService = true
	s.otherZones[route] = sp
	return nil
}

// GetZoneProxy resolves (or fabricates by cloning) the service proxy for a
// destination on behalf of a new caller. Resolution order: exact
// (destination, newCaller) match; exact (destination, caller) match cloned
// and relabeled; the parent proxy for upward zones; any proxy whose channel
// already reaches the caller channel, cloned and re-targeted. Local direct
// routes win over parent-forwarded ones. Returns nil if no route can be
// built; callers surface zone_not_found or object_not_found.
func (s *Service) GetZoneProxy(ctx context.Context, callerChannelZoneID CallerChannelZone,
	callerZoneID CallerZone, destinationZoneID DestinationZone,
	newCallerZoneID CallerZone) (*ServiceProxy, bool) {

	s.zoneControl.Lock()
	defer s.zoneControl.Unlock()

	if sp, ok := s.otherZones[zoneRoute{dest: destinationZoneID, caller: newCallerZoneID}]; ok {
		return sp, false
	}

	if sp, ok := s.otherZones[zoneRoute{dest: destinationZoneID, caller: callerZoneID}]; ok {
		cl := sp.CloneForZone(destinationZoneID, newCallerZoneID)
		if err := s.innerAddZoneProxyLocked(cl); err != nil {
			s.ELogf("failed to record cloned route: %s", err)
			return nil, false
		}
		return cl, true
	}

	if s.parentProxy != nil {
		// upward zones are reached through the parent channel
		cl := s.parentProxy.CloneForZone(destinationZoneID, newCallerZoneID)
		if err := s.innerAddZoneProxyLocked(cl); err != nil {
			s.ELogf("failed to record parent-forwarded route: %s", err)
			return nil, false
		}
		return cl, true
	}

	if callerChannelZoneID.IsSet() {
		// re-target any proxy already riding the channel the destination is
		// reachable through
		for _, sp := range s.otherZones {
			if sp.DestinationZoneID() == callerChannelZoneID.AsDestination() ||
				sp.DestinationChannelZoneID() == callerChannelZoneID.AsDestinationChannel() {
				cl := sp.CloneForZone(destinationZoneID, newCallerZoneID)
				if err := s.innerAddZoneProxyLocked(cl); err != nil {
					s.ELogf("failed to record channel-cloned route: %s", err)
					return nil, false
				}
				return cl, true
			}
		}
	}

	return nil, false
}

// lookupZoneProxy is the no-side-effect exact lookup.
func (s *Service) lookupZoneProxy(destinationZoneID DestinationZone, callerZoneID CallerZone) *ServiceProxy {
	s.zoneControl.Lock()
	defer s.zoneControl.Unlock()
	return s.otherZones[zoneRoute{dest: destinationZoneID, caller: callerZoneID}]
}

// RemoveZoneProxy drops a route from the table.
func (s *Service) RemoveZoneProxy(destinationZoneID DestinationZone, callerZoneID CallerZone) {
	s.zoneControl.Lock()
	delete(s.otherZones, zoneRoute{dest: destinationZoneID, caller: callerZoneID})
	s.zoneControl.Unlock()
}

// removeZoneProxyIfSelf drops a route only if it still maps to the given
// proxy; reaped proxies use it so they never evict a replacement.
func (s *Service) removeZoneProxyIfSelf(sp *ServiceProxy) {
	route := zoneRoute{dest: sp.DestinationZoneID(), caller: sp.CallerZoneID()}
	s.zoneControl.Lock()
	if s.otherZones[route] == sp {
		delete(s.otherZones, route)
	}
	s.zoneControl.Unlock()
}

// RemoveZoneProxyIfNotUsed drops and shuts down a route whose proxy holds
// no external refs and no object proxies.
func (s *Service) RemoveZoneProxyIfNotUsed(destinationZoneID DestinationZone, callerZoneID CallerZone) {
	sp := s.lookupZoneProxy(destinationZoneID, callerZoneID)
	if sp == nil {
		return
	}
	sp.insertControl.Lock()
	unused := sp.externalRefCount == 0 && len(sp.proxies) == 0 && !sp.isParentChannel
	if unused {
		sp.reaped = true
	}
	sp.insertControl.Unlock()
	if unused {
		sp.reap()
	}
}

// CheckIsEmpty reports whether the service has fully drained: no stubs, no
// wrapped objects, no routes. Leftovers are logged to ease leak hunts.
func (s *Service) CheckIsEmpty() bool {
	empty := true
	s.stubControl.Lock()
	for objectID := range s.stubs {
		s.WLogf("leftover stub for object %d", objectID)
		empty = false
	}
	if len(s.wrappedToStub) > 0 {
		s.WLogf("%d leftover wrapped-object entries", len(s.wrappedToStub))
		empty = false
	}
	s.stubControl.Unlock()

	s.zoneControl.Lock()
	for route := range s.otherZones {
		s.WLogf("leftover route (%d,%d)", route.dest, route.caller)
		empty = false
	}
	s.zoneControl.Unlock()
	return empty
}

// Close tears down every remaining route and announces the service's
// deletion to telemetry. The service must not handle traffic afterwards.
func (s *Service) Close() {
	s.zoneControl.Lock()
	var doomed []*ServiceProxy
	for route, sp := range s.otherZones {
		doomed = append(doomed, sp)
		delete(s.otherZones, route)
	}
	s.zoneControl.Unlock()
	for _, sp := range doomed {
		sp.StartShutdown(nil)
	}
	s.telemetry.OnServiceDeletion(s.zoneID)
}

// HasServiceProxies reports whether any routes remain registered.
func (s *Service) HasServiceProxies() bool {
	s.zoneControl.Lock()
	defer s.zoneControl.Unlock()
	return len(s.otherZones) > 0
}

// Send implements Marshaller: if the destination is this zone, dispatch to
// the stub; otherwise forward over the matching route.
func (s *Service) Send(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	destinationZoneID DestinationZone, objectID ObjectID,
	interfaceID InterfaceOrdinal, methodID MethodID,
	inBuf []byte, inBackChannel []BackChannelEntry) ([]byte, []BackChannelEntry, error) {

	if version < LowestSupportedVersion || version > HighestSupportedVersion {
		return nil, nil, errors.Wrapf(ErrInvalidVersion, "send at unsupported version %d", version)
	}

	if destinationZoneID != s.zoneID.AsDestination() {
		sp, _ := s.GetZoneProxy(ctx, callerChannelZoneID, callerZoneID, destinationZoneID, callerZoneID)
		if sp == nil {
			return nil, nil, errors.Wrapf(ErrZoneNotFound, "no route from zone %d to zone %d", s.zoneID, destinationZoneID)
		}
		return sp.Send(ctx, version, enc, tag, s.zoneID.AsCallerChannel(), callerZoneID,
			destinationZoneID, objectID, interfaceID, methodID, inBuf, inBackChannel)
	}

	st := s.GetObjectStub(objectID)
	if st == nil {
		return nil, nil, errors.Wrapf(ErrObjectNotFound, "zone %d has no object %d", s.zoneID, objectID)
	}

	ctx = WithCurrentService(ctx, s)
	for _, l := range s.serviceLoggers {
		l.BeforeSend(callerZoneID, objectID, interfaceID, methodID, inBuf)
	}
	outBuf, err := st.Call(ctx, version, enc, tag, callerChannelZoneID, callerZoneID, interfaceID, methodID, inBuf)
	for _, l := range s.serviceLoggers {
		l.AfterSend(callerZoneID, objectID, interfaceID, methodID, err, outBuf)
	}
	return outBuf, nil, err
}

// Post implements Marshaller: the fire-and-forget surface. Zone-terminating
// posts tear down routes involving the terminating zone; optimistic-release
// posts decrement without blocking the sender; posts naming a method are
// dispatched without a reply.
func (s *Service) Post(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	destinationZoneID DestinationZone, objectID ObjectID,
	interfaceID InterfaceOrdinal, methodID MethodID,
	options PostOptions, inBuf []byte, inBackChannel []BackChannelEntry) error {

	if destinationZoneID != s.zoneID.AsDestination() {
		sp, _ := s.GetZoneProxy(ctx, callerChannelZoneID, callerZoneID, destinationZoneID, callerZoneID)
		if sp == nil {
			return errors.Wrapf(ErrZoneNotFound, "no route from zone %d to zone %d", s.zoneID, destinationZoneID)
		}
		return sp.Post(ctx, version, enc, tag, s.zoneID.AsCallerChannel(), callerZoneID,
			destinationZoneID, objectID, interfaceID, methodID, options, inBuf, inBackChannel)
	}

	if options.IsReleaseOptimistic() && objectID.IsSet() {
		if _, _, err := s.Release(ctx, version, destinationZoneID, objectID, callerZoneID, ReleaseOptimistic, nil); err != nil {
			s.WLogf("posted optimistic release for object %d failed: %s", objectID, err)
		}
	}
	if options.IsZoneTerminating() {
		s.handleZoneTerminating(callerZoneID)
	}
	if methodID.IsSet() {
		st := s.GetObjectStub(objectID)
		if st == nil {
			return errors.Wrapf(ErrObjectNotFound, "posted call to missing object %d", objectID)
		}
		go func() {
			dispatchCtx := WithCurrentService(context.Background(), s)
			if _, err := st.Call(dispatchCtx, version, enc, tag, callerChannelZoneID, callerZoneID, interfaceID, methodID, inBuf); err != nil {
				s.WLogf("posted call to object %d failed: %s", objectID, err)
			}
		}()
	}
	return nil
}

// handleZoneTerminating drops every route that leads to the terminating
// zone; pending work on those channels fails fast.
func (s *Service) handleZoneTerminating(terminating CallerZone) {
	dest := terminating.AsDestination()
	var doomed []*ServiceProxy
	s.zoneControl.Lock()
	for route, sp := range s.otherZones {
		if route.dest == dest || sp.DestinationChannelZoneID() == terminating.AsDestinationChannel() {
			doomed = append(doomed, sp)
			delete(s.otherZones, route)
		}
	}
	s.zoneControl.Unlock()
	for _, sp := range doomed {
		sp.lost.Store(true)
		sp.StartShutdown(errors.Wrapf(ErrServiceProxyLostConnection, "zone %d terminated", terminating))
	}
}

// TryCast implements Marshaller: check whether an object supports another
// interface, materializing the stub view from the factory registry on
// success.
func (s *Service) TryCast(ctx context.Context, version uint64, destinationZoneID DestinationZone,
	objectID ObjectID, interfaceID InterfaceOrdinal, inBackChannel []BackChannelEntry) ([]BackChannelEntry, error) {

	if destinationZoneID != s.zoneID.AsDestination() {
		sp, _ := s.GetZoneProxy(ctx, 0, s.zoneID.AsCaller(), destinationZoneID, s.zoneID.AsCaller())
		if sp == nil {
			return nil, errors.Wrapf(ErrZoneNotFound, "no route from zone %d to zone %d", s.zoneID, destinationZoneID)
		}
		return sp.TryCast(ctx, version, destinationZoneID, objectID, interfaceID, inBackChannel)
	}

	s.telemetry.OnServiceTryCast(s.zoneID, destinationZoneID, s.zoneID.AsCaller(), objectID, interfaceID)

	st := s.GetObjectStub(objectID)
	if st == nil {
		return nil, errors.Wrapf(ErrObjectNotFound, "try_cast on missing object %d", objectID)
	}
	if st.GetInterface(interfaceID) != nil {
		return nil, nil
	}

	s.stubControl.Lock()
	entry := s.stubFactories[interfaceID]
	s.stubControl.Unlock()
	if entry == nil {
		return nil, errors.Wrapf(ErrInvalidInterfaceID, "no stub factory for interface %d", interfaceID)
	}
	seed := st.anyInterface()
	if seed == nil {
		return nil, errors.Wrapf(ErrInvalidInterfaceID, "object %d has no interfaces to cast from", objectID)
	}
	is := entry.binding.NewStub(seed.TargetCastable())
	if is == nil {
		return nil, errors.Wrapf(ErrInvalidInterfaceID, "object %d does not support interface %d", objectID, interfaceID)
	}
	if err := st.AddInterface(is); err != nil {
		return nil, err
	}
	return nil, nil
}

// AddRef implements Marshaller: increment the named stub, or the channel
// itself for the dummy object, building routing state as the options
// request.
func (s *Service) AddRef(ctx context.Context, version uint64,
	destinationChannelZoneID DestinationChannelZone, destinationZoneID DestinationZone, objectID ObjectID,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone, knownDirectionZoneID KnownDirectionZone,
	options AddRefOptions, inBackChannel []BackChannelEntry) (uint64, []BackChannelEntry, error) {

	s.telemetry.OnServiceAddRef(s.zoneID, destinationChannelZoneID, destinationZoneID, objectID,
		callerChannelZoneID, callerZoneID, options)

	if destinationZoneID != s.zoneID.AsDestination() {
		sp, _ := s.GetZoneProxy(ctx, callerChannelZoneID, callerZoneID, destinationZoneID, callerZoneID)
		if sp == nil {
			return 0, nil, errors.Wrapf(ErrObjectNotFound, "no route from zone %d to zone %d for add_ref", s.zoneID, destinationZoneID)
		}
		return sp.AddRef(ctx, version, sp.DestinationChannelZoneID(), destinationZoneID, objectID,
			s.zoneID.AsCallerChannel(), callerZoneID, knownDirectionZoneID, options, inBackChannel)
	}

	if options.BuildsCallerRoute() {
		s.buildCallerRoute(ctx, callerChannelZoneID, callerZoneID)
	}

	if objectID == DummyObjectID {
		// pure channel ref-count: pin the reverse route while the peer needs it
		sp := s.lookupZoneProxy(callerZoneID.AsDestination(), s.zoneID.AsCaller())
		if sp == nil {
			sp, _ = s.GetZoneProxy(ctx, callerChannelZoneID, callerZoneID, callerZoneID.AsDestination(), s.zoneID.AsCaller())
		}
		if sp == nil {
			return 0, nil, errors.Wrapf(ErrZoneNotFound, "no reverse channel toward zone %d", callerZoneID)
		}
		return uint64(sp.AddExternalRef()), nil, nil
	}

	st := s.GetObjectStub(objectID)
	if st == nil {
		return 0, nil, errors.Wrapf(ErrObjectNotFound, "add_ref on missing object %d", objectID)
	}
	count, err := st.AddRef(callerZoneID, options.IsOptimistic())
	return count, nil, err
}

// buildCallerRoute prepares the reverse route so the caller zone can later
// be reached for releases and calls flowing backward.
func (s *Service) buildCallerRoute(ctx context.Context, callerChannelZoneID CallerChannelZone, callerZoneID CallerZone) {
	if !callerZoneID.IsSet() || callerZoneID == s.zoneID.AsCaller() {
		return
	}
	if sp, _ := s.GetZoneProxy(ctx, callerChannelZoneID, callerZoneID, callerZoneID.AsDestination(), s.zoneID.AsCaller()); sp == nil {
		s.DLogf("could not build reverse route toward zone %d", callerZoneID)
	}
}

// Release implements Marshaller: decrement the named stub, or the channel
// for the dummy object.
func (s *Service) Release(ctx context.Context, version uint64, destinationZoneID DestinationZone,
	objectID ObjectID, callerZoneID CallerZone, options ReleaseOptions,
	inBackChannel []BackChannelEntry) (uint64, []BackChannelEntry, error) {

	s.telemetry.OnServiceRelease(s.zoneID, destinationZoneID, objectID, callerZoneID, options)

	if destinationZoneID != s.zoneID.AsDestination() {
		sp, _ := s.GetZoneProxy(ctx, 0, callerZoneID, destinationZoneID, callerZoneID)
		if sp == nil {
			return 0, nil, errors.Wrapf(ErrObjectNotFound, "no route from zone %d to zone %d for release", s.zoneID, destinationZoneID)
		}
		count, outBC, err := sp.Release(ctx, version, destinationZoneID, objectID, callerZoneID, options, inBackChannel)
		// a relayed release may have been the last use of this route
		s.RemoveZoneProxyIfNotUsed(destinationZoneID, callerZoneID)
		return count, outBC, err
	}

	if objectID == DummyObjectID {
		sp := s.lookupZoneProxy(callerZoneID.AsDestination(), s.zoneID.AsCaller())
		if sp == nil {
			return 0, nil, errors.Wrapf(ErrZoneNotFound, "no reverse channel toward zone %d to release", callerZoneID)
		}
		return uint64(sp.ReleaseExternalRef()), nil, nil
	}

	st := s.GetObjectStub(objectID)
	if st == nil {
		return 0, nil, errors.Wrapf(ErrObjectNotFound, "release on missing object %d", objectID)
	}
	count, _, err := st.Release(callerZoneID, options.IsOptimistic())
	return count, nil, err
}

// ConnectToZone brings up a channel to a new zone: instantiate the proxy via
// the factory, register the route, marshal the optional in-parameter
// interface, run the connect handshake, and demarshal the peer's root
// interface into a strong handle. On failure every reference created along
// the way is wound back. A nil handle with nil error means the peer
// exported nothing.
func (s *Service) ConnectToZone(ctx context.Context, factory ServiceProxyFactory, name string,
	newZoneID DestinationZone, input Castable, inputFactory StubFactory) (*Ref, error) {

	sp, err := factory(name, newZoneID, s)
	if err != nil || sp == nil {
		return nil, errors.Wrapf(ErrUnableToCreateServiceProxy, "connect to zone %d: %v", newZoneID, err)
	}
	if err := s.AddZoneProxy(sp); err != nil {
		return nil, err
	}

	var inputDescr InterfaceDescriptor
	var inputStub *ObjectStub
	if input != nil {
		if input.IsLocal() {
			inputDescr, inputStub, err = s.EncapsulateLocal(ctx, 0, newZoneID.AsCaller(), input, inputFactory, true)
		} else {
			inputDescr, err = s.PrepareForTransmit(ctx, 0, newZoneID.AsCaller(), input, inputFactory, true)
		}
		if err != nil {
			s.RemoveZoneProxyIfNotUsed(sp.DestinationZoneID(), sp.CallerZoneID())
			return nil, err
		}
	}

	outputDescr, err := sp.Connect(ctx, inputDescr)
	if err != nil {
		s.CleanUpOnFailedConnection(ctx, sp, inputStub, newZoneID.AsCaller())
		return nil, err
	}

	if outputDescr.IsSet() {
		ref, err := DemarshalInterfaceRef(ctx, sp.Version(), sp, outputDescr, s.zoneID.AsCaller())
		if err != nil {
			s.CleanUpOnFailedConnection(ctx, sp, inputStub, newZoneID.AsCaller())
			return nil, err
		}
		return ref, nil
	}

	s.RemoveZoneProxyIfNotUsed(sp.DestinationZoneID(), sp.CallerZoneID())
	return nil, nil
}

// CleanUpOnFailedConnection winds back the partial state of a connect that
// did not complete: the stub created for the attempted in-parameter loses
// the reference counted for the peer, and the unused route is dropped.
func (s *Service) CleanUpOnFailedConnection(ctx context.Context, sp *ServiceProxy,
	inputStub *ObjectStub, peerCallerZoneID CallerZone) {

	if inputStub != nil {
		if _, _, err := inputStub.Release(peerCallerZoneID, false); err != nil {
			s.WLogf("failed-connection stub cleanup: %s", err)
		}
	}
	if sp != nil {
		s.RemoveZoneProxyIfNotUsed(sp.DestinationZoneID(), sp.CallerZoneID())
	}
}

// AttachRemoteZoneFunc produces the local object a remote zone attaches to.
// parent is the caller's exported interface (nil if it exported nothing);
// the returned implementation is bound as this zone's answer.
type AttachRemoteZoneFunc func(ctx context.Context, parent *Ref) (impl Castable, factory StubFactory, err error)

// AttachRemoteZone is the accepting-side counterpart of ConnectToZone:
// bring up a proxy back toward the connecting caller, demarshal the
// caller's interface, invoke the user factory to produce the local child
// object, and bind it as the returned descriptor.
func (s *Service) AttachRemoteZone(ctx context.Context, factory ServiceProxyFactory, name string,
	callerZoneID CallerZone, inputDescr InterfaceDescriptor, fn AttachRemoteZoneFunc) (InterfaceDescriptor, error) {

	sp, err := factory(name, callerZoneID.AsDestination(), s)
	if err != nil || sp == nil {
		return InterfaceDescriptor{}, errors.Wrapf(ErrUnableToCreateServiceProxy, "attach from zone %d: %v", callerZoneID, err)
	}
	if err := s.AddZoneProxy(sp); err != nil {
		return InterfaceDescriptor{}, err
	}

	var parent *Ref
	if inputDescr.IsSet() {
		parent, err = DemarshalInterfaceRef(ctx, sp.Version(), sp, inputDescr, s.zoneID.AsCaller())
		if err != nil {
			s.RemoveZoneProxyIfNotUsed(sp.DestinationZoneID(), sp.CallerZoneID())
			return InterfaceDescriptor{}, err
		}
	}

	impl, implFactory, err := fn(ctx, parent)
	if err != nil {
		return InterfaceDescriptor{}, err
	}
	if impl == nil {
		return InterfaceDescriptor{}, nil
	}
	descr, _, err := s.EncapsulateLocal(ctx, 0, callerZoneID, impl, implFactory, true)
	return descr, err
}
