package zrshare

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ObjectProxyCreationRule tells GetOrCreateObjectProxy what reference
// side-effect the caller's marshalling context requires.
type ObjectProxyCreationRule int

const (
	// AddRefIfNew is used when marshalling an in-parameter: if a new proxy
	// is constructed, a remote add-ref establishes its wire reference.
	AddRefIfNew ObjectProxyCreationRule = iota

	// ReleaseIfNotNew is used when receiving an out-parameter the remote
	// already add-ref'd on our behalf: a new proxy inherits that reference;
	// an existing proxy releases one to rebalance.
	ReleaseIfNotNew

	// DoNothing is plain demarshalling with no side-effect on remote state;
	// a new proxy inherits the reference established by the connect or
	// bind-out path.
	DoNothing
)

// ServiceProxy is the per-peer outbound channel: the client-side state for
// one (destination zone, caller zone) peering. It caches object proxies,
// negotiates the protocol version downward, and gates its own lifetime on
// the external-ref count — while any object proxy created through it holds a
// wire reference, the proxy stays registered; when the count reaches zero
// (and it is not a pinned parent channel) it removes itself from the route
// table and shuts down.
type ServiceProxy struct {
	ShutdownHelper

	name    string
	service *Service

	zoneID                 Zone
	destinationZoneID      DestinationZone
	destinationChannelZone DestinationChannelZone
	callerZoneID           CallerZone

	version atomic.Uint64
	enc     Encoding

	insertControl    sync.Mutex
	proxies          map[ObjectID]*ObjectProxy
	externalRefCount int64
	reaped           bool

	isParentChannel                   bool
	isResponsibleForCleaningUpService bool
	ownsChannel                       bool
	lost                              atomic.Bool

	channel       Transport
	replyCapacity uint64
	telemetry     TelemetrySink
}

// NewServiceProxy creates a service proxy for a destination zone over the
// given transport, operating on behalf of svc's zone.
func NewServiceProxy(name string, destinationZoneID DestinationZone, svc *Service, channel Transport) *ServiceProxy {
	sp := &ServiceProxy{
		name:              name,
		service:           svc,
		zoneID:            svc.zoneID,
		destinationZoneID: destinationZoneID,
		callerZoneID:      svc.zoneID.AsCaller(),
		enc:               EncodingDefault,
		proxies:           make(map[ObjectID]*ObjectProxy),
		ownsChannel:       true,
		channel:           channel,
		telemetry:         svc.telemetry,
	}
	sp.version.Store(HighestSupportedVersion)
	sp.InitShutdownHelper(svc.Logger.Fork("sp:%s(%d->%d)", name, svc.zoneID, destinationZoneID), sp)
	sp.PanicOnError(sp.Activate())
	sp.telemetry.OnServiceProxyCreation(svc.name, name, sp.zoneID, destinationZoneID, sp.callerZoneID)
	return sp
}

// HandleOnceShutdown closes the underlying channel if this proxy owns it.
func (sp *ServiceProxy) HandleOnceShutdown(completionErr error) error {
	if sp.ownsChannel && sp.channel != nil {
		if err := sp.channel.Close(completionErr); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

func (sp *ServiceProxy) String() string { return sp.name }

// Name returns the proxy's diagnostic name
func (sp *ServiceProxy) Name() string { return sp.name }

// OperatingZoneService returns the service this proxy operates on behalf of
func (sp *ServiceProxy) OperatingZoneService() *Service { return sp.service }

// ZoneID returns the operating zone
func (sp *ServiceProxy) ZoneID() Zone { return sp.zoneID }

// DestinationZoneID returns the zone this proxy targets
func (sp *ServiceProxy) DestinationZoneID() DestinationZone { return sp.destinationZoneID }

// DestinationChannelZoneID returns the next hop when the route is
// multi-hop, or 0 for a direct channel
func (sp *ServiceProxy) DestinationChannelZoneID() DestinationChannelZone {
	return sp.destinationChannelZone
}

// CallerZoneID returns the zone on whose behalf this proxy counts references
func (sp *ServiceProxy) CallerZoneID() CallerZone { return sp.callerZoneID }

// Version returns the channel's currently negotiated protocol version
func (sp *ServiceProxy) Version() uint64 { return sp.version.Load() }

// Channel returns the underlying transport
func (sp *ServiceProxy) Channel() Transport { return sp.channel }

// IsParentChannel reports whether this proxy is pinned as a child service's
// parent channel
func (sp *ServiceProxy) IsParentChannel() bool { return sp.isParentChannel }

// SetParentChannel pins or unpins the proxy as a parent channel. Unpinning a
// proxy with no external refs lets it be reaped.
func (sp *ServiceProxy) SetParentChannel(val bool) {
	sp.insertControl.Lock()
	sp.isParentChannel = val
	reap := sp.maybeReapLocked()
	sp.insertControl.Unlock()
	if reap {
		sp.reap()
	}
}

// SetReplyCapacity sets the initial reply buffer capacity used with
// fixed-buffer transports; 0 means unlimited.
func (sp *ServiceProxy) SetReplyCapacity(n uint64) { sp.replyCapacity = n }

// UpdateRemoteVersion records the peer's protocol version, clamped to the
// supported range.
func (sp *ServiceProxy) UpdateRemoteVersion(version uint64) {
	if version < LowestSupportedVersion {
		version = LowestSupportedVersion
	}
	if version > HighestSupportedVersion {
		version = HighestSupportedVersion
	}
	sp.version.Store(version)
}

// Connect performs the connect handshake if the transport supports it.
func (sp *ServiceProxy) Connect(ctx context.Context, input InterfaceDescriptor) (InterfaceDescriptor, error) {
	if c, ok := sp.channel.(Connector); ok {
		return c.Connect(ctx, input)
	}
	return InterfaceDescriptor{}, errors.Wrapf(ErrZoneNotSupported, "channel to zone %d has no connect handshake", sp.destinationZoneID)
}

// failFastErr returns the error that short-circuits operations on a dead
// channel, or nil.
func (sp *ServiceProxy) failFastErr() error {
	if sp.lost.Load() {
		return errors.Wrapf(ErrServiceProxyLostConnection, "channel to zone %d is down", sp.destinationZoneID)
	}
	return nil
}

// noteChannelErr tears the proxy down on a transport failure so subsequent
// calls fail fast.
func (sp *ServiceProxy) noteChannelErr(err error) {
	if err == nil {
		return
	}
	if code := CodeOf(err); code == CodeTransportError || code == CodeServiceProxyLostConnection {
		if !sp.lost.Swap(true) {
			sp.WLogf("channel to zone %d lost: %s", sp.destinationZoneID, err)
			sp.StartShutdown(err)
		}
	}
}

// clone returns a structural copy sharing the transport but owning none of
// it, with an empty object-proxy cache.
func (sp *ServiceProxy) clone() *ServiceProxy {
	cl := &ServiceProxy{
		name:                   sp.name,
		service:                sp.service,
		zoneID:                 sp.zoneID,
		destinationZoneID:      sp.destinationZoneID,
		destinationChannelZone: sp.destinationChannelZone,
		callerZoneID:           sp.callerZoneID,
		enc:                    sp.enc,
		proxies:                make(map[ObjectID]*ObjectProxy),
		ownsChannel:            false,
		channel:                sp.channel,
		replyCapacity:          sp.replyCapacity,
		telemetry:              sp.telemetry,
	}
	cl.version.Store(sp.version.Load())
	return cl
}

// CloneForZone re-targets a copy of this proxy at a different (destination,
// caller) pair riding the same transport. When the destination changes, the
// original destination becomes the clone's channel zone: the next hop
// releases must traverse.
func (sp *ServiceProxy) CloneForZone(destinationZoneID DestinationZone, callerZoneID CallerZone) *ServiceProxy {
	cl := sp.clone()
	cl.isParentChannel = false
	cl.callerZoneID = callerZoneID
	if sp.destinationZoneID != destinationZoneID {
		cl.destinationZoneID = destinationZoneID
		if !cl.destinationChannelZone.IsSet() {
			cl.destinationChannelZone = sp.destinationZoneID.AsDestinationChannel()
		}
	}
	cl.InitShutdownHelper(sp.service.Logger.Fork("sp:%s(%d->%d as %d)", cl.name, cl.zoneID, destinationZoneID, callerZoneID), cl)
	cl.PanicOnError(cl.Activate())
	cl.telemetry.OnClonedServiceProxyCreation(sp.service.name, cl.name, cl.zoneID, cl.destinationZoneID, cl.callerZoneID)
	return cl
}

// AddExternalRef increments the count of wire references outstanding
// through this proxy; while it is positive the proxy pins itself in the
// route table.
func (sp *ServiceProxy) AddExternalRef() int64 {
	sp.insertControl.Lock()
	sp.externalRefCount++
	count := sp.externalRefCount
	sp.insertControl.Unlock()
	sp.telemetry.OnServiceProxyAddExternalRef(sp.zoneID, sp.destinationChannelZone, sp.destinationZoneID, sp.callerZoneID, count)
	return count
}

// ReleaseExternalRef decrements the external-ref count; at zero on a
// non-parent channel the proxy unregisters and shuts down.
func (sp *ServiceProxy) ReleaseExternalRef() int64 {
	sp.insertControl.Lock()
	sp.externalRefCount--
	count := sp.externalRefCount
	if count < 0 {
		sp.insertControl.Unlock()
		sp.Panicf("external ref count underflow on proxy to zone %d", sp.destinationZoneID)
		return count
	}
	reap := sp.maybeReapLocked()
	sp.insertControl.Unlock()
	sp.telemetry.OnServiceProxyReleaseExternalRef(sp.zoneID, sp.destinationChannelZone, sp.destinationZoneID, sp.callerZoneID, count)
	if reap {
		sp.reap()
	}
	return count
}

// ExternalRefCount returns the current external-ref count
func (sp *ServiceProxy) ExternalRefCount() int64 {
	sp.insertControl.Lock()
	defer sp.insertControl.Unlock()
	return sp.externalRefCount
}

func (sp *ServiceProxy) maybeReapLocked() bool {
	if sp.reaped || sp.isParentChannel {
		return false
	}
	if sp.externalRefCount == 0 && len(sp.proxies) == 0 {
		sp.reaped = true
		return true
	}
	return false
}

func (sp *ServiceProxy) reap() {
	sp.service.removeZoneProxyIfSelf(sp)
	sp.telemetry.OnServiceProxyDeletion(sp.zoneID, sp.destinationZoneID, sp.callerZoneID)
	sp.StartShutdown(nil)
}

// SendFromThisZone is the version-clamped outbound call path used by object
// proxies of this zone. A requested protocol above the negotiated version
// fails with invalid_version; a lower one ratchets the channel down.
func (sp *ServiceProxy) SendFromThisZone(ctx context.Context, protocolVersion uint64, enc Encoding, tag uint64,
	objectID ObjectID, interfaceID InterfaceOrdinal, methodID MethodID, inBuf []byte) ([]byte, error) {

	if err := sp.failFastErr(); err != nil {
		return nil, err
	}
	if protocolVersion < LowestSupportedVersion || protocolVersion > HighestSupportedVersion {
		return nil, errors.Wrapf(ErrInvalidVersion, "version %d outside supported range", protocolVersion)
	}
	current := sp.version.Load()
	if protocolVersion > current {
		return nil, errors.Wrapf(ErrInvalidVersion, "version %d above negotiated %d", protocolVersion, current)
	}
	if protocolVersion < current {
		sp.version.Store(protocolVersion)
	}

	outBuf, _, err := sp.channelSend(ctx, protocolVersion, enc, tag,
		sp.zoneID.AsCallerChannel(), sp.callerZoneID, sp.destinationZoneID,
		objectID, interfaceID, methodID, inBuf, nil)
	return outBuf, err
}

// channelSend routes through the fixed-buffer path when the transport has
// one, honoring the regrow-and-retry-once contract on need_more_memory.
func (sp *ServiceProxy) channelSend(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone, destinationZoneID DestinationZone,
	objectID ObjectID, interfaceID InterfaceOrdinal, methodID MethodID,
	inBuf []byte, inBackChannel []BackChannelEntry) ([]byte, []BackChannelEntry, error) {

	fixed, isFixed := sp.channel.(FixedBufferTransport)
	if !isFixed || sp.replyCapacity == 0 {
		outBuf, outBC, err := sp.channel.Send(ctx, version, enc, tag, callerChannelZoneID, callerZoneID,
			destinationZoneID, objectID, interfaceID, methodID, inBuf, inBackChannel)
		sp.noteChannelErr(err)
		return outBuf, outBC, err
	}

	outBuf, outBC, err := fixed.SendBuffered(ctx, version, enc, tag, callerChannelZoneID, callerZoneID,
		destinationZoneID, objectID, interfaceID, methodID, inBuf, inBackChannel, sp.replyCapacity)
	if nm, ok := errors.Cause(err).(*NeedMoreMemoryError); ok {
		sp.DLogf("reply exceeded %d bytes, regrowing to %d and retrying", sp.replyCapacity, nm.RequiredSize)
		outBuf, outBC, err = fixed.SendBuffered(ctx, version, enc, tag, callerChannelZoneID, callerZoneID,
			destinationZoneID, objectID, interfaceID, methodID, inBuf, inBackChannel, nm.RequiredSize)
	}
	sp.noteChannelErr(err)
	return outBuf, outBC, err
}

// Send forwards a call through the channel preserving the original caller
// fields; the routing paths in Service use it.
func (sp *ServiceProxy) Send(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone, destinationZoneID DestinationZone,
	objectID ObjectID, interfaceID InterfaceOrdinal, methodID MethodID,
	inBuf []byte, inBackChannel []BackChannelEntry) ([]byte, []BackChannelEntry, error) {

	if err := sp.failFastErr(); err != nil {
		return nil, nil, err
	}
	return sp.channelSend(ctx, version, enc, tag, callerChannelZoneID, callerZoneID,
		destinationZoneID, objectID, interfaceID, methodID, inBuf, inBackChannel)
}

// Post forwards a one-way message through the channel.
func (sp *ServiceProxy) Post(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone, destinationZoneID DestinationZone,
	objectID ObjectID, interfaceID InterfaceOrdinal, methodID MethodID,
	options PostOptions, inBuf []byte, inBackChannel []BackChannelEntry) error {

	if err := sp.failFastErr(); err != nil {
		return err
	}
	err := sp.channel.Post(ctx, version, enc, tag, callerChannelZoneID, callerZoneID,
		destinationZoneID, objectID, interfaceID, methodID, options, inBuf, inBackChannel)
	sp.noteChannelErr(err)
	return err
}

// TryCast forwards a cast probe through the channel.
func (sp *ServiceProxy) TryCast(ctx context.Context, version uint64, destinationZoneID DestinationZone,
	objectID ObjectID, interfaceID InterfaceOrdinal, inBackChannel []BackChannelEntry) ([]BackChannelEntry, error) {

	if err := sp.failFastErr(); err != nil {
		return nil, err
	}
	outBC, err := sp.channel.TryCast(ctx, version, destinationZoneID, objectID, interfaceID, inBackChannel)
	sp.noteChannelErr(err)
	return outBC, err
}

// AddRef forwards a reference increment through the channel.
func (sp *ServiceProxy) AddRef(ctx context.Context, version uint64,
	destinationChannelZoneID DestinationChannelZone, destinationZoneID DestinationZone, objectID ObjectID,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone, knownDirectionZoneID KnownDirectionZone,
	options AddRefOptions, inBackChannel []BackChannelEntry) (uint64, []BackChannelEntry, error) {

	if err := sp.failFastErr(); err != nil {
		return 0, nil, err
	}
	count, outBC, err := sp.channel.AddRef(ctx, version, destinationChannelZoneID, destinationZoneID,
		objectID, callerChannelZoneID, callerZoneID, knownDirectionZoneID, options, inBackChannel)
	sp.noteChannelErr(err)
	return count, outBC, err
}

// Release forwards a reference decrement through the channel.
func (sp *ServiceProxy) Release(ctx context.Context, version uint64, destinationZoneID DestinationZone,
	objectID ObjectID, callerZoneID CallerZone, options ReleaseOptions,
	inBackChannel []BackChannelEntry) (uint64, []BackChannelEntry, error) {

	if err := sp.failFastErr(); err != nil {
		return 0, nil, err
	}
	count, outBC, err := sp.channel.Release(ctx, version, destinationZoneID, objectID, callerZoneID, options, inBackChannel)
	sp.noteChannelErr(err)
	return count, outBC, err
}

// probeVersions runs fn starting at the negotiated version, walking down on
// invalid_version/incompatible_service until the minimum supported version,
// then commits any downgrade via compare-and-swap so concurrent probes
// merge.
func (sp *ServiceProxy) probeVersions(fn func(version uint64) error) error {
	original := sp.version.Load()
	version := original
	for {
		err := fn(version)
		code := CodeOf(err)
		if code != CodeInvalidVersion && code != CodeIncompatibleService {
			if version != original {
				sp.version.CompareAndSwap(original, version)
			}
			return err
		}
		if version <= LowestSupportedVersion {
			sp.ELogf("no protocol version shared with zone %d", sp.destinationZoneID)
			return err
		}
		version--
	}
}

// SpTryCast probes whether the remote object supports the interface,
// retrying across protocol versions.
func (sp *ServiceProxy) SpTryCast(ctx context.Context, destinationZoneID DestinationZone,
	objectID ObjectID, id InterfaceIDGetter) error {

	return sp.probeVersions(func(version uint64) error {
		interfaceID := id(version)
		sp.telemetry.OnServiceProxyTryCast(sp.zoneID, destinationZoneID, sp.callerZoneID, objectID, interfaceID)
		_, err := sp.TryCast(ctx, version, destinationZoneID, objectID, interfaceID, nil)
		return err
	})
}

// SpAddRef increments the remote stub through this channel, retrying across
// protocol versions, and returns the post-increment count.
func (sp *ServiceProxy) SpAddRef(ctx context.Context, objectID ObjectID,
	callerChannelZoneID CallerChannelZone, options AddRefOptions,
	knownDirectionZoneID KnownDirectionZone) (uint64, error) {

	sp.telemetry.OnServiceProxyAddRef(sp.zoneID, sp.destinationZoneID, sp.destinationChannelZone,
		sp.callerZoneID, objectID, options)

	var refCount uint64
	err := sp.probeVersions(func(version uint64) error {
		var err error
		refCount, _, err = sp.AddRef(ctx, version, sp.destinationChannelZone, sp.destinationZoneID,
			objectID, callerChannelZoneID, sp.callerZoneID, knownDirectionZoneID, options, nil)
		return err
	})
	return refCount, err
}

// SpRelease decrements the remote stub's shared count through this channel.
func (sp *ServiceProxy) SpRelease(ctx context.Context, objectID ObjectID) (uint64, error) {
	return sp.spReleaseOpts(ctx, objectID, ReleaseNormal)
}

func (sp *ServiceProxy) spReleaseOpts(ctx context.Context, objectID ObjectID, options ReleaseOptions) (uint64, error) {
	sp.telemetry.OnServiceProxyRelease(sp.zoneID, sp.destinationZoneID, sp.destinationChannelZone,
		sp.callerZoneID, objectID)

	var refCount uint64
	err := sp.probeVersions(func(version uint64) error {
		var err error
		refCount, _, err = sp.Release(ctx, version, sp.destinationZoneID, objectID, sp.callerZoneID, options, nil)
		return err
	})
	return refCount, err
}

// GetOrCreateObjectProxy is the critical section of the client state: it
// looks up or constructs the unique object proxy for an object id, applying
// the rule's reference side-effect. The map mutex is held only across map
// manipulation; remote calls happen outside it.
func (sp *ServiceProxy) GetOrCreateObjectProxy(ctx context.Context, objectID ObjectID,
	rule ObjectProxyCreationRule, knownDirectionZoneID KnownDirectionZone,
	options AddRefOptions) (op *ObjectProxy, isNew bool, err error) {

	sp.insertControl.Lock()
	op = sp.proxies[objectID]
	if op != nil {
		op.lock.Lock()
		if op.defunct {
			op = nil
		}
		if op != nil {
			op.lock.Unlock()
		}
	}
	if op == nil {
		op = newObjectProxy(objectID, sp)
		sp.proxies[objectID] = op
		isNew = true
	}
	sp.insertControl.Unlock()

	if isNew {
		sp.telemetry.OnObjectProxyCreation(sp.zoneID, sp.destinationZoneID, objectID, rule == AddRefIfNew)
	}

	switch rule {
	case AddRefIfNew:
		if isNew {
			if _, err := sp.SpAddRef(ctx, objectID, 0, options, knownDirectionZoneID); err != nil {
				sp.insertControl.Lock()
				if sp.proxies[objectID] == op {
					delete(sp.proxies, objectID)
				}
				sp.insertControl.Unlock()
				return nil, false, errors.Wrapf(err, "add_ref of new object proxy %d failed", objectID)
			}
			op.initRemoteRef(options.IsOptimistic())
			sp.AddExternalRef()
		}
	case ReleaseIfNotNew:
		if isNew {
			// inherit the reference the remote established on our behalf
			op.initRemoteRef(options.IsOptimistic())
			sp.AddExternalRef()
		} else {
			// the remote add-ref'd for an out-parameter we already track;
			// release one to rebalance
			if _, err := sp.SpRelease(ctx, objectID); err != nil {
				sp.ELogf("rebalancing release for object %d failed: %s", objectID, err)
			}
		}
	case DoNothing:
		if isNew {
			op.initRemoteRef(options.IsOptimistic())
			sp.AddExternalRef()
		}
	}
	return op, isNew, nil
}

// onObjectProxyReleased settles an object proxy's wire references when one
// of its handle counts reaches zero, and once more when both are zero and
// the proxy dies. If the map already holds a live replacement proxy for the
// same object id (recreated after this one collapsed), the references are
// transferred to it instead of being released remotely. Releases are issued
// in order: one shared-normal, then optimistic, then remaining inherited
// shared; each is awaited before the next, and the final release reaches
// the peer before the dying proxy leaves the map.
func (sp *ServiceProxy) onObjectProxyReleased(ctx context.Context, op *ObjectProxy,
	sharedRefs int, optimisticRefs int, dying bool) error {

	sp.DLogf("object proxy %d released: shared=%d optimistic=%d dying=%v",
		op.objectID, sharedRefs, optimisticRefs, dying)

	sp.insertControl.Lock()
	if twin := sp.proxies[op.objectID]; twin != nil && twin != op {
		twin.inheritRemote(sharedRefs, optimisticRefs)
		sp.insertControl.Unlock()
		sp.DLogf("transferred %d+%d wire refs for object %d to recreated proxy",
			sharedRefs, optimisticRefs, op.objectID)
		return nil
	}
	sp.insertControl.Unlock()

	var result *multierror.Error
	release := func(options ReleaseOptions) {
		if _, err := sp.spReleaseOpts(ctx, op.objectID, options); err != nil {
			result = multierror.Append(result, err)
		}
		sp.ReleaseExternalRef()
	}

	remainingShared := sharedRefs
	if remainingShared > 0 {
		release(ReleaseNormal)
		remainingShared--
	}
	for i := 0; i < optimisticRefs; i++ {
		release(ReleaseOptimistic)
	}
	for i := 0; i < remainingShared; i++ {
		release(ReleaseNormal)
	}

	if dying {
		sp.insertControl.Lock()
		if sp.proxies[op.objectID] == op {
			delete(sp.proxies, op.objectID)
		}
		reap := sp.maybeReapLocked()
		sp.insertControl.Unlock()
		sp.telemetry.OnObjectProxyDeletion(sp.zoneID, sp.destinationZoneID, op.objectID)
		if reap {
			sp.reap()
		}
	}
	return result.ErrorOrNil()
}

// ObjectProxyCount returns the number of live cached object proxies
func (sp *ServiceProxy) ObjectProxyCount() int {
	sp.insertControl.Lock()
	defer sp.insertControl.Unlock()
	return len(sp.proxies)
}
