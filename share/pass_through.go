package zrshare

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// PassThrough is the bidirectional router a middle zone installs between two
// transports when it is not an endpoint of the traffic: requests whose
// destination matches one endpoint are forwarded on the corresponding
// transport. Reference counts are mirrored onto the pass-through itself,
// split into shared and optimistic so weak-versus-strong semantics survive
// end to end: it stays alive while any object it routes remains referenced.
// A transport failure or a zone-terminating post flowing through makes it
// self-destruct.
type PassThrough struct {
	ShutdownHelper

	forwardDestination DestinationZone
	reverseDestination DestinationZone

	forwardTransport Transport
	reverseTransport Transport
	service          *Service

	sharedCount     atomic.Int64
	optimisticCount atomic.Int64
	destroyed       atomic.Bool
}

// NewPassThrough installs a relay between two transports for the two
// endpoint zones.
func NewPassThrough(logger Logger, svc *Service, forward Transport, reverse Transport,
	forwardDest DestinationZone, reverseDest DestinationZone) *PassThrough {

	pt := &PassThrough{
		forwardDestination: forwardDest,
		reverseDestination: reverseDest,
		forwardTransport:   forward,
		reverseTransport:   reverse,
		service:            svc,
	}
	pt.InitShutdownHelper(logger.Fork("passthrough(%d<->%d)", forwardDest, reverseDest), pt)
	pt.PanicOnError(pt.Activate())
	return pt
}

// HandleOnceShutdown has nothing to release; selfDestruct drops the
// transport handles before it starts shutdown.
func (pt *PassThrough) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

// Status implements Transport: the relay reads as connected until it has
// destroyed itself.
func (pt *PassThrough) Status() TransportStatus {
	if pt.destroyed.Load() {
		return TransportDisconnected
	}
	return TransportConnected
}

// Close implements Transport by destroying the relay.
func (pt *PassThrough) Close(err error) error {
	pt.selfDestruct()
	return nil
}

// directionalTransport picks the transport that reaches the destination
// zone, or nil if the destination is neither endpoint.
func (pt *PassThrough) directionalTransport(dest DestinationZone) Transport {
	switch dest {
	case pt.forwardDestination:
		return pt.forwardTransport
	case pt.reverseDestination:
		return pt.reverseTransport
	}
	return nil
}

// SharedCount returns the mirrored shared reference count
func (pt *PassThrough) SharedCount() int64 { return pt.sharedCount.Load() }

// OptimisticCount returns the mirrored optimistic reference count
func (pt *PassThrough) OptimisticCount() int64 { return pt.optimisticCount.Load() }

// selfDestruct detaches the endpoints from each other and releases the
// relay. Idempotent.
func (pt *PassThrough) selfDestruct() {
	if pt.destroyed.Swap(true) {
		return
	}
	if r, ok := pt.forwardTransport.(DestinationRemover); ok {
		r.RemoveDestination(pt.reverseDestination)
	}
	if r, ok := pt.reverseTransport.(DestinationRemover); ok {
		r.RemoveDestination(pt.forwardDestination)
	}
	pt.forwardTransport = nil
	pt.reverseTransport = nil
	pt.service = nil
	pt.StartShutdown(nil)
}

// Send implements Marshaller by relaying to the endpoint transport.
func (pt *PassThrough) Send(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	destinationZoneID DestinationZone, objectID ObjectID,
	interfaceID InterfaceOrdinal, methodID MethodID,
	inBuf []byte, inBackChannel []BackChannelEntry) ([]byte, []BackChannelEntry, error) {

	t := pt.directionalTransport(destinationZoneID)
	if t == nil {
		return nil, nil, errors.Wrapf(ErrZoneNotFound, "pass-through has no endpoint for zone %d", destinationZoneID)
	}
	if t.Status() != TransportConnected {
		pt.selfDestruct()
		return nil, nil, errors.Wrapf(ErrTransportError, "endpoint for zone %d is not connected", destinationZoneID)
	}

	outBuf, outBC, err := t.Send(ctx, version, enc, tag, callerChannelZoneID, callerZoneID,
		destinationZoneID, objectID, interfaceID, methodID, inBuf, inBackChannel)
	if IsCode(err, CodeTransportError) {
		pt.selfDestruct()
	}
	return outBuf, outBC, err
}

// Post implements Marshaller by relaying; a zone-terminating post is
// forwarded and then destroys the relay.
func (pt *PassThrough) Post(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	destinationZoneID DestinationZone, objectID ObjectID,
	interfaceID InterfaceOrdinal, methodID MethodID,
	options PostOptions, inBuf []byte, inBackChannel []BackChannelEntry) error {

	t := pt.directionalTransport(destinationZoneID)
	if t == nil {
		return errors.Wrapf(ErrZoneNotFound, "pass-through has no endpoint for zone %d", destinationZoneID)
	}
	if !options.IsZoneTerminating() && t.Status() != TransportConnected {
		pt.selfDestruct()
		return errors.Wrapf(ErrTransportError, "endpoint for zone %d is not connected", destinationZoneID)
	}

	err := t.Post(ctx, version, enc, tag, callerChannelZoneID, callerZoneID,
		destinationZoneID, objectID, interfaceID, methodID, options, inBuf, inBackChannel)

	if options.IsZoneTerminating() {
		pt.selfDestruct()
	}
	return err
}

// TryCast implements Marshaller by relaying.
func (pt *PassThrough) TryCast(ctx context.Context, version uint64, destinationZoneID DestinationZone,
	objectID ObjectID, interfaceID InterfaceOrdinal,
	inBackChannel []BackChannelEntry) ([]BackChannelEntry, error) {

	t := pt.directionalTransport(destinationZoneID)
	if t == nil {
		return nil, errors.Wrapf(ErrZoneNotFound, "pass-through has no endpoint for zone %d", destinationZoneID)
	}
	if t.Status() != TransportConnected {
		pt.selfDestruct()
		return nil, errors.Wrapf(ErrTransportError, "endpoint for zone %d is not connected", destinationZoneID)
	}

	outBC, err := t.TryCast(ctx, version, destinationZoneID, objectID, interfaceID, inBackChannel)
	if IsCode(err, CodeTransportError) {
		pt.selfDestruct()
	}
	return outBC, err
}

// AddRef implements Marshaller by relaying, mirroring the count onto the
// relay itself so it survives while routed objects remain referenced.
func (pt *PassThrough) AddRef(ctx context.Context, version uint64,
	destinationChannelZoneID DestinationChannelZone, destinationZoneID DestinationZone, objectID ObjectID,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone, knownDirectionZoneID KnownDirectionZone,
	options AddRefOptions, inBackChannel []BackChannelEntry) (uint64, []BackChannelEntry, error) {

	if options.IsOptimistic() {
		pt.optimisticCount.Inc()
	} else {
		pt.sharedCount.Inc()
	}

	t := pt.directionalTransport(destinationZoneID)
	if t == nil {
		return 0, nil, errors.Wrapf(ErrZoneNotFound, "pass-through has no endpoint for zone %d", destinationZoneID)
	}
	if t.Status() != TransportConnected {
		pt.selfDestruct()
		return 0, nil, errors.Wrapf(ErrTransportError, "endpoint for zone %d is not connected", destinationZoneID)
	}

	count, outBC, err := t.AddRef(ctx, version, destinationChannelZoneID, destinationZoneID, objectID,
		callerChannelZoneID, callerZoneID, knownDirectionZoneID, options, inBackChannel)
	if IsCode(err, CodeTransportError) {
		pt.selfDestruct()
	}
	return count, outBC, err
}

// Release implements Marshaller by relaying; when both mirrored counts hit
// zero the relay destroys itself after forwarding.
func (pt *PassThrough) Release(ctx context.Context, version uint64, destinationZoneID DestinationZone,
	objectID ObjectID, callerZoneID CallerZone, options ReleaseOptions,
	inBackChannel []BackChannelEntry) (uint64, []BackChannelEntry, error) {

	shouldDelete := false
	if options.IsOptimistic() {
		if pt.optimisticCount.Dec() == 0 && pt.sharedCount.Load() == 0 {
			shouldDelete = true
		}
	} else {
		if pt.sharedCount.Dec() == 0 && pt.optimisticCount.Load() == 0 {
			shouldDelete = true
		}
	}

	t := pt.directionalTransport(destinationZoneID)
	if t == nil {
		return 0, nil, errors.Wrapf(ErrZoneNotFound, "pass-through has no endpoint for zone %d", destinationZoneID)
	}
	if t.Status() != TransportConnected {
		pt.selfDestruct()
		return 0, nil, errors.Wrapf(ErrTransportError, "endpoint for zone %d is not connected", destinationZoneID)
	}

	count, outBC, err := t.Release(ctx, version, destinationZoneID, objectID, callerZoneID, options, inBackChannel)
	if IsCode(err, CodeTransportError) {
		pt.selfDestruct()
	} else if shouldDelete {
		pt.selfDestruct()
	}
	return count, outBC, err
}
