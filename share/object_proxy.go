package zrshare

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ObjectProxy is the client-side twin of an ObjectStub: the per-remote-object
// state held inside one service proxy. It tracks two kinds of local handle
// counts (shared and optimistic) and the wire references it owes the peer for
// each kind. At most one live ObjectProxy exists per (service proxy, object
// id); recreation after collapse is allowed, in which case any wire
// references still owed by the dying proxy are transferred to its
// replacement instead of being released remotely.
type ObjectProxy struct {
	Logger

	objectID ObjectID
	sp       *ServiceProxy

	lock sync.Mutex
	// local handle counts
	shared     int
	optimistic int
	// wire references owed to the peer, split by kind; inherited from a
	// dying twin on top of our own
	remoteShared     int
	remoteOptimistic int
	// defunct marks a proxy whose death releases are in flight; the map may
	// already hold a replacement
	defunct bool

	ifaceLock  sync.Mutex
	interfaces map[InterfaceOrdinal]Castable
}

func newObjectProxy(objectID ObjectID, sp *ServiceProxy) *ObjectProxy {
	op := &ObjectProxy{
		objectID:   objectID,
		sp:         sp,
		interfaces: make(map[InterfaceOrdinal]Castable),
	}
	op.Logger = sp.Logger.Fork("obj#%d", objectID)
	return op
}

// ObjectID returns the remote object's id
func (op *ObjectProxy) ObjectID() ObjectID { return op.objectID }

// ServiceProxy returns the owning service proxy
func (op *ObjectProxy) ServiceProxy() *ServiceProxy { return op.sp }

// DestinationZoneID returns the zone the remote object lives in
func (op *ObjectProxy) DestinationZoneID() DestinationZone {
	return op.sp.DestinationZoneID()
}

// Send dispatches a method on the remote object at the channel's negotiated
// version.
func (op *ObjectProxy) Send(ctx context.Context, enc Encoding, tag uint64,
	interfaceID InterfaceOrdinal, methodID MethodID, inBuf []byte) ([]byte, error) {
	return op.sp.SendFromThisZone(ctx, op.sp.Version(), enc, tag, op.objectID, interfaceID, methodID, inBuf)
}

// TryCast asks the remote object whether it supports another interface,
// probing versions downward as needed.
func (op *ObjectProxy) TryCast(ctx context.Context, id InterfaceIDGetter) error {
	return op.sp.SpTryCast(ctx, op.sp.DestinationZoneID(), op.objectID, id)
}

// InterfaceProxyFor returns the cached typed facade for the binding,
// fabricating it on first use. With confirm set, the remote object is first
// asked via TryCast whether it supports the interface.
func (op *ObjectProxy) InterfaceProxyFor(ctx context.Context, binding InterfaceBinding, confirm bool) (Castable, error) {
	key := binding.ID(HighestSupportedVersion)

	op.ifaceLock.Lock()
	if c := op.interfaces[key]; c != nil {
		op.ifaceLock.Unlock()
		return c, nil
	}
	op.ifaceLock.Unlock()

	if confirm {
		if err := op.TryCast(ctx, binding.ID); err != nil {
			return nil, err
		}
	}

	op.ifaceLock.Lock()
	defer op.ifaceLock.Unlock()
	if c := op.interfaces[key]; c != nil {
		return c, nil
	}
	c := binding.NewProxy(op)
	op.interfaces[key] = c
	op.sp.telemetry.OnInterfaceProxyCreation(binding.Name, op.sp.zoneID, op.sp.destinationZoneID, op.objectID, key)
	return c, nil
}

// initRemoteRef records the wire reference established (or inherited) by the
// creation path, before any handle exists.
func (op *ObjectProxy) initRemoteRef(optimistic bool) {
	op.lock.Lock()
	if optimistic {
		op.remoteOptimistic++
	} else {
		op.remoteShared++
	}
	op.lock.Unlock()
}

// inheritRemote absorbs wire references from a dying twin.
func (op *ObjectProxy) inheritRemote(sharedRefs int, optimisticRefs int) {
	op.lock.Lock()
	op.remoteShared += sharedRefs
	op.remoteOptimistic += optimisticRefs
	op.lock.Unlock()
}

// addRefLocal increments the handle count of one kind. A 0 -> 1 transition
// with no wire reference of that kind outstanding performs a remote add-ref
// before the new handle becomes usable; this is what guarantees that the
// add-ref for an object id strictly precedes any call using it.
func (op *ObjectProxy) addRefLocal(ctx context.Context, optimistic bool) error {
	op.lock.Lock()
	if op.defunct {
		op.lock.Unlock()
		return errors.Wrapf(ErrObjectNotFound, "object proxy %d is defunct", op.objectID)
	}
	needWire := false
	if optimistic {
		op.optimistic++
		needWire = op.optimistic == 1 && op.remoteOptimistic == 0
	} else {
		op.shared++
		needWire = op.shared == 1 && op.remoteShared == 0
	}
	op.lock.Unlock()

	if !needWire {
		return nil
	}

	opts := AddRefNormal
	if optimistic {
		opts = AddRefOptimistic
	}
	_, err := op.sp.SpAddRef(ctx, op.objectID, 0, opts, 0)
	if err != nil {
		op.lock.Lock()
		if optimistic {
			op.optimistic--
		} else {
			op.shared--
		}
		op.lock.Unlock()
		return err
	}
	op.initRemoteRef(optimistic)
	op.sp.AddExternalRef()
	return nil
}

// releaseLocal decrements the handle count of one kind. The 1 -> 0
// transition of a kind immediately releases that kind's wire references so
// the peer can free the stub when shared hits zero even while optimistic
// observers remain. When both kinds are zero the proxy is defunct: it
// surfaces any remaining wire references (its own plus inherited) and is
// dropped from the service proxy's map after the final release has reached
// the peer.
func (op *ObjectProxy) releaseLocal(ctx context.Context, optimistic bool) error {
	op.lock.Lock()
	if op.defunct {
		op.lock.Unlock()
		return errors.Wrapf(ErrReferenceCountError, "release on defunct object proxy %d", op.objectID)
	}
	if (optimistic && op.optimistic == 0) || (!optimistic && op.shared == 0) {
		op.lock.Unlock()
		return errors.Wrapf(ErrReferenceCountError,
			"release(optimistic=%v) on object proxy %d with zero count", optimistic, op.objectID)
	}
	if optimistic {
		op.optimistic--
	} else {
		op.shared--
	}
	transition := false
	if optimistic {
		transition = op.optimistic == 0
	} else {
		transition = op.shared == 0
	}
	if !transition {
		op.lock.Unlock()
		return nil
	}
	dying := op.shared == 0 && op.optimistic == 0
	var sharedRefs, optimisticRefs int
	if dying {
		op.defunct = true
		sharedRefs, optimisticRefs = op.remoteShared, op.remoteOptimistic
		op.remoteShared, op.remoteOptimistic = 0, 0
	} else if optimistic {
		optimisticRefs = op.remoteOptimistic
		op.remoteOptimistic = 0
	} else {
		sharedRefs = op.remoteShared
		op.remoteShared = 0
	}
	op.lock.Unlock()

	return op.sp.onObjectProxyReleased(ctx, op, sharedRefs, optimisticRefs, dying)
}
