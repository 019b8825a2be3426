package zrshare

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// stubState tracks the stub lifecycle: live -> draining -> dead. Only a live
// stub accepts new interface views; a stub whose counts have reached zero
// drains its in-flight calls before the service drops it.
type stubState int

const (
	stubLive stubState = iota
	stubDraining
	stubDead
)

// stubRefCounts is one caller zone's row of the reference ledger. Counts are
// kept per caller zone so two independent peers adding references cannot
// interfere with each other's release accounting.
type stubRefCounts struct {
	shared     uint64
	optimistic uint64
}

// ObjectStub is the server-side state of one remotely addressable local
// object: the implementation pointer, the interface views that have been
// materialized on it, and the per-caller reference ledger. It is created on
// the first marshal-out of a local implementation and destroyed when both
// shared and optimistic totals reach zero and no in-flight call references
// it. A stub stays alive at least as long as any peer holds a matching
// object proxy.
type ObjectStub struct {
	Logger

	service  *Service
	objectID ObjectID
	impl     Castable

	lock            sync.Mutex
	interfaces      map[InterfaceOrdinal]InterfaceStub
	callerCounts    map[CallerZone]*stubRefCounts
	sharedTotal     uint64
	optimisticTotal uint64
	pendingCalls    int
	state           stubState
}

func newObjectStub(logger Logger, service *Service, objectID ObjectID, impl Castable) *ObjectStub {
	st := &ObjectStub{
		service:      service,
		objectID:     objectID,
		impl:         impl,
		interfaces:   make(map[InterfaceOrdinal]InterfaceStub),
		callerCounts: make(map[CallerZone]*stubRefCounts),
	}
	st.Logger = logger.Fork("stub#%d", objectID)
	return st
}

// ObjectID returns the stub's object id
func (st *ObjectStub) ObjectID() ObjectID { return st.objectID }

// Target returns the wrapped implementation
func (st *ObjectStub) Target() Castable { return st.impl }

// AddInterface registers an interface view on the stub. It fails once the
// stub has left the live state.
func (st *ObjectStub) AddInterface(is InterfaceStub) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	if st.state != stubLive {
		return errors.Wrapf(ErrObjectNotFound, "stub %d is %d, cannot add interfaces", st.objectID, st.state)
	}
	for v := LowestSupportedVersion; v <= HighestSupportedVersion; v++ {
		if id, ok := is.InterfaceID(v); ok {
			st.interfaces[id] = is
		}
	}
	return nil
}

// GetInterface returns the interface view with the given ordinal, or nil.
func (st *ObjectStub) GetInterface(interfaceID InterfaceOrdinal) InterfaceStub {
	st.lock.Lock()
	defer st.lock.Unlock()
	return st.interfaces[interfaceID]
}

// anyInterface returns an arbitrary existing view, used as the seed for
// try-cast factories.
func (st *ObjectStub) anyInterface() InterfaceStub {
	st.lock.Lock()
	defer st.lock.Unlock()
	for _, is := range st.interfaces {
		return is
	}
	return nil
}

// Call dispatches one inbound method invocation, tracking it against the
// drain state.
func (st *ObjectStub) Call(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	interfaceID InterfaceOrdinal, methodID MethodID, inBuf []byte) ([]byte, error) {

	st.lock.Lock()
	if st.state == stubDead {
		st.lock.Unlock()
		return nil, errors.Wrapf(ErrObjectNotFound, "stub %d is dead", st.objectID)
	}
	is := st.interfaces[interfaceID]
	if is == nil {
		st.lock.Unlock()
		return nil, errors.Wrapf(ErrInvalidInterfaceID, "stub %d has no interface %d", st.objectID, interfaceID)
	}
	st.pendingCalls++
	st.lock.Unlock()

	st.service.telemetry.OnStubSend(st.service.zoneID, st.objectID, interfaceID, methodID)
	out, err := is.Call(ctx, version, enc, tag, callerChannelZoneID, callerZoneID, methodID, inBuf)
	st.endCall()
	return out, err
}

func (st *ObjectStub) endCall() {
	st.lock.Lock()
	st.pendingCalls--
	dead := st.state == stubDraining && st.pendingCalls == 0
	if dead {
		st.state = stubDead
	}
	st.lock.Unlock()
	if dead {
		st.service.dropStub(st)
	}
}

// AddRef increments the ledger row for the caller zone and returns the
// post-increment total for the given kind.
func (st *ObjectStub) AddRef(callerZoneID CallerZone, optimistic bool) (uint64, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	if st.state == stubDead {
		return 0, errors.Wrapf(ErrObjectNotFound, "add_ref on dead stub %d", st.objectID)
	}
	row := st.callerCounts[callerZoneID]
	if row == nil {
		row = &stubRefCounts{}
		st.callerCounts[callerZoneID] = row
	}
	var count uint64
	if optimistic {
		row.optimistic++
		st.optimisticTotal++
		count = st.optimisticTotal
	} else {
		row.shared++
		st.sharedTotal++
		count = st.sharedTotal
	}
	// a count coming back from zero revives a draining stub
	st.state = stubLive
	st.service.telemetry.OnStubAddRef(st.service.zoneID, st.objectID, count, callerZoneID, optimistic)
	return count, nil
}

// Release decrements the ledger row for the caller zone and returns the
// post-decrement total for the given kind. When both totals reach zero the
// stub transitions to draining (or straight to dead when no call is in
// flight) and the caller learns it must drop the stub.
func (st *ObjectStub) Release(callerZoneID CallerZone, optimistic bool) (count uint64, destroyed bool, err error) {
	st.lock.Lock()
	row := st.callerCounts[callerZoneID]
	bad := row == nil
	if !bad {
		if optimistic {
			bad = row.optimistic == 0
		} else {
			bad = row.shared == 0
		}
	}
	if bad {
		st.lock.Unlock()
		return 0, false, errors.Wrapf(ErrReferenceCountError,
			"release(optimistic=%v) for caller zone %d on stub %d with no matching add_ref",
			optimistic, callerZoneID, st.objectID)
	}
	if optimistic {
		row.optimistic--
		st.optimisticTotal--
		count = st.optimisticTotal
	} else {
		row.shared--
		st.sharedTotal--
		count = st.sharedTotal
	}
	if row.shared == 0 && row.optimistic == 0 {
		delete(st.callerCounts, callerZoneID)
	}
	if st.sharedTotal == 0 && st.optimisticTotal == 0 && st.state == stubLive {
		if st.pendingCalls == 0 {
			st.state = stubDead
			destroyed = true
		} else {
			st.state = stubDraining
		}
	}
	st.lock.Unlock()

	st.service.telemetry.OnStubRelease(st.service.zoneID, st.objectID, count, callerZoneID, optimistic)
	if destroyed {
		st.service.dropStub(st)
	}
	return count, destroyed, nil
}

// CallerCounts returns a snapshot of one caller zone's ledger row. Intended
// for telemetry and tests.
func (st *ObjectStub) CallerCounts(callerZoneID CallerZone) (shared uint64, optimistic uint64) {
	st.lock.Lock()
	defer st.lock.Unlock()
	if row := st.callerCounts[callerZoneID]; row != nil {
		return row.shared, row.optimistic
	}
	return 0, 0
}

// Totals returns the stub's aggregate shared and optimistic counts.
func (st *ObjectStub) Totals() (shared uint64, optimistic uint64) {
	st.lock.Lock()
	defer st.lock.Unlock()
	return st.sharedTotal, st.optimisticTotal
}
