package zrshare

import (
	"context"

	"go.uber.org/atomic"
	"github.com/pkg/errors"
)

// InterfaceProxy is the base that every typed interface proxy embeds: a
// facade over one ObjectProxy implementing one interface. Generated bindings
// add the typed methods and delegate the wire work to CallMethod.
type InterfaceProxy struct {
	op   *ObjectProxy
	name string
	id   InterfaceIDGetter
	enc  Encoding
}

// InitInterfaceProxy initializes the embedded base of a typed proxy
func (p *InterfaceProxy) InitInterfaceProxy(op *ObjectProxy, name string, id InterfaceIDGetter) {
	p.op = op
	p.name = name
	p.id = id
	p.enc = EncodingDefault
}

// ObjectProxy returns the object proxy underneath this facade
func (p *InterfaceProxy) ObjectProxy() *ObjectProxy { return p.op }

// IsLocal reports false: an interface proxy always fronts a remote object
func (p *InterfaceProxy) IsLocal() bool { return false }

// SetEncoding overrides the per-call payload encoding for this facade
func (p *InterfaceProxy) SetEncoding(enc Encoding) { p.enc = enc }

// CallMethod marshals in, dispatches method on the remote object, and
// demarshals the reply into out (which may be nil for void returns).
func (p *InterfaceProxy) CallMethod(ctx context.Context, methodName string, methodID MethodID,
	in Payload, out Payload) error {

	sp := p.op.ServiceProxy()
	version := sp.Version()
	interfaceID := p.id(version)
	if !interfaceID.IsSet() {
		return errors.Wrapf(ErrInvalidInterfaceID, "%s has no ordinal at version %d", p.name, version)
	}

	var inBuf []byte
	if in != nil {
		var err error
		inBuf, err = Marshal(p.enc, in)
		if err != nil {
			return err
		}
	}

	sp.telemetry.OnInterfaceProxySend(methodName, sp.zoneID, sp.destinationZoneID, p.op.ObjectID(), interfaceID, methodID)
	outBuf, err := p.op.Send(ctx, p.enc, 0, interfaceID, methodID, inBuf)
	if err != nil {
		return err
	}
	if out != nil {
		return Unmarshal(p.enc, outBuf, out)
	}
	return nil
}

// Ref is a counted strong handle to a remote object. Dropping the last Ref
// of an object proxy releases the proxy's shared wire references, letting
// the peer free the stub's shared count. Release is not idempotent: a second
// Release of the same handle is refused with reference_count_error.
//
// Local implementations are held with ordinary Go references; Ref is only
// ever a handle to an ObjectProxy. The two are deliberately distinct types.
type Ref struct {
	op       *ObjectProxy
	released atomic.Bool
}

// NewRef creates a strong handle on an object proxy, performing the remote
// shared add-ref if this is the proxy's first shared handle.
func NewRef(ctx context.Context, op *ObjectProxy) (*Ref, error) {
	if err := op.addRefLocal(ctx, false); err != nil {
		return nil, err
	}
	return &Ref{op: op}, nil
}

// inheritedRef wraps an object proxy whose shared count was already
// established by the creation path.
func inheritedRef(op *ObjectProxy) *Ref {
	return &Ref{op: op}
}

// ObjectProxy returns the underlying object proxy
func (r *Ref) ObjectProxy() *ObjectProxy { return r.op }

// Interface returns the typed facade for a binding over this handle's
// object.
func (r *Ref) Interface(ctx context.Context, binding InterfaceBinding) (Castable, error) {
	if r.released.Load() {
		return nil, errors.Wrap(ErrObjectNotFound, "interface requested from released handle")
	}
	return r.op.InterfaceProxyFor(ctx, binding, false)
}

// Clone creates an additional strong handle on the same object.
func (r *Ref) Clone(ctx context.Context) (*Ref, error) {
	if r.released.Load() {
		return nil, errors.Wrap(ErrReferenceCountError, "clone of released handle")
	}
	return NewRef(ctx, r.op)
}

// Optimistic creates an optimistic (weak-like) handle on the same object. It
// can observe liveness without keeping the object alive.
func (r *Ref) Optimistic(ctx context.Context) (*OptimisticRef, error) {
	if r.released.Load() {
		return nil, errors.Wrap(ErrReferenceCountError, "optimistic handle from released handle")
	}
	if err := r.op.addRefLocal(ctx, true); err != nil {
		return nil, err
	}
	return &OptimisticRef{op: r.op}, nil
}

// Release drops the handle, issuing the matching remote release(normal) if
// this was the proxy's last shared handle.
func (r *Ref) Release(ctx context.Context) error {
	if r.released.Swap(true) {
		return errors.Wrap(ErrReferenceCountError, "double release of handle")
	}
	return r.op.releaseLocal(ctx, false)
}

// OptimisticRef is a counted optimistic handle to a remote object: it does
// not keep the target alive, but while the target lives it can be promoted
// back to a strong handle. Its drop path issues release(optimistic).
type OptimisticRef struct {
	op       *ObjectProxy
	released atomic.Bool
}

// ObjectProxy returns the underlying object proxy
func (r *OptimisticRef) ObjectProxy() *ObjectProxy { return r.op }

// Promote attempts to obtain a strong handle on the observed object. It
// fails with object_not_found if the target has already been destroyed.
func (r *OptimisticRef) Promote(ctx context.Context) (*Ref, error) {
	if r.released.Load() {
		return nil, errors.Wrap(ErrReferenceCountError, "promote of released handle")
	}
	return NewRef(ctx, r.op)
}

// Release drops the handle, issuing the matching remote
// release(optimistic) if this was the proxy's last optimistic handle.
func (r *OptimisticRef) Release(ctx context.Context) error {
	if r.released.Swap(true) {
		return errors.Wrap(ErrReferenceCountError, "double release of optimistic handle")
	}
	return r.op.releaseLocal(ctx, true)
}
