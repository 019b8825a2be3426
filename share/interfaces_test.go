package zrshare

// Hand-written interface glue of the shape the binding generator emits: a
// typed interface, its version-indexed ordinal getter, per-method wire
// payloads, a client proxy, a server stub, and the InterfaceBinding bundle
// tying them together. Two interfaces cover the interesting marshalling
// shapes: Transformer has a plain byte-slice method, ObjectVendor marshals
// interfaces in both directions.

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ---- Transformer ----

const transformerName = "zonerpc.test.Transformer"

const (
	transformerMethodBump MethodID = 1
)

// TransformerID is the version-indexed ordinal getter
func TransformerID(version uint64) InterfaceOrdinal {
	if version < LowestSupportedVersion || version > HighestSupportedVersion {
		return 0
	}
	return InterfaceOrdinalOf(transformerName, version)
}

// Transformer bumps each byte of a payload by a fixed amount.
type Transformer interface {
	Castable
	Bump(ctx context.Context, data []byte) ([]byte, error)
}

type transformerBumpIn struct {
	Data []byte `json:"data"`
}

func (*transformerBumpIn) PayloadName() string        { return transformerName + ".bump_in" }
func (m *transformerBumpIn) marshalFields(w *wireWriter)   { w.Bytes(m.Data) }
func (m *transformerBumpIn) unmarshalFields(r *wireReader) { m.Data = r.Bytes() }

type transformerBumpOut struct {
	Data []byte `json:"data"`
}

func (*transformerBumpOut) PayloadName() string        { return transformerName + ".bump_out" }
func (m *transformerBumpOut) marshalFields(w *wireWriter)   { w.Bytes(m.Data) }
func (m *transformerBumpOut) unmarshalFields(r *wireReader) { m.Data = r.Bytes() }

// transformerImpl is the local implementation used by tests.
type transformerImpl struct {
	bumpBy byte
}

func (t *transformerImpl) IsLocal() bool { return true }

func (t *transformerImpl) QueryInterface(interfaceID InterfaceOrdinal) Castable {
	for v := LowestSupportedVersion; v <= HighestSupportedVersion; v++ {
		if TransformerID(v) == interfaceID {
			return t
		}
	}
	return nil
}

func (t *transformerImpl) Bump(ctx context.Context, data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b + t.bumpBy
	}
	return out, nil
}

// transformerProxy is the client facade.
type transformerProxy struct {
	InterfaceProxy
}

func newTransformerProxy(op *ObjectProxy) Castable {
	p := &transformerProxy{}
	p.InitInterfaceProxy(op, transformerName, TransformerID)
	return p
}

func (p *transformerProxy) QueryInterface(interfaceID InterfaceOrdinal) Castable {
	for v := LowestSupportedVersion; v <= HighestSupportedVersion; v++ {
		if TransformerID(v) == interfaceID {
			return p
		}
	}
	return nil
}

func (p *transformerProxy) Bump(ctx context.Context, data []byte) ([]byte, error) {
	in := transformerBumpIn{Data: data}
	var out transformerBumpOut
	if err := p.CallMethod(ctx, "Bump", transformerMethodBump, &in, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// transformerStub is the server adapter.
type transformerStub struct {
	impl Transformer
}

func (s *transformerStub) InterfaceID(version uint64) (InterfaceOrdinal, bool) {
	id := TransformerID(version)
	return id, id.IsSet()
}

func (s *transformerStub) TargetCastable() Castable { return s.impl }

func (s *transformerStub) Call(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	methodID MethodID, inBuf []byte) ([]byte, error) {

	switch methodID {
	case transformerMethodBump:
		var in transformerBumpIn
		if err := Unmarshal(enc, inBuf, &in); err != nil {
			return nil, err
		}
		data, err := s.impl.Bump(ctx, in.Data)
		if err != nil {
			return nil, err
		}
		return Marshal(enc, &transformerBumpOut{Data: data})
	}
	return nil, errors.Wrapf(ErrInvalidMethodID, "transformer has no method %d", methodID)
}

var transformerBinding = InterfaceBinding{
	Name:     transformerName,
	ID:       TransformerID,
	NewProxy: newTransformerProxy,
	NewStub: func(impl Castable) InterfaceStub {
		if t, ok := impl.(Transformer); ok {
			return &transformerStub{impl: t}
		}
		return nil
	},
}

// ---- ObjectVendor ----

const objectVendorName = "zonerpc.test.ObjectVendor"

const (
	vendorMethodCreateChild MethodID = 1
	vendorMethodGetHeld     MethodID = 2
	vendorMethodAdopt       MethodID = 3
)

// ObjectVendorID is the version-indexed ordinal getter
func ObjectVendorID(version uint64) InterfaceOrdinal {
	if version < LowestSupportedVersion || version > HighestSupportedVersion {
		return 0
	}
	return InterfaceOrdinalOf(objectVendorName, version)
}

// ObjectVendor hands out and accepts Transformer interfaces, exercising the
// interface-marshalling paths in both directions.
type ObjectVendor interface {
	Castable
	CreateChild(ctx context.Context) (Transformer, *Ref, error)
	GetHeld(ctx context.Context) (Transformer, *Ref, error)
	Adopt(ctx context.Context, t Transformer) error
}

type vendorInterfaceOut struct {
	ObjectID          ObjectID        `json:"object_id"`
	DestinationZoneID DestinationZone `json:"destination_zone_id"`
}

func (*vendorInterfaceOut) PayloadName() string { return objectVendorName + ".interface_out" }
func (m *vendorInterfaceOut) marshalFields(w *wireWriter) {
	w.U64(uint64(m.ObjectID))
	w.U64(uint64(m.DestinationZoneID))
}
func (m *vendorInterfaceOut) unmarshalFields(r *wireReader) {
	m.ObjectID = ObjectID(r.U64())
	m.DestinationZoneID = DestinationZone(r.U64())
}

type vendorAdoptIn struct {
	ObjectID          ObjectID        `json:"object_id"`
	DestinationZoneID DestinationZone `json:"destination_zone_id"`
}

func (*vendorAdoptIn) PayloadName() string { return objectVendorName + ".adopt_in" }
func (m *vendorAdoptIn) marshalFields(w *wireWriter) {
	w.U64(uint64(m.ObjectID))
	w.U64(uint64(m.DestinationZoneID))
}
func (m *vendorAdoptIn) unmarshalFields(r *wireReader) {
	m.ObjectID = ObjectID(r.U64())
	m.DestinationZoneID = DestinationZone(r.U64())
}

// vendorImpl hands out transformers. held may be a proxy for a transformer
// living in a third zone, which is what makes multi-hop descriptor routing
// reachable from a plain method call.
type vendorImpl struct {
	lock    sync.Mutex
	bumpBy  byte
	held    Transformer
	adopted Transformer
}

func (v *vendorImpl) IsLocal() bool { return true }

func (v *vendorImpl) QueryInterface(interfaceID InterfaceOrdinal) Castable {
	for ver := LowestSupportedVersion; ver <= HighestSupportedVersion; ver++ {
		if ObjectVendorID(ver) == interfaceID {
			return v
		}
	}
	return nil
}

func (v *vendorImpl) CreateChild(ctx context.Context) (Transformer, *Ref, error) {
	return &transformerImpl{bumpBy: v.bumpBy}, nil, nil
}

func (v *vendorImpl) GetHeld(ctx context.Context) (Transformer, *Ref, error) {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.held, nil, nil
}

func (v *vendorImpl) Adopt(ctx context.Context, t Transformer) error {
	v.lock.Lock()
	v.adopted = t
	v.lock.Unlock()
	return nil
}

// vendorProxy is the client facade.
type vendorProxy struct {
	InterfaceProxy
}

func newVendorProxy(op *ObjectProxy) Castable {
	p := &vendorProxy{}
	p.InitInterfaceProxy(op, objectVendorName, ObjectVendorID)
	return p
}

func (p *vendorProxy) QueryInterface(interfaceID InterfaceOrdinal) Castable {
	for v := LowestSupportedVersion; v <= HighestSupportedVersion; v++ {
		if ObjectVendorID(v) == interfaceID {
			return p
		}
	}
	return nil
}

// bindTransformerOut resolves a returned descriptor into a typed facade plus
// the handle that owns its reference.
func (p *vendorProxy) bindTransformerOut(ctx context.Context, out vendorInterfaceOut) (Transformer, *Ref, error) {
	sp := p.ObjectProxy().ServiceProxy()
	bound, err := ProxyBindOutParam(ctx, sp,
		InterfaceDescriptor{ObjectID: out.ObjectID, DestinationZoneID: out.DestinationZoneID},
		sp.CallerZoneID())
	if err != nil {
		return nil, nil, err
	}
	if bound.IsNil() {
		return nil, nil, nil
	}
	c, err := bound.Castable(ctx, transformerBinding)
	if err != nil {
		return nil, nil, err
	}
	return c.(Transformer), bound.Remote, nil
}

func (p *vendorProxy) CreateChild(ctx context.Context) (Transformer, *Ref, error) {
	var out vendorInterfaceOut
	if err := p.CallMethod(ctx, "CreateChild", vendorMethodCreateChild, nil, &out); err != nil {
		return nil, nil, err
	}
	return p.bindTransformerOut(ctx, out)
}

func (p *vendorProxy) GetHeld(ctx context.Context) (Transformer, *Ref, error) {
	var out vendorInterfaceOut
	if err := p.CallMethod(ctx, "GetHeld", vendorMethodGetHeld, nil, &out); err != nil {
		return nil, nil, err
	}
	return p.bindTransformerOut(ctx, out)
}

func (p *vendorProxy) Adopt(ctx context.Context, t Transformer) error {
	sp := p.ObjectProxy().ServiceProxy()
	descr, err := sp.OperatingZoneService().PrepareForTransmit(ctx, 0,
		sp.DestinationZoneID().AsCaller(), t, transformerBinding.NewStub, false)
	if err != nil {
		return err
	}
	in := vendorAdoptIn{ObjectID: descr.ObjectID, DestinationZoneID: descr.DestinationZoneID}
	return p.CallMethod(ctx, "Adopt", vendorMethodAdopt, &in, nil)
}

// vendorStub is the server adapter.
type vendorStub struct {
	impl ObjectVendor
}

func (s *vendorStub) InterfaceID(version uint64) (InterfaceOrdinal, bool) {
	id := ObjectVendorID(version)
	return id, id.IsSet()
}

func (s *vendorStub) TargetCastable() Castable { return s.impl }

func (s *vendorStub) Call(ctx context.Context, version uint64, enc Encoding, tag uint64,
	callerChannelZoneID CallerChannelZone, callerZoneID CallerZone,
	methodID MethodID, inBuf []byte) ([]byte, error) {

	svc := CurrentService(ctx)
	if svc == nil {
		return nil, errors.Wrap(ErrZoneNotInitialised, "vendor stub dispatched outside a service")
	}

	switch methodID {
	case vendorMethodCreateChild, vendorMethodGetHeld:
		var t Transformer
		var err error
		if methodID == vendorMethodCreateChild {
			t, _, err = s.impl.CreateChild(ctx)
		} else {
			t, _, err = s.impl.GetHeld(ctx)
		}
		if err != nil {
			return nil, err
		}
		var iface Castable
		if t != nil {
			iface = t
		}
		descr, err := svc.PrepareOutParam(ctx, version, callerChannelZoneID, callerZoneID,
			iface, transformerBinding.NewStub)
		if err != nil {
			return nil, err
		}
		return Marshal(enc, &vendorInterfaceOut{ObjectID: descr.ObjectID, DestinationZoneID: descr.DestinationZoneID})

	case vendorMethodAdopt:
		var in vendorAdoptIn
		if err := Unmarshal(enc, inBuf, &in); err != nil {
			return nil, err
		}
		bound, err := StubBindInParam(ctx, svc, version, callerChannelZoneID, callerZoneID,
			InterfaceDescriptor{ObjectID: in.ObjectID, DestinationZoneID: in.DestinationZoneID},
			transformerBinding)
		if err != nil {
			return nil, err
		}
		if bound.IsNil() {
			return nil, s.impl.Adopt(ctx, nil)
		}
		c, err := bound.Castable(ctx, transformerBinding)
		if err != nil {
			return nil, err
		}
		return nil, s.impl.Adopt(ctx, c.(Transformer))
	}
	return nil, errors.Wrapf(ErrInvalidMethodID, "vendor has no method %d", methodID)
}

var vendorBinding = InterfaceBinding{
	Name:     objectVendorName,
	ID:       ObjectVendorID,
	NewProxy: newVendorProxy,
	NewStub: func(impl Castable) InterfaceStub {
		if v, ok := impl.(ObjectVendor); ok {
			return &vendorStub{impl: v}
		}
		return nil
	},
}

// combinedImpl implements both test interfaces on one object so try-cast
// has an alternate view to discover.
type combinedImpl struct {
	vendorImpl
	transformerImpl
}

func (c *combinedImpl) IsLocal() bool { return true }

func (c *combinedImpl) QueryInterface(interfaceID InterfaceOrdinal) Castable {
	for v := LowestSupportedVersion; v <= HighestSupportedVersion; v++ {
		if ObjectVendorID(v) == interfaceID || TransformerID(v) == interfaceID {
			return c
		}
	}
	return nil
}
