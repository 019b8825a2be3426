package zrshare

// Concrete wire payloads exchanged by channel managers. All ids travel as
// bare 64-bit integers; options travel as single bytes. Each payload's
// PayloadName is stable across releases — renaming one is a wire break.

// CallSend requests dispatch of a method on an object in the destination
// zone.
type CallSend struct {
	Encoding            Encoding          `json:"encoding"`
	Tag                 uint64            `json:"tag"`
	CallerChannelZoneID CallerChannelZone `json:"caller_channel_zone_id"`
	CallerZoneID        CallerZone        `json:"caller_zone_id"`
	DestinationZoneID   DestinationZone   `json:"destination_zone_id"`
	ObjectID            ObjectID          `json:"object_id"`
	InterfaceID         InterfaceOrdinal  `json:"interface_id"`
	MethodID            MethodID          `json:"method_id"`
	Payload             []byte            `json:"payload"`
}

// PayloadName identifies the payload type on the wire
func (*CallSend) PayloadName() string { return "call_send" }

func (m *CallSend) marshalFields(w *wireWriter) {
	w.U64(uint64(m.Encoding))
	w.U64(m.Tag)
	w.U64(uint64(m.CallerChannelZoneID))
	w.U64(uint64(m.CallerZoneID))
	w.U64(uint64(m.DestinationZoneID))
	w.U64(uint64(m.ObjectID))
	w.U64(uint64(m.InterfaceID))
	w.U64(uint64(m.MethodID))
	w.Bytes(m.Payload)
}

func (m *CallSend) unmarshalFields(r *wireReader) {
	m.Encoding = Encoding(r.U64())
	m.Tag = r.U64()
	m.CallerChannelZoneID = CallerChannelZone(r.U64())
	m.CallerZoneID = CallerZone(r.U64())
	m.DestinationZoneID = DestinationZone(r.U64())
	m.ObjectID = ObjectID(r.U64())
	m.InterfaceID = InterfaceOrdinal(r.U64())
	m.MethodID = MethodID(r.U64())
	m.Payload = r.Bytes()
}

// CallReceive is the response to a CallSend.
type CallReceive struct {
	Payload []byte  `json:"payload"`
	ErrCode ErrCode `json:"err_code"`
}

// PayloadName identifies the payload type on the wire
func (*CallReceive) PayloadName() string { return "call_receive" }

func (m *CallReceive) marshalFields(w *wireWriter) {
	w.Bytes(m.Payload)
	w.U64(uint64(m.ErrCode))
}

func (m *CallReceive) unmarshalFields(r *wireReader) {
	m.Payload = r.Bytes()
	m.ErrCode = ErrCode(r.U64())
}

// PostSend is the one-way variant of CallSend; it never has a response.
type PostSend struct {
	Encoding            Encoding          `json:"encoding"`
	Tag                 uint64            `json:"tag"`
	CallerChannelZoneID CallerChannelZone `json:"caller_channel_zone_id"`
	CallerZoneID        CallerZone        `json:"caller_zone_id"`
	DestinationZoneID   DestinationZone   `json:"destination_zone_id"`
	ObjectID            ObjectID          `json:"object_id"`
	InterfaceID         InterfaceOrdinal  `json:"interface_id"`
	MethodID            MethodID          `json:"method_id"`
	Options             PostOptions       `json:"options"`
	Payload             []byte            `json:"payload"`
}

// PayloadName identifies the payload type on the wire
func (*PostSend) PayloadName() string { return "post_send" }

func (m *PostSend) marshalFields(w *wireWriter) {
	w.U64(uint64(m.Encoding))
	w.U64(m.Tag)
	w.U64(uint64(m.CallerChannelZoneID))
	w.U64(uint64(m.CallerZoneID))
	w.U64(uint64(m.DestinationZoneID))
	w.U64(uint64(m.ObjectID))
	w.U64(uint64(m.InterfaceID))
	w.U64(uint64(m.MethodID))
	w.U8(uint8(m.Options))
	w.Bytes(m.Payload)
}

func (m *PostSend) unmarshalFields(r *wireReader) {
	m.Encoding = Encoding(r.U64())
	m.Tag = r.U64()
	m.CallerChannelZoneID = CallerChannelZone(r.U64())
	m.CallerZoneID = CallerZone(r.U64())
	m.DestinationZoneID = DestinationZone(r.U64())
	m.ObjectID = ObjectID(r.U64())
	m.InterfaceID = InterfaceOrdinal(r.U64())
	m.MethodID = MethodID(r.U64())
	m.Options = PostOptions(r.U8())
	m.Payload = r.Bytes()
}

// TryCastSend asks whether an object supports another interface.
type TryCastSend struct {
	DestinationZoneID DestinationZone  `json:"destination_zone_id"`
	ObjectID          ObjectID         `json:"object_id"`
	InterfaceID       InterfaceOrdinal `json:"interface_id"`
}

// PayloadName identifies the payload type on the wire
func (*TryCastSend) PayloadName() string { return "try_cast_send" }

func (m *TryCastSend) marshalFields(w *wireWriter) {
	w.U64(uint64(m.DestinationZoneID))
	w.U64(uint64(m.ObjectID))
	w.U64(uint64(m.InterfaceID))
}

func (m *TryCastSend) unmarshalFields(r *wireReader) {
	m.DestinationZoneID = DestinationZone(r.U64())
	m.ObjectID = ObjectID(r.U64())
	m.InterfaceID = InterfaceOrdinal(r.U64())
}

// TryCastReceive is the response to a TryCastSend.
type TryCastReceive struct {
	ErrCode ErrCode `json:"err_code"`
}

// PayloadName identifies the payload type on the wire
func (*TryCastReceive) PayloadName() string { return "try_cast_receive" }

func (m *TryCastReceive) marshalFields(w *wireWriter) {
	w.U64(uint64(m.ErrCode))
}

func (m *TryCastReceive) unmarshalFields(r *wireReader) {
	m.ErrCode = ErrCode(r.U64())
}

// AddRefSend increments a stub's reference count, optionally building
// routing state along the way.
type AddRefSend struct {
	DestinationChannelZoneID DestinationChannelZone `json:"destination_channel_zone_id"`
	DestinationZoneID        DestinationZone        `json:"destination_zone_id"`
	ObjectID                 ObjectID               `json:"object_id"`
	CallerChannelZoneID      CallerChannelZone      `json:"caller_channel_zone_id"`
	CallerZoneID             CallerZone             `json:"caller_zone_id"`
	KnownDirectionZoneID     KnownDirectionZone     `json:"known_direction_zone_id"`
	BuildOutParamChannel     uint8                  `json:"build_out_param_channel"`
}

// PayloadName identifies the payload type on the wire
func (*AddRefSend) PayloadName() string { return "addref_send" }

func (m *AddRefSend) marshalFields(w *wireWriter) {
	w.U64(uint64(m.DestinationChannelZoneID))
	w.U64(uint64(m.DestinationZoneID))
	w.U64(uint64(m.ObjectID))
	w.U64(uint64(m.CallerChannelZoneID))
	w.U64(uint64(m.CallerZoneID))
	w.U64(uint64(m.KnownDirectionZoneID))
	w.U8(m.BuildOutParamChannel)
}

func (m *AddRefSend) unmarshalFields(r *wireReader) {
	m.DestinationChannelZoneID = DestinationChannelZone(r.U64())
	m.DestinationZoneID = DestinationZone(r.U64())
	m.ObjectID = ObjectID(r.U64())
	m.CallerChannelZoneID = CallerChannelZone(r.U64())
	m.CallerZoneID = CallerZone(r.U64())
	m.KnownDirectionZoneID = KnownDirectionZone(r.U64())
	m.BuildOutParamChannel = r.U8()
}

// AddRefReceive is the response to an AddRefSend, carrying the
// post-increment count.
type AddRefReceive struct {
	RefCount uint64  `json:"ref_count"`
	ErrCode  ErrCode `json:"err_code"`
}

// PayloadName identifies the payload type on the wire
func (*AddRefReceive) PayloadName() string { return "addref_receive" }

func (m *AddRefReceive) marshalFields(w *wireWriter) {
	w.U64(m.RefCount)
	w.U64(uint64(m.ErrCode))
}

func (m *AddRefReceive) unmarshalFields(r *wireReader) {
	m.RefCount = r.U64()
	m.ErrCode = ErrCode(r.U64())
}

// ReleaseSend decrements a stub's reference count.
type ReleaseSend struct {
	DestinationZoneID DestinationZone `json:"destination_zone_id"`
	ObjectID          ObjectID        `json:"object_id"`
	CallerZoneID      CallerZone      `json:"caller_zone_id"`
	Options           uint8           `json:"options"`
}

// PayloadName identifies the payload type on the wire
func (*ReleaseSend) PayloadName() string { return "release_send" }

func (m *ReleaseSend) marshalFields(w *wireWriter) {
	w.U64(uint64(m.DestinationZoneID))
	w.U64(uint64(m.ObjectID))
	w.U64(uint64(m.CallerZoneID))
	w.U8(m.Options)
}

func (m *ReleaseSend) unmarshalFields(r *wireReader) {
	m.DestinationZoneID = DestinationZone(r.U64())
	m.ObjectID = ObjectID(r.U64())
	m.CallerZoneID = CallerZone(r.U64())
	m.Options = r.U8()
}

// ReleaseReceive is the response to a ReleaseSend, carrying the
// post-decrement count.
type ReleaseReceive struct {
	RefCount uint64  `json:"ref_count"`
	ErrCode  ErrCode `json:"err_code"`
}

// PayloadName identifies the payload type on the wire
func (*ReleaseReceive) PayloadName() string { return "release_receive" }

func (m *ReleaseReceive) marshalFields(w *wireWriter) {
	w.U64(m.RefCount)
	w.U64(uint64(m.ErrCode))
}

func (m *ReleaseReceive) unmarshalFields(r *wireReader) {
	m.RefCount = r.U64()
	m.ErrCode = ErrCode(r.U64())
}

// InitClientChannelSend brings up the client end of a fresh channel.
type InitClientChannelSend struct {
	CallerZoneID      CallerZone      `json:"caller_zone_id"`
	CallerObjectID    ObjectID        `json:"caller_object_id"`
	DestinationZoneID DestinationZone `json:"destination_zone_id"`
}

// PayloadName identifies the payload type on the wire
func (*InitClientChannelSend) PayloadName() string { return "init_client_channel_send" }

func (m *InitClientChannelSend) marshalFields(w *wireWriter) {
	w.U64(uint64(m.CallerZoneID))
	w.U64(uint64(m.CallerObjectID))
	w.U64(uint64(m.DestinationZoneID))
}

func (m *InitClientChannelSend) unmarshalFields(r *wireReader) {
	m.CallerZoneID = CallerZone(r.U64())
	m.CallerObjectID = ObjectID(r.U64())
	m.DestinationZoneID = DestinationZone(r.U64())
}

// InitClientChannelResponse confirms channel bring-up and names the peer's
// root object.
type InitClientChannelResponse struct {
	ErrCode             ErrCode         `json:"err_code"`
	DestinationZoneID   DestinationZone `json:"destination_zone_id"`
	DestinationObjectID ObjectID        `json:"destination_object_id"`
	Reserved            uint64          `json:"reserved"`
}

// PayloadName identifies the payload type on the wire
func (*InitClientChannelResponse) PayloadName() string { return "init_client_channel_response" }

func (m *InitClientChannelResponse) marshalFields(w *wireWriter) {
	w.U64(uint64(m.ErrCode))
	w.U64(uint64(m.DestinationZoneID))
	w.U64(uint64(m.DestinationObjectID))
	w.U64(m.Reserved)
}

func (m *InitClientChannelResponse) unmarshalFields(r *wireReader) {
	m.ErrCode = ErrCode(r.U64())
	m.DestinationZoneID = DestinationZone(r.U64())
	m.DestinationObjectID = ObjectID(r.U64())
	m.Reserved = r.U64()
}

// CloseConnectionSend initiates the cooperative shutdown handshake.
type CloseConnectionSend struct{}

// PayloadName identifies the payload type on the wire
func (*CloseConnectionSend) PayloadName() string { return "close_connection_send" }

func (m *CloseConnectionSend) marshalFields(*wireWriter)   {}
func (m *CloseConnectionSend) unmarshalFields(*wireReader) {}

// CloseConnectionReceived acknowledges a CloseConnectionSend.
type CloseConnectionReceived struct{}

// PayloadName identifies the payload type on the wire
func (*CloseConnectionReceived) PayloadName() string { return "close_connection_received" }

func (m *CloseConnectionReceived) marshalFields(*wireWriter)   {}
func (m *CloseConnectionReceived) unmarshalFields(*wireReader) {}
