package zrtcp

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	zrshare "github.com/sammck-go/zonerpc/share"
)

// Conn is the stream a ChannelManager frames envelopes onto. net.Conn
// satisfies it; other stream-ish channels (WebSockets, pipes) adapt to it.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// callResult is what a pending waiter receives when its reply (or doom)
// arrives.
type callResult struct {
	prefix  zrshare.EnvelopePrefix
	payload zrshare.EnvelopePayload
	err     error
}

// resultListener is one in-flight request's mailbox.
type resultListener struct {
	ch chan callResult
}

// InitChannelHandler is invoked on the accepting side when the peer sends
// its init_client_channel handshake; it brings up the local service proxy
// back toward the caller and names this zone's root object.
type InitChannelHandler func(ctx context.Context, cm *ChannelManager,
	msg *zrshare.InitClientChannelSend) *zrshare.InitClientChannelResponse

// ChannelManager multiplexes the zone-graph RPC protocol over one stream
// connection. Outbound requests register a waiter under a fresh sequence
// number before the frame is written; the receive pump routes responses back
// by sequence number and dispatches inbound requests into the service on
// their own goroutines so re-entrant cross-zone calls cannot starve the
// pump. One-way messages use sequence 0 and never register a waiter.
type ChannelManager struct {
	zrshare.ShutdownHelper

	settings Settings
	conn     Conn
	service  *zrshare.Service

	onInitChannel InitChannelHandler

	sequenceNumber atomic.Uint64

	pendingMtx       sync.Mutex
	pendingTransmits map[uint64]*resultListener

	sendMtx sync.Mutex

	// the two halves of the symmetric close handshake; teardown completes
	// when both are set
	cancelSent         atomic.Bool
	peerCancelReceived atomic.Bool

	proxyRefs atomic.Int64
}

// NewChannelManager wraps an established connection. Call Start to launch
// the receive pump.
func NewChannelManager(logger zrshare.Logger, settings Settings, conn Conn,
	service *zrshare.Service, onInitChannel InitChannelHandler) *ChannelManager {

	cm := &ChannelManager{
		settings:         settings.withDefaults(),
		conn:             conn,
		service:          service,
		onInitChannel:    onInitChannel,
		pendingTransmits: make(map[uint64]*resultListener),
	}
	cm.InitShutdownHelper(logger.Fork("chan(zone %d)", service.ZoneID()), cm)
	cm.PanicOnError(cm.Activate())
	return cm
}

// HandleOnceShutdown closes the connection and dooms every pending waiter.
func (cm *ChannelManager) HandleOnceShutdown(completionErr error) error {
	_ = cm.conn.Close()
	cm.failPending(errors.Wrap(zrshare.ErrCallCancelled, "channel shut down"))
	return completionErr
}

// Service returns the service this channel delivers into
func (cm *ChannelManager) Service() *zrshare.Service { return cm.service }

// Start launches the receive pump. It returns immediately; the pump runs
// until the connection dies or the close handshake completes.
func (cm *ChannelManager) Start() {
	cm.ShutdownWG().Add(1)
	go func() {
		defer cm.ShutdownWG().Done()
		err := cm.receivePump()
		cm.DLogf("receive pump exited: %v", err)
		cm.failPending(errors.Wrap(zrshare.ErrCallCancelled, "connection closed"))
		cm.StartShutdown(err)
	}()
}

// AttachServiceProxy counts a service proxy riding this channel.
func (cm *ChannelManager) AttachServiceProxy() {
	cm.proxyRefs.Inc()
}

// DetachServiceProxy drops a rider; the last one out runs the cooperative
// close handshake unless the peer already initiated it.
func (cm *ChannelManager) DetachServiceProxy(ctx context.Context) {
	if cm.proxyRefs.Dec() != 0 {
		return
	}
	if !cm.peerCancelReceived.Load() {
		cm.CloseConnection(ctx)
	} else {
		cm.StartShutdown(nil)
	}
}

// CloseConnection runs the initiator side of the close handshake: post
// close_connection_send, wait for the peer's acknowledgment, then drop the
// connection.
func (cm *ChannelManager) CloseConnection(ctx context.Context) {
	if cm.cancelSent.Swap(true) {
		cm.WaitShutdown()
		return
	}
	var ack zrshare.CloseConnectionReceived
	if err := cm.CallPeer(ctx, zrshare.HighestSupportedVersion, &zrshare.CloseConnectionSend{}, &ack); err != nil {
		// the other side is already gone; treat the handshake as complete
		cm.peerCancelReceived.Store(true)
	}
	cm.StartShutdown(nil)
	cm.WaitShutdown()
}

// failPending resolves every outstanding waiter with err.
func (cm *ChannelManager) failPending(err error) {
	cm.pendingMtx.Lock()
	pending := cm.pendingTransmits
	cm.pendingTransmits = make(map[uint64]*resultListener)
	cm.pendingMtx.Unlock()
	for _, l := range pending {
		l.ch <- callResult{err: err}
	}
}

// sendEnvelope frames and writes one message.
func (cm *ChannelManager) sendEnvelope(version uint64, direction zrshare.MessageDirection,
	sequenceNumber uint64, payload zrshare.Payload) error {

	body, err := zrshare.Marshal(zrshare.EncodingCompactBinary, payload)
	if err != nil {
		return err
	}
	envPayload := zrshare.MarshalEnvelopePayload(zrshare.EnvelopePayload{
		PayloadFingerprint: zrshare.FingerprintOf(payload, version),
		Payload:            body,
	})
	prefix := zrshare.MarshalPrefix(zrshare.EnvelopePrefix{
		Version:        version,
		Direction:      direction,
		SequenceNumber: sequenceNumber,
		PayloadSize:    uint64(len(envPayload)),
	})

	frame := make([]byte, 0, len(prefix)+len(envPayload))
	frame = append(frame, prefix...)
	frame = append(frame, envPayload...)

	cm.sendMtx.Lock()
	defer cm.sendMtx.Unlock()
	if cm.settings.WriteTimeout > 0 {
		_ = cm.conn.SetWriteDeadline(time.Now().Add(cm.settings.WriteTimeout))
	}
	if _, err := cm.conn.Write(frame); err != nil {
		return errors.Wrapf(zrshare.ErrTransportError, "frame write failed: %v", err)
	}
	return nil
}

// SendOneWay writes a message that never has a reply.
func (cm *ChannelManager) SendOneWay(version uint64, payload zrshare.Payload) error {
	return cm.sendEnvelope(version, zrshare.DirectionOneWay, 0, payload)
}

// CallPeer sends a request and blocks until its response, a timeout, ctx
// cancellation, or channel doom. The waiter is registered before the write
// so a fast peer cannot win the race.
func (cm *ChannelManager) CallPeer(ctx context.Context, version uint64,
	send zrshare.Payload, recv zrshare.Payload) error {

	sequenceNumber := cm.sequenceNumber.Inc()
	listener := &resultListener{ch: make(chan callResult, 1)}

	cm.pendingMtx.Lock()
	cm.pendingTransmits[sequenceNumber] = listener
	cm.pendingMtx.Unlock()

	erase := func() {
		cm.pendingMtx.Lock()
		delete(cm.pendingTransmits, sequenceNumber)
		cm.pendingMtx.Unlock()
	}

	if err := cm.sendEnvelope(version, zrshare.DirectionSend, sequenceNumber, send); err != nil {
		erase()
		return err
	}

	timeout := cm.settings.CallTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-listener.ch:
		if res.err != nil {
			return res.err
		}
		if got, want := res.payload.PayloadFingerprint, zrshare.FingerprintOf(recv, res.prefix.Version); got != want {
			return errors.Wrapf(zrshare.ErrTransportError,
				"reply fingerprint %#x does not match expected %s", got, recv.PayloadName())
		}
		return zrshare.Unmarshal(zrshare.EncodingCompactBinary, res.payload.Payload, recv)
	case <-timer.C:
		erase()
		return errors.Wrapf(zrshare.ErrTransportError, "no reply to %s within %s", send.PayloadName(), timeout)
	case <-ctx.Done():
		erase()
		return errors.Wrap(zrshare.ErrCallCancelled, ctx.Err().Error())
	}
}

// readFrame reads one prefix+payload pair.
func (cm *ChannelManager) readFrame() (zrshare.EnvelopePrefix, zrshare.EnvelopePayload, error) {
	var zeroPrefix zrshare.EnvelopePrefix
	prefixBuf := make([]byte, zrshare.EnvelopePrefixSize)
	if _, err := io.ReadFull(cm.conn, prefixBuf); err != nil {
		return zeroPrefix, zrshare.EnvelopePayload{}, errors.Wrapf(zrshare.ErrTransportError, "prefix read failed: %v", err)
	}
	prefix, err := zrshare.UnmarshalPrefix(prefixBuf)
	if err != nil {
		return zeroPrefix, zrshare.EnvelopePayload{}, err
	}
	if prefix.PayloadSize > cm.settings.MaxFrameSize {
		return zeroPrefix, zrshare.EnvelopePayload{}, errors.Wrapf(zrshare.ErrTransportError,
			"peer announced %d byte frame, limit is %d", prefix.PayloadSize, cm.settings.MaxFrameSize)
	}
	payloadBuf := make([]byte, prefix.PayloadSize)
	if _, err := io.ReadFull(cm.conn, payloadBuf); err != nil {
		return zeroPrefix, zrshare.EnvelopePayload{}, errors.Wrapf(zrshare.ErrTransportError, "payload read failed: %v", err)
	}
	payload, err := zrshare.UnmarshalEnvelopePayload(payloadBuf)
	if err != nil {
		return zeroPrefix, zrshare.EnvelopePayload{}, err
	}
	return prefix, payload, nil
}

// receivePump reads frames until the connection dies, dispatching inbound
// requests and waking pending waiters.
func (cm *ChannelManager) receivePump() error {
	for {
		prefix, payload, err := cm.readFrame()
		if err != nil {
			return err
		}
		if prefix.Direction == zrshare.DirectionReceive {
			cm.deliverResponse(prefix, payload)
			continue
		}
		cm.dispatchRequest(prefix, payload)
	}
}

func (cm *ChannelManager) deliverResponse(prefix zrshare.EnvelopePrefix, payload zrshare.EnvelopePayload) {
	cm.pendingMtx.Lock()
	listener := cm.pendingTransmits[prefix.SequenceNumber]
	delete(cm.pendingTransmits, prefix.SequenceNumber)
	cm.pendingMtx.Unlock()
	if listener == nil {
		cm.WLogf("reply for unknown sequence number %d dropped", prefix.SequenceNumber)
		return
	}
	listener.ch <- callResult{prefix: prefix, payload: payload}
}

// dispatchRequest routes an inbound request by payload fingerprint. Stub
// work runs on its own goroutine; the close handshake is handled inline so
// teardown cannot deadlock behind slow dispatch.
func (cm *ChannelManager) dispatchRequest(prefix zrshare.EnvelopePrefix, payload zrshare.EnvelopePayload) {
	fp := func(p zrshare.Payload) uint64 { return zrshare.FingerprintOf(p, prefix.Version) }

	switch payload.PayloadFingerprint {
	case fp(&zrshare.CallSend{}):
		go cm.stubHandleSend(prefix, payload)
	case fp(&zrshare.PostSend{}):
		go cm.stubHandlePost(prefix, payload)
	case fp(&zrshare.TryCastSend{}):
		go cm.stubHandleTryCast(prefix, payload)
	case fp(&zrshare.AddRefSend{}):
		go cm.stubHandleAddRef(prefix, payload)
	case fp(&zrshare.ReleaseSend{}):
		go cm.stubHandleRelease(prefix, payload)
	case fp(&zrshare.InitClientChannelSend{}):
		go cm.handleInitChannel(prefix, payload)
	case fp(&zrshare.CloseConnectionSend{}):
		cm.peerCancelReceived.Store(true)
		if err := cm.sendEnvelope(prefix.Version, zrshare.DirectionReceive, prefix.SequenceNumber,
			&zrshare.CloseConnectionReceived{}); err != nil {
			cm.DLogf("close acknowledgment failed: %s", err)
		}
	default:
		cm.WLogf("unknown payload fingerprint %#x at version %d dropped", payload.PayloadFingerprint, prefix.Version)
	}
}

func (cm *ChannelManager) respond(prefix zrshare.EnvelopePrefix, payload zrshare.Payload) {
	if prefix.Direction == zrshare.DirectionOneWay {
		return
	}
	if err := cm.sendEnvelope(prefix.Version, zrshare.DirectionReceive, prefix.SequenceNumber, payload); err != nil {
		cm.DLogf("response write failed: %s", err)
	}
}

func (cm *ChannelManager) dispatchCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cm.settings.CallTimeout)
}

func (cm *ChannelManager) stubHandleSend(prefix zrshare.EnvelopePrefix, payload zrshare.EnvelopePayload) {
	var msg zrshare.CallSend
	if err := zrshare.Unmarshal(zrshare.EncodingCompactBinary, payload.Payload, &msg); err != nil {
		cm.respond(prefix, &zrshare.CallReceive{ErrCode: zrshare.CodeInvalidData})
		return
	}
	ctx, cancel := cm.dispatchCtx()
	defer cancel()
	outBuf, _, err := cm.service.Send(ctx, prefix.Version, msg.Encoding, msg.Tag,
		msg.CallerChannelZoneID, msg.CallerZoneID, msg.DestinationZoneID,
		msg.ObjectID, msg.InterfaceID, msg.MethodID, msg.Payload, nil)
	cm.respond(prefix, &zrshare.CallReceive{Payload: outBuf, ErrCode: zrshare.CodeOf(err)})
}

func (cm *ChannelManager) stubHandlePost(prefix zrshare.EnvelopePrefix, payload zrshare.EnvelopePayload) {
	var msg zrshare.PostSend
	if err := zrshare.Unmarshal(zrshare.EncodingCompactBinary, payload.Payload, &msg); err != nil {
		cm.DLogf("malformed post dropped: %s", err)
		return
	}
	ctx, cancel := cm.dispatchCtx()
	defer cancel()
	if err := cm.service.Post(ctx, prefix.Version, msg.Encoding, msg.Tag,
		msg.CallerChannelZoneID, msg.CallerZoneID, msg.DestinationZoneID,
		msg.ObjectID, msg.InterfaceID, msg.MethodID, msg.Options, msg.Payload, nil); err != nil {
		cm.DLogf("post dispatch failed: %s", err)
	}
}

func (cm *ChannelManager) stubHandleTryCast(prefix zrshare.EnvelopePrefix, payload zrshare.EnvelopePayload) {
	var msg zrshare.TryCastSend
	if err := zrshare.Unmarshal(zrshare.EncodingCompactBinary, payload.Payload, &msg); err != nil {
		cm.respond(prefix, &zrshare.TryCastReceive{ErrCode: zrshare.CodeInvalidData})
		return
	}
	ctx, cancel := cm.dispatchCtx()
	defer cancel()
	_, err := cm.service.TryCast(ctx, prefix.Version, msg.DestinationZoneID, msg.ObjectID, msg.InterfaceID, nil)
	cm.respond(prefix, &zrshare.TryCastReceive{ErrCode: zrshare.CodeOf(err)})
}

func (cm *ChannelManager) stubHandleAddRef(prefix zrshare.EnvelopePrefix, payload zrshare.EnvelopePayload) {
	var msg zrshare.AddRefSend
	if err := zrshare.Unmarshal(zrshare.EncodingCompactBinary, payload.Payload, &msg); err != nil {
		cm.respond(prefix, &zrshare.AddRefReceive{ErrCode: zrshare.CodeInvalidData})
		return
	}
	ctx, cancel := cm.dispatchCtx()
	defer cancel()
	count, _, err := cm.service.AddRef(ctx, prefix.Version, msg.DestinationChannelZoneID,
		msg.DestinationZoneID, msg.ObjectID, msg.CallerChannelZoneID, msg.CallerZoneID,
		msg.KnownDirectionZoneID, zrshare.AddRefOptions(msg.BuildOutParamChannel), nil)
	cm.respond(prefix, &zrshare.AddRefReceive{RefCount: count, ErrCode: zrshare.CodeOf(err)})
}

func (cm *ChannelManager) stubHandleRelease(prefix zrshare.EnvelopePrefix, payload zrshare.EnvelopePayload) {
	var msg zrshare.ReleaseSend
	if err := zrshare.Unmarshal(zrshare.EncodingCompactBinary, payload.Payload, &msg); err != nil {
		cm.respond(prefix, &zrshare.ReleaseReceive{ErrCode: zrshare.CodeInvalidData})
		return
	}
	ctx, cancel := cm.dispatchCtx()
	defer cancel()
	count, _, err := cm.service.Release(ctx, prefix.Version, msg.DestinationZoneID,
		msg.ObjectID, msg.CallerZoneID, zrshare.ReleaseOptions(msg.Options), nil)
	cm.respond(prefix, &zrshare.ReleaseReceive{RefCount: count, ErrCode: zrshare.CodeOf(err)})
}

func (cm *ChannelManager) handleInitChannel(prefix zrshare.EnvelopePrefix, payload zrshare.EnvelopePayload) {
	var msg zrshare.InitClientChannelSend
	if err := zrshare.Unmarshal(zrshare.EncodingCompactBinary, payload.Payload, &msg); err != nil {
		cm.respond(prefix, &zrshare.InitClientChannelResponse{ErrCode: zrshare.CodeInvalidData})
		return
	}
	if cm.onInitChannel == nil {
		cm.respond(prefix, &zrshare.InitClientChannelResponse{ErrCode: zrshare.CodeZoneNotSupported})
		return
	}
	ctx, cancel := cm.dispatchCtx()
	defer cancel()
	cm.respond(prefix, cm.onInitChannel(ctx, cm, &msg))
}
