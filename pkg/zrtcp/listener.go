package zrtcp

import (
	"context"
	"net"

	zrshare "github.com/sammck-go/zonerpc/share"
)

// Listener accepts inbound channel connections for a service and attaches
// each connecting zone: the peer's init_client_channel handshake brings up a
// service proxy back toward it, the attach function produces this zone's
// root object, and the root's descriptor is handed back.
type Listener struct {
	zrshare.ShutdownHelper

	settings Settings
	service  *zrshare.Service
	attach   zrshare.AttachRemoteZoneFunc
	ln       net.Listener
}

// NewListener starts accepting on addr. attach produces the root object
// offered to each connecting zone.
func NewListener(logger zrshare.Logger, settings Settings, addr string,
	service *zrshare.Service, attach zrshare.AttachRemoteZoneFunc) (*Listener, error) {

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		settings: settings.withDefaults(),
		service:  service,
		attach:   attach,
		ln:       ln,
	}
	l.InitShutdownHelper(logger.Fork("listener(%s)", ln.Addr()), l)
	l.PanicOnError(l.Activate())

	l.ShutdownWG().Add(1)
	go func() {
		defer l.ShutdownWG().Done()
		l.acceptLoop()
	}()
	return l, nil
}

// Addr returns the bound address
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// HandleOnceShutdown stops accepting.
func (l *Listener) HandleOnceShutdown(completionErr error) error {
	_ = l.ln.Close()
	return completionErr
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !l.IsScheduledShutdown() {
				l.WLogf("accept failed, stopping: %s", err)
				l.StartShutdown(err)
			}
			return
		}
		cm := NewChannelManager(l.Logger, l.settings, conn.(Conn), l.service, l.onInitChannel)
		cm.Start()
	}
}

// onInitChannel services a peer's channel bring-up.
func (l *Listener) onInitChannel(ctx context.Context, cm *ChannelManager,
	msg *zrshare.InitClientChannelSend) *zrshare.InitClientChannelResponse {
	return AttachInitChannelHandler(l.service, l.attach)(ctx, cm, msg)
}

// AttachInitChannelHandler builds the accepting side of the channel
// bring-up handshake: attach the remote zone over a proxy riding the same
// channel manager the request arrived on, and name this zone's root object
// in the response.
func AttachInitChannelHandler(service *zrshare.Service, attach zrshare.AttachRemoteZoneFunc) InitChannelHandler {
	return func(ctx context.Context, cm *ChannelManager,
		msg *zrshare.InitClientChannelSend) *zrshare.InitClientChannelResponse {

		if msg.DestinationZoneID != service.ZoneID().AsDestination() {
			return &zrshare.InitClientChannelResponse{ErrCode: zrshare.CodeZoneNotFound}
		}

		factory := func(name string, destinationZoneID zrshare.DestinationZone, svc *zrshare.Service) (*zrshare.ServiceProxy, error) {
			return zrshare.NewServiceProxy(name, destinationZoneID, svc, NewTransport(cm)), nil
		}

		var inputDescr zrshare.InterfaceDescriptor
		if msg.CallerObjectID.IsSet() {
			inputDescr = zrshare.InterfaceDescriptor{
				ObjectID:          msg.CallerObjectID,
				DestinationZoneID: msg.CallerZoneID.AsDestination(),
			}
		}

		outputDescr, err := service.AttachRemoteZone(ctx, factory, "peer", msg.CallerZoneID, inputDescr, attach)
		if err != nil {
			return &zrshare.InitClientChannelResponse{ErrCode: zrshare.CodeOf(err)}
		}
		return &zrshare.InitClientChannelResponse{
			ErrCode:             zrshare.CodeOK,
			DestinationZoneID:   service.ZoneID().AsDestination(),
			DestinationObjectID: outputDescr.ObjectID,
		}
	}
}
