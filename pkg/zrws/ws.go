// Package zrws carries the zone-graph RPC protocol over WebSockets: each
// wire envelope rides in one binary WebSocket message, reusing the zrtcp
// channel manager for multiplexing, dispatch, and the close handshake.
// Useful when zones peer across infrastructure that only passes HTTP.
package zrws

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/sammck-go/zonerpc/pkg/zrtcp"
	zrshare "github.com/sammck-go/zonerpc/share"
)

// wsConn adapts a websocket.Conn to the stream interface the channel
// manager frames onto. Reads drain binary messages in order; writes emit
// one message per Write call, which is exactly one envelope frame.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// DialSettings tune the connecting side.
type DialSettings struct {
	// Channel tunes the channel manager riding the socket
	Channel zrtcp.Settings `yaml:"channel"`

	// MaxRetries bounds dial attempts; 0 means a single attempt
	MaxRetries int `yaml:"max_retries"`

	// RetryMin and RetryMax bound the jittered retry backoff
	RetryMin time.Duration `yaml:"retry_min"`
	RetryMax time.Duration `yaml:"retry_max"`
}

func (s DialSettings) withDefaults() DialSettings {
	if s.RetryMin == 0 {
		s.RetryMin = 100 * time.Millisecond
	}
	if s.RetryMax == 0 {
		s.RetryMax = 5 * time.Second
	}
	return s
}

// dial connects with jittered exponential backoff.
func dial(ctx context.Context, url string, settings DialSettings) (*websocket.Conn, error) {
	b := &backoff.Backoff{
		Min:    settings.RetryMin,
		Max:    settings.RetryMax,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt <= settings.MaxRetries; attempt++ {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return nil, lastErr
}

// NewServiceProxyFactory dials the WebSocket URL for each new proxy and
// rides a channel manager over the socket.
func NewServiceProxyFactory(logger zrshare.Logger, settings DialSettings, url string) zrshare.ServiceProxyFactory {
	settings = settings.withDefaults()
	return func(name string, destinationZoneID zrshare.DestinationZone, svc *zrshare.Service) (*zrshare.ServiceProxy, error) {
		ctx, cancel := context.WithTimeout(context.Background(), settings.Channel.DialTimeout+time.Duration(settings.MaxRetries+1)*settings.RetryMax)
		defer cancel()
		ws, err := dial(ctx, url, settings)
		if err != nil {
			return nil, errors.Wrapf(zrshare.ErrTransportError, "websocket dial %s failed: %v", url, err)
		}
		cm := zrtcp.NewChannelManager(logger, settings.Channel, &wsConn{ws: ws}, svc, nil)
		cm.Start()
		return zrshare.NewServiceProxy(name, destinationZoneID, svc, zrtcp.NewClientChannel(cm, destinationZoneID)), nil
	}
}

// Handler returns an http.Handler that upgrades each request to a WebSocket
// channel for the service, attaching connecting zones with fn.
func Handler(logger zrshare.Logger, settings zrtcp.Settings, service *zrshare.Service,
	fn zrshare.AttachRemoteZoneFunc) http.Handler {

	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WLogf("websocket upgrade failed: %s", err)
			return
		}
		cm := zrtcp.NewChannelManager(logger, settings, &wsConn{ws: ws}, service,
			zrtcp.AttachInitChannelHandler(service, fn))
		cm.Start()
	})
}
