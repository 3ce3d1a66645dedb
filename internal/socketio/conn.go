package socketio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"nhooyr.io/websocket"
)

var (
	// ErrConnectRejected is returned when the server answers the namespace
	// connect with CONNECT_ERROR.
	ErrConnectRejected = errors.New("socketio: namespace connect rejected")
	// ErrServerClosed is returned by ReadEvent when the server closes the
	// session or disconnects the namespace.
	ErrServerClosed = errors.New("socketio: server closed the session")
)

const defaultReadLimit = 1 << 20

// Options configures Dial.
type Options struct {
	// URL is the server base URL (http, https, ws or wss).
	URL string
	// Path defaults to /socket.io/.
	Path string
	// Namespace defaults to "/".
	Namespace string
	// Auth is sent as the namespace CONNECT payload.
	Auth       any
	Header     http.Header
	HTTPClient *http.Client
}

// Event is an inbound event on the connected namespace.
type Event struct {
	Name string
	Args []json.RawMessage
}

// Conn is one connected Socket.IO namespace on one Engine.IO session.
type Conn struct {
	ws        *websocket.Conn
	namespace string
	sid       string
	open      OpenInfo
}

// EndpointURL builds the Engine.IO WebSocket endpoint for base and path.
func EndpointURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("socketio: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("socketio: unsupported scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/socket.io/"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the Engine.IO session and connects the namespace. The returned
// Conn has completed both handshakes.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	endpoint, err := EndpointURL(opts.URL, opts.Path)
	if err != nil {
		return nil, err
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "/"
	}

	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: opts.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("socketio: dial: %w", err)
	}
	ws.SetReadLimit(defaultReadLimit)

	c := &Conn{ws: ws, namespace: ns}
	if err := c.handshake(ctx, opts.Auth); err != nil {
		ws.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, auth any) error {
	frame, err := c.readFrame(ctx)
	if err != nil {
		return fmt.Errorf("socketio: read open: %w", err)
	}
	if frame == "" || frame[0] != EngineOpen {
		return fmt.Errorf("%w: expected open, got %q", ErrBadPacket, frame)
	}
	if err := json.Unmarshal([]byte(frame[1:]), &c.open); err != nil {
		return fmt.Errorf("%w: open payload: %v", ErrBadPacket, err)
	}
	if c.open.MaxPayload > defaultReadLimit {
		c.ws.SetReadLimit(int64(c.open.MaxPayload))
	}

	connect := Packet{Type: PacketConnect, Namespace: c.namespace, ID: -1}
	if auth != nil {
		data, err := json.Marshal(auth)
		if err != nil {
			return fmt.Errorf("socketio: encode auth: %w", err)
		}
		connect.Data = data
	}
	if err := c.writeFrame(ctx, Encode(connect)); err != nil {
		return fmt.Errorf("socketio: send connect: %w", err)
	}

	for {
		frame, err := c.readFrame(ctx)
		if err != nil {
			return fmt.Errorf("socketio: read connect ack: %w", err)
		}
		switch frame[0] {
		case EnginePing:
			if err := c.writeFrame(ctx, string(EnginePong)); err != nil {
				return err
			}
			continue
		case EngineClose:
			return ErrServerClosed
		case EngineMessage:
		default:
			continue
		}

		p, err := Decode(frame[1:])
		if err != nil {
			return err
		}
		if p.Namespace != c.namespace {
			continue
		}
		switch p.Type {
		case PacketConnect:
			var ack struct {
				SID string `json:"sid"`
			}
			_ = json.Unmarshal(p.Data, &ack)
			c.sid = ack.SID
			return nil
		case PacketConnectError:
			var cerr struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(p.Data, &cerr) == nil && cerr.Message != "" {
				return fmt.Errorf("%w: %s", ErrConnectRejected, cerr.Message)
			}
			return ErrConnectRejected
		}
	}
}

// SID returns the namespace session id assigned by the server.
func (c *Conn) SID() string { return c.sid }

// Namespace returns the connected namespace.
func (c *Conn) Namespace() string { return c.namespace }

// HeartbeatTimeout is how long the connection may stay silent before it is
// considered dead: pingInterval + pingTimeout from the handshake.
func (c *Conn) HeartbeatTimeout() time.Duration {
	return time.Duration(c.open.PingInterval+c.open.PingTimeout) * time.Millisecond
}

// Emit sends an event on the namespace. Safe for concurrent use.
func (c *Conn) Emit(ctx context.Context, name string, args ...any) error {
	frame, err := EncodeEvent(c.namespace, name, args...)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, frame)
}

// ReadEvent blocks until the next event on the namespace. Engine.IO pings are
// answered here, so callers must keep reading for the session to stay alive.
// If nothing arrives within HeartbeatTimeout the connection is closed.
func (c *Conn) ReadEvent(ctx context.Context) (Event, error) {
	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if hb := c.HeartbeatTimeout(); hb > 0 {
			readCtx, cancel = context.WithTimeout(ctx, hb)
		}
		frame, err := c.readFrame(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && readCtx.Err() != nil {
				return Event{}, fmt.Errorf("socketio: heartbeat timeout after %s", c.HeartbeatTimeout())
			}
			return Event{}, err
		}

		switch frame[0] {
		case EnginePing:
			if err := c.writeFrame(ctx, string(EnginePong)+frame[1:]); err != nil {
				return Event{}, err
			}
			continue
		case EngineClose:
			return Event{}, ErrServerClosed
		case EngineMessage:
		default:
			continue
		}

		p, err := Decode(frame[1:])
		if err != nil {
			// one bad frame does not kill the session
			continue
		}
		if p.Namespace != c.namespace {
			continue
		}
		switch p.Type {
		case PacketDisconnect:
			return Event{}, ErrServerClosed
		case PacketEvent:
			name, args, err := p.Event()
			if err != nil {
				continue
			}
			return Event{Name: name, Args: args}, nil
		}
	}
}

// Close disconnects the namespace and closes the WebSocket.
func (c *Conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.writeFrame(ctx, Encode(Packet{Type: PacketDisconnect, Namespace: c.namespace, ID: -1}))
	return c.ws.Close(websocket.StatusNormalClosure, "client disconnect")
}

func (c *Conn) readFrame(ctx context.Context) (string, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return "", err
		}
		if typ != websocket.MessageText || len(data) == 0 {
			continue
		}
		return string(data), nil
	}
}

func (c *Conn) writeFrame(ctx context.Context, frame string) error {
	return c.ws.Write(ctx, websocket.MessageText, []byte(frame))
}
