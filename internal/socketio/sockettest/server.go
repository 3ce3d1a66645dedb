// Package sockettest provides an in-process Socket.IO server for tests, in the
// spirit of net/http/httptest. It speaks just enough of the protocol to drive
// internal/socketio clients: handshake, events, pings and forced drops.
package sockettest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/LuminPulse-AI/chatsync/internal/socketio"
)

// Received is an event a client emitted to the server.
type Received struct {
	SID  string
	Name string
	Args []json.RawMessage
}

// Arg decodes argument i into v.
func (r Received) Arg(i int, v any) error {
	if i >= len(r.Args) {
		return fmt.Errorf("sockettest: event %s has %d args", r.Name, len(r.Args))
	}
	return json.Unmarshal(r.Args[i], v)
}

// Server is a Socket.IO server bound to one namespace.
type Server struct {
	*httptest.Server

	Namespace    string
	PingInterval time.Duration
	PingTimeout  time.Duration
	// Authorize inspects the CONNECT auth payload; a non-nil error is sent
	// back as CONNECT_ERROR.
	Authorize func(auth json.RawMessage) error

	mu       sync.Mutex
	conns    map[string]*websocket.Conn
	auths    []json.RawMessage
	received []Received
	connects int
}

// NewServer starts a server for namespace. Options run before the listener
// starts. Call Close when done.
func NewServer(namespace string, opts ...func(*Server)) *Server {
	s := &Server{
		Namespace:    namespace,
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		conns:        make(map[string]*websocket.Conn),
	}
	for _, o := range opts {
		o(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
		http.NotFound(w, r)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	sid := uuid.NewString()
	open, _ := json.Marshal(socketio.OpenInfo{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: int(s.PingInterval / time.Millisecond),
		PingTimeout:  int(s.PingTimeout / time.Millisecond),
		MaxPayload:   1_000_000,
	})
	if err := ws.Write(ctx, websocket.MessageText, append([]byte{socketio.EngineOpen}, open...)); err != nil {
		return
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			s.forget(sid)
			return
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case socketio.EnginePing:
			_ = ws.Write(ctx, websocket.MessageText, []byte{socketio.EnginePong})
			continue
		case socketio.EngineMessage:
		default:
			continue
		}
		p, err := socketio.Decode(string(data[1:]))
		if err != nil || p.Namespace != s.Namespace {
			continue
		}
		switch p.Type {
		case socketio.PacketConnect:
			if err := s.accept(ctx, ws, sid, p.Data); err != nil {
				return
			}
		case socketio.PacketDisconnect:
			s.forget(sid)
			return
		case socketio.PacketEvent:
			name, args, err := p.Event()
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.received = append(s.received, Received{SID: sid, Name: name, Args: args})
			s.mu.Unlock()
		}
	}
}

func (s *Server) accept(ctx context.Context, ws *websocket.Conn, sid string, auth json.RawMessage) error {
	if s.Authorize != nil {
		if err := s.Authorize(auth); err != nil {
			msg, _ := json.Marshal(map[string]string{"message": err.Error()})
			return ws.Write(ctx, websocket.MessageText, []byte(socketio.Encode(socketio.Packet{
				Type: socketio.PacketConnectError, Namespace: s.Namespace, ID: -1, Data: msg,
			})))
		}
	}
	ack, _ := json.Marshal(map[string]string{"sid": sid})
	s.mu.Lock()
	s.conns[sid] = ws
	s.auths = append(s.auths, auth)
	s.connects++
	s.mu.Unlock()
	return ws.Write(ctx, websocket.MessageText, []byte(socketio.Encode(socketio.Packet{
		Type: socketio.PacketConnect, Namespace: s.Namespace, ID: -1, Data: ack,
	})))
}

func (s *Server) forget(sid string) {
	s.mu.Lock()
	delete(s.conns, sid)
	s.mu.Unlock()
}

// Emit sends an event to every connected client.
func (s *Server) Emit(name string, args ...any) error {
	frame, err := socketio.EncodeEvent(s.Namespace, name, args...)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		errs = append(errs, c.Write(ctx, websocket.MessageText, []byte(frame)))
	}
	return errors.Join(errs...)
}

// Close drops every client and shuts the HTTP server down.
func (s *Server) Close() {
	s.DropAll()
	s.Server.Close()
}

// Ping sends an Engine.IO ping to every connected client.
func (s *Server) Ping() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Write(ctx, websocket.MessageText, []byte{socketio.EnginePing})
	}
}

// DropAll closes every client connection without a Socket.IO disconnect,
// simulating a network failure.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*websocket.Conn)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseNow()
	}
}

// Connected returns the number of live namespace connections.
func (s *Server) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Connects returns how many namespace connects have been accepted in total.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Auths returns the CONNECT payloads of accepted connections, in order.
func (s *Server) Auths() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.auths...)
}

// Received returns all events received so far, optionally filtered by name.
func (s *Server) Received(names ...string) []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(names) == 0 {
		return append([]Received(nil), s.received...)
	}
	var out []Received
	for _, r := range s.received {
		for _, n := range names {
			if r.Name == n {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
