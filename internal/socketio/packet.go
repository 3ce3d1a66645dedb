// Package socketio is a small Socket.IO v5 client over Engine.IO v4, limited
// to what the chat namespace needs: WebSocket transport only, namespace
// connect with an auth payload, text events and heartbeats. Binary packets
// and acknowledgement callbacks are not supported.
package socketio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Engine.IO packet types, the first byte of every frame.
const (
	EngineOpen    byte = '0'
	EngineClose   byte = '1'
	EnginePing    byte = '2'
	EnginePong    byte = '3'
	EngineMessage byte = '4'
	EngineUpgrade byte = '5'
	EngineNoop    byte = '6'
)

// PacketType is the Socket.IO packet type carried inside an Engine.IO message.
type PacketType byte

const (
	PacketConnect      PacketType = '0'
	PacketDisconnect   PacketType = '1'
	PacketEvent        PacketType = '2'
	PacketAck          PacketType = '3'
	PacketConnectError PacketType = '4'
	PacketBinaryEvent  PacketType = '5'
	PacketBinaryAck    PacketType = '6'
)

func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "CONNECT"
	case PacketDisconnect:
		return "DISCONNECT"
	case PacketEvent:
		return "EVENT"
	case PacketAck:
		return "ACK"
	case PacketConnectError:
		return "CONNECT_ERROR"
	case PacketBinaryEvent:
		return "BINARY_EVENT"
	case PacketBinaryAck:
		return "BINARY_ACK"
	}
	return fmt.Sprintf("PacketType(%c)", byte(t))
}

// ErrBadPacket is returned for frames that do not parse.
var ErrBadPacket = errors.New("socketio: malformed packet")

// Packet is a decoded Socket.IO packet. ID is -1 when no ack id is present.
type Packet struct {
	Type      PacketType
	Namespace string
	ID        int
	Data      json.RawMessage
}

// OpenInfo is the Engine.IO handshake payload. Intervals are in milliseconds.
type OpenInfo struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// Encode renders p as an Engine.IO message frame ("4" prefix included).
func Encode(p Packet) string {
	var b strings.Builder
	b.WriteByte(EngineMessage)
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != "/" {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.ID >= 0 {
		b.WriteString(strconv.Itoa(p.ID))
	}
	b.Write(p.Data)
	return b.String()
}

// EncodeEvent builds an EVENT frame for name with args in namespace ns.
func EncodeEvent(ns, name string, args ...any) (string, error) {
	arr := make([]any, 0, len(args)+1)
	arr = append(arr, name)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return "", fmt.Errorf("socketio: encode %s: %w", name, err)
	}
	return Encode(Packet{Type: PacketEvent, Namespace: ns, ID: -1, Data: data}), nil
}

// Decode parses the Socket.IO part of an Engine.IO message, i.e. the frame
// with its leading '4' already removed.
func Decode(s string) (Packet, error) {
	p := Packet{Namespace: "/", ID: -1}
	if s == "" {
		return p, ErrBadPacket
	}
	p.Type = PacketType(s[0])
	if p.Type < PacketConnect || p.Type > PacketBinaryAck {
		return p, fmt.Errorf("%w: unknown type %q", ErrBadPacket, s[0])
	}
	s = s[1:]

	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		return p, fmt.Errorf("%w: binary packets are not supported", ErrBadPacket)
	}

	if strings.HasPrefix(s, "/") {
		i := strings.IndexByte(s, ',')
		if i < 0 {
			p.Namespace, s = s, ""
		} else {
			p.Namespace, s = s[:i], s[i+1:]
		}
	}

	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n > 0 {
		id, err := strconv.Atoi(s[:n])
		if err != nil {
			return p, fmt.Errorf("%w: ack id: %v", ErrBadPacket, err)
		}
		p.ID = id
		s = s[n:]
	}

	if s != "" {
		if !json.Valid([]byte(s)) {
			return p, fmt.Errorf("%w: payload is not JSON", ErrBadPacket)
		}
		p.Data = json.RawMessage(s)
	}
	return p, nil
}

// Event splits an EVENT packet into its name and arguments.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != PacketEvent {
		return "", nil, fmt.Errorf("socketio: %s is not an event", p.Type)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(p.Data, &arr); err != nil || len(arr) == 0 {
		return "", nil, fmt.Errorf("%w: event payload", ErrBadPacket)
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name", ErrBadPacket)
	}
	return name, arr[1:], nil
}
