package chatsync

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/internal/socketio"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// Inbound event names on the chat namespace.
const (
	EventOnlineUsers       = "online:users"
	EventTyping            = "typing"
	EventNewMessage        = "newMessage"
	EventParticipantsAdded = "participantsAdded"
)

// Outbound event names.
const (
	EmitJoinRoom        = "joinRoom"
	EmitLeaveRoom       = "leaveRoom"
	EmitSendMessage     = "sendMessage"
	EmitTypingEvent     = "typing"
	EmitAddParticipants = "addParticipants"
)

// TypingPayload is sent when a user types in a room.
type TypingPayload struct {
	ChatID   string `json:"chatId"`
	UserName string `json:"userName"`
}

// ParticipantsAddedPayload is sent to members when a group grows.
type ParticipantsAddedPayload struct {
	RoomID       string   `json:"roomId"`
	AddedUserIDs []string `json:"addedUserIds"`
	AddedBy      string   `json:"addedBy"`
	Participants []User   `json:"participants,omitempty"`
}

// SendMessagePayload is the sendMessage emit.
type SendMessagePayload struct {
	ChatID   string  `json:"chatId"`
	Content  string  `json:"content"`
	Image    *string `json:"image,omitempty"`
	ClientID string  `json:"clientId,omitempty"`
}

type typingEmit struct {
	ChatID string `json:"chatId"`
}

type addParticipantsEmit struct {
	RoomID  string   `json:"roomId"`
	UserIDs []string `json:"userIds"`
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler receives any event by name with its raw arguments.
type RealtimeEventHandler func(name string, args []json.RawMessage)

// dispatcher fans inbound events out to typed handlers. Handlers run on the
// read goroutine in arrival order; a panicking handler is logged and skipped.
type dispatcher struct {
	log zerolog.Logger

	mu                  sync.RWMutex
	generic             map[string][]RealtimeEventHandler
	onOnlineUsers       []func([]string)
	onTyping            []func(TypingPayload)
	onNewMessage        []func(Message)
	onParticipantsAdded []func(ParticipantsAddedPayload)
	onConnected         []func()
	onDisconnected      []func(error)
	onReconnecting      []func(int, time.Duration)
}

func newDispatcher(log zerolog.Logger) *dispatcher {
	return &dispatcher{
		log:     log,
		generic: make(map[string][]RealtimeEventHandler),
	}
}

// handlerSet is a snapshot of the registered handlers, taken so handlers run
// without the dispatcher lock and may register further handlers.
type handlerSet struct {
	onlineUsers       []func([]string)
	typing            []func(TypingPayload)
	newMessage        []func(Message)
	participantsAdded []func(ParticipantsAddedPayload)
	generic           []RealtimeEventHandler
}

func (d *dispatcher) snapshot(name string) handlerSet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return handlerSet{
		onlineUsers:       append([]func([]string){}, d.onOnlineUsers...),
		typing:            append([]func(TypingPayload){}, d.onTyping...),
		newMessage:        append([]func(Message){}, d.onNewMessage...),
		participantsAdded: append([]func(ParticipantsAddedPayload){}, d.onParticipantsAdded...),
		generic:           append([]RealtimeEventHandler{}, d.generic[name]...),
	}
}

func (d *dispatcher) dispatch(ev socketio.Event) {
	hs := d.snapshot(ev.Name)

	var arg json.RawMessage
	if len(ev.Args) > 0 {
		arg = ev.Args[0]
	}

	switch ev.Name {
	case EventOnlineUsers:
		var users []string
		if d.decode(ev.Name, arg, &users) {
			for _, h := range hs.onlineUsers {
				d.call(ev.Name, func() { h(users) })
			}
		}
	case EventTyping:
		var p TypingPayload
		if d.decode(ev.Name, arg, &p) {
			for _, h := range hs.typing {
				d.call(ev.Name, func() { h(p) })
			}
		}
	case EventNewMessage:
		var m Message
		if d.decode(ev.Name, arg, &m) {
			for _, h := range hs.newMessage {
				d.call(ev.Name, func() { h(m) })
			}
		}
	case EventParticipantsAdded:
		var p ParticipantsAddedPayload
		if d.decode(ev.Name, arg, &p) {
			for _, h := range hs.participantsAdded {
				d.call(ev.Name, func() { h(p) })
			}
		}
	}

	for _, h := range hs.generic {
		d.call(ev.Name, func() { h(ev.Name, ev.Args) })
	}
}

func (d *dispatcher) decode(name string, arg json.RawMessage, v any) bool {
	if len(arg) == 0 {
		d.log.Warn().Str("event", name).Msg("event without payload")
		return false
	}
	if err := json.Unmarshal(arg, v); err != nil {
		d.log.Warn().Err(err).Str("event", name).Msg("undecodable event payload")
		return false
	}
	return true
}

func (d *dispatcher) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("event", name).Msg("realtime handler panicked")
		}
	}()
	fn()
}

func (d *dispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call("connected", h)
	}
}

func (d *dispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call("disconnected", func() { h(err) })
	}
}

func (d *dispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call("reconnecting", func() { h(attempt, delay) })
	}
}
