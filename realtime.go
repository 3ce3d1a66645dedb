package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
	"github.com/LuminPulse-AI/chatsync/internal/metrics"
	"github.com/LuminPulse-AI/chatsync/internal/socketio"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime connection manager.
type RealtimeConfig struct {
	// URL is the chat server base URL; the Engine.IO endpoint is derived
	// from it.
	URL string
	// Path defaults to /socket.io/.
	Path string
	// Namespace defaults to /chat.
	Namespace string
	// MaxReconnectAttempts of 0 retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// TypingEmitInterval is the minimum gap between typing emits per room.
	TypingEmitInterval time.Duration
	DialTimeout        time.Duration
	HTTPClient         *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.Namespace == "" {
		c.Namespace = "/chat"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.TypingEmitInterval == 0 {
		c.TypingEmitInterval = time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 20 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

func (s RealtimeState) gauge() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateReconnecting:
		return 3
	}
	return 0
}

// TokenSource supplies the access token for each (re)connect.
type TokenSource func(ctx context.Context) (string, error)

// ============================================================================
// RealtimeManager
// ============================================================================

// RealtimeManager owns the single Socket.IO connection of a client: connect
// and reconnect with backoff, the joined-room set (re-joined after every
// reconnect), inbound event dispatch and outbound emits.
type RealtimeManager struct {
	config     RealtimeConfig
	tokens     TokenSource
	dispatcher *dispatcher
	log        zerolog.Logger

	mu       sync.Mutex
	state    RealtimeState
	conn     *socketio.Conn
	token    string
	cancelFn context.CancelFunc
	rooms    map[string]struct{}
	typing   map[string]*rate.Limiter
}

// NewRealtimeManager creates a disconnected manager. tokens may be nil, in
// which case the token passed to Connect is reused for reconnects.
func NewRealtimeManager(config RealtimeConfig, tokens TokenSource) *RealtimeManager {
	config.defaults()
	log := logging.WithComponent("realtime")
	return &RealtimeManager{
		config:     config,
		tokens:     tokens,
		dispatcher: newDispatcher(log),
		log:        log,
		state:      StateDisconnected,
		rooms:      make(map[string]struct{}),
		typing:     make(map[string]*rate.Limiter),
	}
}

// OnOnlineUsers registers a handler for the online user list.
func (m *RealtimeManager) OnOnlineUsers(h func(userIDs []string)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onOnlineUsers = append(m.dispatcher.onOnlineUsers, h)
	m.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for typing indicators.
func (m *RealtimeManager) OnTyping(h func(TypingPayload)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onTyping = append(m.dispatcher.onTyping, h)
	m.dispatcher.mu.Unlock()
}

// OnNewMessage registers a handler for new messages.
func (m *RealtimeManager) OnNewMessage(h func(Message)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onNewMessage = append(m.dispatcher.onNewMessage, h)
	m.dispatcher.mu.Unlock()
}

// OnParticipantsAdded registers a handler for group membership changes.
func (m *RealtimeManager) OnParticipantsAdded(h func(ParticipantsAddedPayload)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onParticipantsAdded = append(m.dispatcher.onParticipantsAdded, h)
	m.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event. It fires
// after every successful (re)connect, once joined rooms have been re-joined.
func (m *RealtimeManager) OnConnected(h func()) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onConnected = append(m.dispatcher.onConnected, h)
	m.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event. err is
// nil for an explicit Disconnect.
func (m *RealtimeManager) OnDisconnected(h func(err error)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onDisconnected = append(m.dispatcher.onDisconnected, h)
	m.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (m *RealtimeManager) OnReconnecting(h func(attempt int, delay time.Duration)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onReconnecting = append(m.dispatcher.onReconnecting, h)
	m.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (m *RealtimeManager) On(event string, h RealtimeEventHandler) {
	m.dispatcher.mu.Lock()
	m.dispatcher.generic[event] = append(m.dispatcher.generic[event], h)
	m.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (m *RealtimeManager) State() RealtimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *RealtimeManager) setStateLocked(s RealtimeState) {
	m.state = s
	metrics.RealtimeState.Set(s.gauge())
}

// Rooms returns the joined rooms, sorted.
func (m *RealtimeManager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// Connect dials the server and starts the read loop. It is a no-op while a
// connection exists or is being established. If the first dial fails the
// error is returned and the manager keeps retrying in the background until
// Disconnect.
func (m *RealtimeManager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateConnecting)
	m.token = token
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancelFn = cancel
	m.mu.Unlock()

	recon := newReconnector(&m.config)
	conn, err := m.dial(ctx, token)
	if err != nil {
		m.log.Warn().Err(err).Msg("realtime connect failed")
		go m.run(loopCtx, nil, recon)
		return err
	}
	if !m.established(loopCtx, conn, recon) {
		return nil
	}
	go m.run(loopCtx, conn, recon)
	return nil
}

// Disconnect closes the connection and stops reconnecting. A later Connect
// starts a fresh connection; the joined-room set is kept.
func (m *RealtimeManager) Disconnect() {
	m.mu.Lock()
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	conn := m.conn
	m.conn = nil
	wasDisconnected := m.state == StateDisconnected
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug().Err(err).Msg("close after disconnect")
		}
	}
	if !wasDisconnected {
		m.log.Info().Msg("realtime disconnected")
		m.dispatcher.emitDisconnected(nil)
	}
}

func (m *RealtimeManager) dial(ctx context.Context, token string) (*socketio.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()
	return socketio.Dial(ctx, socketio.Options{
		URL:        m.config.URL,
		Path:       m.config.Path,
		Namespace:  m.config.Namespace,
		Auth:       map[string]string{"token": token},
		HTTPClient: m.config.HTTPClient,
	})
}

// established installs conn unless the loop was cancelled meanwhile, then
// re-joins rooms and fires OnConnected.
func (m *RealtimeManager) established(loopCtx context.Context, conn *socketio.Conn, recon *reconnector) bool {
	m.mu.Lock()
	if loopCtx.Err() != nil {
		m.mu.Unlock()
		conn.Close()
		return false
	}
	m.conn = conn
	m.setStateLocked(StateConnected)
	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	m.mu.Unlock()
	recon.markConnected()

	sort.Strings(rooms)
	for _, id := range rooms {
		if err := conn.Emit(loopCtx, EmitJoinRoom, id); err != nil {
			m.log.Warn().Err(err).Str("room", id).Msg("rejoin failed")
		}
	}
	m.log.Info().Str("sid", conn.SID()).Int("rooms", len(rooms)).Msg("realtime connected")
	m.dispatcher.emitConnected()
	return true
}

// run owns the connection until loopCtx is cancelled: it reads events and,
// when the connection drops, reconnects with backoff.
func (m *RealtimeManager) run(loopCtx context.Context, conn *socketio.Conn, recon *reconnector) {
	for {
		if conn != nil {
			err := m.readLoop(loopCtx, conn)
			if !m.dropped(loopCtx, conn, err) {
				return
			}
			conn = nil
		}

		if !recon.shouldReconnect() {
			m.log.Warn().Int("attempts", recon.attempt).Msg("giving up reconnecting")
			m.giveUp(loopCtx)
			return
		}
		delay := recon.nextDelay()
		m.mu.Lock()
		if loopCtx.Err() != nil {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(StateReconnecting)
		m.mu.Unlock()
		metrics.RealtimeReconnects.Inc()
		m.dispatcher.emitReconnecting(recon.attempt, delay)

		select {
		case <-time.After(delay):
		case <-loopCtx.Done():
			return
		}

		token, err := m.currentToken(loopCtx)
		if errors.Is(err, ErrSessionEnded) {
			m.log.Warn().Err(err).Msg("session ended, not reconnecting")
			m.giveUp(loopCtx)
			return
		}
		if err != nil {
			m.log.Warn().Err(err).Msg("no token for reconnect")
			continue
		}
		next, err := m.dial(loopCtx, token)
		if err != nil {
			m.log.Warn().Err(err).Int("attempt", recon.attempt).Msg("reconnect failed")
			continue
		}
		if !m.established(loopCtx, next, recon) {
			return
		}
		conn = next
	}
}

func (m *RealtimeManager) readLoop(ctx context.Context, conn *socketio.Conn) error {
	for {
		ev, err := conn.ReadEvent(ctx)
		if err != nil {
			return err
		}
		metrics.RealtimeEvents.WithLabelValues(ev.Name).Inc()
		m.dispatcher.dispatch(ev)
	}
}

// dropped clears a connection that failed on its own. It reports false when
// the loop was cancelled by Disconnect instead.
func (m *RealtimeManager) dropped(loopCtx context.Context, conn *socketio.Conn, err error) bool {
	m.mu.Lock()
	if loopCtx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	if m.conn == conn {
		m.conn = nil
	}
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()
	conn.Close()
	m.log.Warn().Err(err).Msg("realtime connection lost")
	m.dispatcher.emitDisconnected(err)
	return true
}

func (m *RealtimeManager) giveUp(loopCtx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loopCtx.Err() != nil {
		return
	}
	m.cancelFn()
	m.cancelFn = nil
	m.setStateLocked(StateDisconnected)
}

func (m *RealtimeManager) currentToken(ctx context.Context) (string, error) {
	if m.tokens == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.token, nil
	}
	return m.tokens(ctx)
}

// ============================================================================
// Rooms and emits
// ============================================================================

func (m *RealtimeManager) emit(ctx context.Context, name string, args ...any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Emit(ctx, name, args...); err != nil {
		return fmt.Errorf("emit %s: %w", name, err)
	}
	return nil
}

// JoinRoom subscribes to a room. Joining twice is a no-op. While
// disconnected the room is remembered and joined on the next connect.
func (m *RealtimeManager) JoinRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if _, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.rooms[roomID] = struct{}{}
	connected := m.conn != nil
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.emit(ctx, EmitJoinRoom, roomID)
}

// LeaveRoom unsubscribes from a room. Leaving a room not joined is a no-op.
func (m *RealtimeManager) LeaveRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if _, ok := m.rooms[roomID]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.rooms, roomID)
	delete(m.typing, roomID)
	connected := m.conn != nil
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.emit(ctx, EmitLeaveRoom, roomID)
}

// EmitSendMessage sends a message over the socket. Delivery is confirmed by
// the matching newMessage event, not by this call.
func (m *RealtimeManager) EmitSendMessage(ctx context.Context, chatID, content string, image *string, clientID string) error {
	return m.emit(ctx, EmitSendMessage, &SendMessagePayload{
		ChatID:   chatID,
		Content:  content,
		Image:    image,
		ClientID: clientID,
	})
}

// EmitTyping tells the room the user is typing. Calls within
// TypingEmitInterval of the last emit for the same room are dropped.
func (m *RealtimeManager) EmitTyping(ctx context.Context, chatID string) error {
	m.mu.Lock()
	if m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	lim, ok := m.typing[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(m.config.TypingEmitInterval), 1)
		m.typing[chatID] = lim
	}
	m.mu.Unlock()

	if !lim.Allow() {
		return nil
	}
	return m.emit(ctx, EmitTypingEvent, &typingEmit{ChatID: chatID})
}

// EmitAddParticipants asks the server to add users to a group room.
func (m *RealtimeManager) EmitAddParticipants(ctx context.Context, roomID string, userIDs []string) error {
	return m.emit(ctx, EmitAddParticipants, &addParticipantsEmit{RoomID: roomID, UserIDs: userIDs})
}
