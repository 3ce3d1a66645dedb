// Package chatsync is a client for an encrypted chat service: authenticated
// HTTP calls through an encrypting transport, a Socket.IO realtime channel,
// and a local message cache that stays consistent while history pages, live
// pushes and optimistic sends interleave.
//
// Example:
//
//	cfg, _ := chatsync.LoadConfig("")
//	client, _ := chatsync.NewClient(cfg)
//	defer client.Close()
//
//	client.Login(ctx, "ada@example.com", "secret")
//	client.Start(ctx)
//	client.OpenRoom(ctx, roomID)
//	client.SendMessage(ctx, roomID, "Hello!", nil)
package chatsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/internal/config"
	"github.com/LuminPulse-AI/chatsync/internal/envelope"
	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

// DefaultTimeout bounds a single HTTP request.
const DefaultTimeout = 30 * time.Second

// Config is the client configuration; see LoadConfig.
type Config = config.Config

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig layers defaults, the TOML file at path and CHATSYNC_*
// environment variables.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// ============================================================================
// Client
// ============================================================================

// Client wires the transport, refresh coordinator, realtime manager, message
// cache and presence tracker of one signed-in user.
type Client struct {
	cfg        *Config
	httpClient *http.Client
	cipher     envelope.Cipher
	store      SessionStore
	notifier   Notifier
	log        zerolog.Logger

	transport *SecureClient
	refresher *RefreshCoordinator
	api       *API
	cache     *MessageCache
	presence  *PresenceTracker
	realtime  *RealtimeManager

	mu                  sync.Mutex
	rooms               []Room
	roomsValid          bool
	onMessage           []func(Message)
	onParticipantsAdded []func(ParticipantsAddedPayload)
	closed              bool
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Its cookie jar carries
// the refresh credential; without one, refresh relies on the server.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithNotifier sets where user-facing errors and confirmations go. The
// default logs them.
func WithNotifier(n Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

func WithSessionStore(s SessionStore) Option {
	return func(c *Client) { c.store = s }
}

// WithCipher overrides the cipher built from the envelope config.
func WithCipher(cipher envelope.Cipher) Option {
	return func(c *Client) { c.cipher = cipher }
}

// NewClient builds a client from cfg (nil means DefaultConfig). It does not
// touch the network; call Login or Start.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	timeout := cfg.API.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout, Jar: jar},
		log:        logging.WithComponent("client"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cipher == nil {
		if c.cipher, err = envelope.New(cfg.Envelope.Algorithm, cfg.Envelope.Secret); err != nil {
			return nil, err
		}
	}
	if c.store == nil {
		c.store = NewMemorySessionStore(c.cipher)
	}
	if c.notifier == nil {
		c.notifier = NewLogNotifier()
	}
	if cfg.Auth.AccessToken != "" && c.store.Token() == "" {
		c.store.SetToken(cfg.Auth.AccessToken)
	}

	c.transport = NewSecureClient(c.httpClient, c.cipher, c.store, nil)
	if cfg.Breaker.Enabled {
		c.transport.EnableBreaker(BreakerSettings{
			MaxFailures: cfg.Breaker.MaxFailures,
			OpenTimeout: cfg.Breaker.OpenTimeout,
		})
	}
	c.refresher = NewRefreshCoordinator(c.store, refreshFunc(c.transport, cfg.API.AuthURL), timeout)
	c.transport.refresher = c.refresher
	c.api = newAPI(c.transport, c.store, c.refresher, cfg.API.ChatURL, cfg.API.AuthURL, &reporter{n: c.notifier})

	c.cache = NewMessageCache(c.api.Rooms.Messages, cfg.Cache.PageSize)
	c.presence = NewPresenceTracker(cfg.Presence.TypingTTL, c.viewerID)
	c.realtime = NewRealtimeManager(RealtimeConfig{
		URL:                  cfg.RealtimeURL(),
		Path:                 cfg.Realtime.Path,
		Namespace:            cfg.Realtime.Namespace,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.Realtime.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Realtime.ReconnectMaxDelay,
		TypingEmitInterval:   cfg.Realtime.TypingEmitInterval,
		// the websocket dial is bounded by its context, not Client.Timeout
		HTTPClient: &http.Client{Transport: c.httpClient.Transport, Jar: c.httpClient.Jar},
	}, c.socketToken)
	c.route()
	return c, nil
}

// route connects realtime events to the cache and presence tracker.
func (c *Client) route() {
	c.realtime.OnNewMessage(func(m Message) {
		c.cache.InsertLive(m)
		c.mu.Lock()
		handlers := append([]func(Message){}, c.onMessage...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(m)
		}
	})
	c.realtime.OnTyping(func(p TypingPayload) { c.presence.Typing(p.ChatID, p.UserName) })
	c.realtime.OnOnlineUsers(c.presence.SetOnline)
	c.realtime.OnParticipantsAdded(func(p ParticipantsAddedPayload) {
		c.mu.Lock()
		c.roomsValid = false
		handlers := append([]func(ParticipantsAddedPayload){}, c.onParticipantsAdded...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(p)
		}
	})
	c.realtime.OnDisconnected(func(error) { c.presence.ClearTyping() })
}

// viewerID is the signed-in user's ID, used to hide the user's own typing.
func (c *Client) viewerID() string {
	if p, err := c.store.Profile(); err == nil && p != nil {
		return p.ID
	}
	return c.cfg.Auth.UserID
}

// socketToken supplies the realtime manager with a valid token, refreshing
// an expired one. A signed-out client ends reconnection.
func (c *Client) socketToken(ctx context.Context) (string, error) {
	token := c.store.Token()
	if token == "" {
		return "", ErrSessionEnded
	}
	if ParseSession(token).Expired(time.Now()) {
		return c.refresher.renew(ctx, token)
	}
	return token, nil
}

// API returns the HTTP sub-clients.
func (c *Client) API() *API { return c.api }

// Realtime returns the realtime connection manager.
func (c *Client) Realtime() *RealtimeManager { return c.realtime }

// Presence returns the online and typing tracker.
func (c *Client) Presence() *PresenceTracker { return c.presence }

// Cache returns the message cache.
func (c *Client) Cache() *MessageCache { return c.cache }

// Session returns the stored session.
func (c *Client) Session() Session { return ParseSession(c.store.Token()) }

// OnMessage registers a handler for every pushed message, called after the
// cache was updated.
func (c *Client) OnMessage(h func(Message)) {
	c.mu.Lock()
	c.onMessage = append(c.onMessage, h)
	c.mu.Unlock()
}

// OnParticipantsAdded registers a handler called after the room list was
// invalidated by a membership change.
func (c *Client) OnParticipantsAdded(h func(ParticipantsAddedPayload)) {
	c.mu.Lock()
	c.onParticipantsAdded = append(c.onParticipantsAdded, h)
	c.mu.Unlock()
}

// ============================================================================
// Lifecycle
// ============================================================================

// Login signs in and returns the profile. Call Start afterwards to go live.
func (c *Client) Login(ctx context.Context, email, password string) (*UserProfile, error) {
	return c.api.Auth.Login(ctx, email, password)
}

// Logout disconnects, tells the server, and drops all local state.
func (c *Client) Logout(ctx context.Context) error {
	c.realtime.Disconnect()
	err := c.api.Auth.Logout(ctx)
	c.cache.Reset()
	c.presence.Reset()
	c.invalidateRooms()
	return err
}

// Start connects the realtime channel with the stored token, refreshing it
// first when expired. A failed first dial is returned while reconnection
// continues in the background.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("chatsync: client closed")
	}
	if c.store.Token() == "" {
		return ErrNotAuthenticated
	}
	token, err := c.socketToken(ctx)
	if err != nil {
		return err
	}
	return c.realtime.Connect(ctx, token)
}

// Close disconnects and stops all timers. The client cannot be restarted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.realtime.Disconnect()
	c.presence.Reset()
	c.httpClient.CloseIdleConnections()
	return nil
}

// ============================================================================
// Rooms
// ============================================================================

// ListRooms returns the room list, fetched once and kept until a
// participantsAdded event, CreateRoom, AddParticipants or Logout invalidates
// it.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	c.mu.Lock()
	if c.roomsValid {
		rooms := append([]Room(nil), c.rooms...)
		c.mu.Unlock()
		return rooms, nil
	}
	c.mu.Unlock()

	rooms, err := c.api.Rooms.List(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.rooms = rooms
	c.roomsValid = true
	c.mu.Unlock()
	return append([]Room(nil), rooms...), nil
}

func (c *Client) invalidateRooms() {
	c.mu.Lock()
	c.roomsValid = false
	c.rooms = nil
	c.mu.Unlock()
}

// CreateRoom creates a room and invalidates the room list.
func (c *Client) CreateRoom(ctx context.Context, opts *CreateRoomOptions) (*Room, error) {
	room, err := c.api.Rooms.Create(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.invalidateRooms()
	return room, nil
}

// AddParticipants adds users to a group room over the socket when connected,
// otherwise over HTTP.
func (c *Client) AddParticipants(ctx context.Context, roomID string, userIDs []string) error {
	if c.realtime.State() == StateConnected {
		if err := c.realtime.EmitAddParticipants(ctx, roomID, userIDs); err == nil {
			return nil
		}
	}
	if _, err := c.api.Rooms.AddParticipants(ctx, roomID, userIDs); err != nil {
		return err
	}
	c.invalidateRooms()
	return nil
}

// OpenRoom joins the room's realtime channel and loads its newest page.
func (c *Client) OpenRoom(ctx context.Context, roomID string) error {
	if err := c.realtime.JoinRoom(ctx, roomID); err != nil {
		c.log.Warn().Err(err).Str("room", roomID).Msg("join failed")
	}
	return c.cache.Load(ctx, roomID)
}

// CloseRoom leaves the room and drops its cached history.
func (c *Client) CloseRoom(ctx context.Context, roomID string) error {
	c.cache.Forget(roomID)
	return c.realtime.LeaveRoom(ctx, roomID)
}

// LoadOlder fetches the next older page of an open room. It reports false
// when nothing was fetched.
func (c *Client) LoadOlder(ctx context.Context, roomID string) (bool, error) {
	return c.cache.LoadOlder(ctx, roomID)
}

// Messages returns the cached messages of a room, oldest first.
func (c *Client) Messages(roomID string) []Message { return c.cache.Messages(roomID) }

// RoomState reports the load state of a room's history.
func (c *Client) RoomState(roomID string) RoomState { return c.cache.State(roomID) }

// ============================================================================
// Sending
// ============================================================================

// SendMessage shows the message immediately as pending and sends it over the
// socket when connected, otherwise over HTTP. A socket send is confirmed by
// its newMessage echo; an HTTP send by the response. On failure the pending
// message is removed.
func (c *Client) SendMessage(ctx context.Context, roomID, content string, image *string) (Message, error) {
	pending := c.cache.AddOptimistic(roomID, c.viewerID(), content, image)

	if c.realtime.State() == StateConnected {
		err := c.realtime.EmitSendMessage(ctx, roomID, content, image, pending.ClientID)
		if err == nil {
			return pending, nil
		}
		c.log.Debug().Err(err).Str("room", roomID).Msg("socket send failed, falling back to http")
	}

	sent, err := c.api.Rooms.Send(ctx, roomID, content, image)
	if err != nil {
		c.cache.Discard(roomID, pending.ClientID)
		return Message{}, err
	}
	if sent.ChatID == "" {
		sent.ChatID = roomID
	}
	c.cache.Confirm(pending.ClientID, *sent)
	sent.ClientID = pending.ClientID
	sent.Status = MessageConfirmed
	return *sent, nil
}

// Typing signals that the user is typing in roomID. Repeated calls are
// throttled per room.
func (c *Client) Typing(ctx context.Context, roomID string) error {
	return c.realtime.EmitTyping(ctx, roomID)
}
