package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
	"github.com/LuminPulse-AI/chatsync/internal/metrics"
)

// DefaultTypingTTL is how long a typing indicator stays without renewal.
const DefaultTypingTTL = 3 * time.Second

type typingEntry struct {
	user  string
	gen   uint64
	timer *time.Timer
}

// PresenceTracker holds the online user set and per-room typing indicators
// derived from realtime events. Nothing in it is persisted.
type PresenceTracker struct {
	ttl    time.Duration
	viewer func() string
	log    zerolog.Logger

	mu       sync.Mutex
	online   map[string]struct{}
	typing   map[string]*typingEntry
	gen      uint64
	handlers []func()
}

// NewPresenceTracker creates a tracker whose typing indicators expire after
// ttl (0 means DefaultTypingTTL). viewer returns the local user's ID; typing
// events from that user are ignored. viewer may be nil.
func NewPresenceTracker(ttl time.Duration, viewer func() string) *PresenceTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &PresenceTracker{
		ttl:    ttl,
		viewer: viewer,
		log:    logging.WithComponent("presence"),
		online: make(map[string]struct{}),
		typing: make(map[string]*typingEntry),
	}
}

// OnChange registers a handler called after the online set or any typing
// indicator changes. Handlers run outside the tracker's lock.
func (p *PresenceTracker) OnChange(h func()) {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

func (p *PresenceTracker) notify() {
	p.mu.Lock()
	handlers := append([]func(){}, p.handlers...)
	p.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// SetOnline replaces the online set.
func (p *PresenceTracker) SetOnline(userIDs []string) {
	online := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		online[id] = struct{}{}
	}
	p.mu.Lock()
	p.online = online
	p.mu.Unlock()
	p.notify()
}

// OnlineUsers returns the online user IDs, sorted.
func (p *PresenceTracker) OnlineUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether userID is in the online set.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[userID]
	return ok
}

// Typing records that user is typing in chatID and restarts the room's
// expiry timer. A renewal by the same user does not notify.
func (p *PresenceTracker) Typing(chatID, user string) {
	if user == "" {
		return
	}
	if p.viewer != nil && user == p.viewer() {
		return
	}

	p.mu.Lock()
	prev, had := p.typing[chatID]
	if had {
		prev.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.typing[chatID] = &typingEntry{
		user:  user,
		gen:   gen,
		timer: time.AfterFunc(p.ttl, func() { p.expire(chatID, gen) }),
	}
	p.mu.Unlock()

	if !had || prev.user != user {
		p.notify()
	}
}

// expire clears chatID's indicator if it was not renewed since gen.
func (p *PresenceTracker) expire(chatID string, gen uint64) {
	p.mu.Lock()
	e, ok := p.typing[chatID]
	if !ok || e.gen != gen {
		p.mu.Unlock()
		return
	}
	delete(p.typing, chatID)
	p.mu.Unlock()

	metrics.TypingExpirations.Inc()
	p.log.Debug().Str("room", chatID).Str("user", e.user).Msg("typing expired")
	p.notify()
}

// TypingUser returns who is typing in chatID, or "".
func (p *PresenceTracker) TypingUser(chatID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.typing[chatID]; ok {
		return e.user
	}
	return ""
}

// ClearTyping drops every typing indicator. Called when the connection is
// lost; indicators come back with the next live events.
func (p *PresenceTracker) ClearTyping() {
	p.mu.Lock()
	n := len(p.typing)
	for id, e := range p.typing {
		e.timer.Stop()
		delete(p.typing, id)
	}
	p.mu.Unlock()
	if n > 0 {
		p.notify()
	}
}

// Reset clears all presence state.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	p.online = make(map[string]struct{})
	p.mu.Unlock()
	p.ClearTyping()
}
