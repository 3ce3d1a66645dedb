package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
	"github.com/LuminPulse-AI/chatsync/internal/metrics"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 20

// LocalIDPrefix marks the ID of a provisional message.
const LocalIDPrefix = "local-"

// LoadStatus is the load state of a room's history.
type LoadStatus int

const (
	NotLoaded LoadStatus = iota
	Loading
	Loaded
	Failed
)

func (s LoadStatus) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	}
	return "not_loaded"
}

// RoomState describes a cached room.
type RoomState struct {
	Status LoadStatus
	// Empty is true when the room is loaded and holds no messages.
	Empty bool
	// HasMore is false once the oldest page has been fetched.
	HasMore  bool
	Fetching bool
	Pages    int
	Err      error
}

// PageFetcher fetches one page of history for a room.
type PageFetcher func(ctx context.Context, roomID string, limit, offset int) (*MessagePage, error)

type roomCache struct {
	gen      uint64
	pages    []MessagePage // pages[0] is the newest
	offsets  []int
	status   LoadStatus
	err      error
	last     bool
	fetching bool
	// pending holds live and optimistic messages that arrived while the
	// first page was loading.
	pending []Message
	// discarded holds client IDs of provisional messages removed by Discard.
	discarded map[string]struct{}
}

func (r *roomCache) has(id string) bool {
	for i := range r.pages {
		for j := range r.pages[i].Messages {
			if r.pages[i].Messages[j].ID == id {
				return true
			}
		}
	}
	for i := range r.pending {
		if r.pending[i].ID == id {
			return true
		}
	}
	return false
}

// find returns the slice holding the first message matching fn and its index.
func (r *roomCache) find(fn func(*Message) bool) ([]Message, int) {
	for i := range r.pages {
		msgs := r.pages[i].Messages
		for j := range msgs {
			if fn(&msgs[j]) {
				return msgs, j
			}
		}
	}
	for j := range r.pending {
		if fn(&r.pending[j]) {
			return r.pending, j
		}
	}
	return nil, -1
}

// remove deletes the message with id from wherever it is cached.
func (r *roomCache) remove(id string) bool {
	for i := range r.pages {
		msgs := r.pages[i].Messages
		for j := range msgs {
			if msgs[j].ID == id {
				r.pages[i].Messages = append(msgs[:j:j], msgs[j+1:]...)
				return true
			}
		}
	}
	for j := range r.pending {
		if r.pending[j].ID == id {
			r.pending = append(r.pending[:j:j], r.pending[j+1:]...)
			return true
		}
	}
	return false
}

// add appends m to the newest page, or to the pending buffer while the first
// page is not in yet.
func (r *roomCache) add(m Message) {
	if len(r.pages) == 0 {
		r.pending = append(r.pending, m)
		return
	}
	r.pages[0].Messages = append(r.pages[0].Messages, m)
}

// MessageCache keeps per-room paged message history consistent under
// concurrent page fetches, live pushes and optimistic sends. A message ID
// appears at most once per room.
type MessageCache struct {
	fetch    PageFetcher
	pageSize int
	now      func() time.Time
	log      zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*roomCache
	gen   uint64
}

// NewMessageCache uses fetch for history pages of pageSize messages (0 means
// DefaultPageSize).
func NewMessageCache(fetch PageFetcher, pageSize int) *MessageCache {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MessageCache{
		fetch:    fetch,
		pageSize: pageSize,
		now:      time.Now,
		log:      logging.WithComponent("cache"),
		rooms:    make(map[string]*roomCache),
	}
}

// PageSize returns the configured page size.
func (c *MessageCache) PageSize() int { return c.pageSize }

// ============================================================================
// Pagination
// ============================================================================

// Load fetches the newest page of a room unless it is loaded or loading. A
// failed room is retried.
func (c *MessageCache) Load(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if r, ok := c.rooms[roomID]; ok && r.status != Failed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	_, err := c.LoadOlder(ctx, roomID)
	return err
}

// LoadOlder fetches the next older page at offset len(pages)*pageSize. It
// returns false without a network call when the room has no more history or
// a fetch for it is already running. Results arriving after Forget are
// dropped.
func (c *MessageCache) LoadOlder(ctx context.Context, roomID string) (bool, error) {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		c.gen++
		r = &roomCache{gen: c.gen}
		c.rooms[roomID] = r
	}
	if r.fetching || r.last {
		c.mu.Unlock()
		return false, nil
	}
	first := len(r.pages) == 0
	if first {
		r.status = Loading
		r.err = nil
	}
	r.fetching = true
	offset := len(r.pages) * c.pageSize
	gen := r.gen
	c.mu.Unlock()

	page, err := c.fetch(ctx, roomID, c.pageSize, offset)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.rooms[roomID]; !ok || cur.gen != gen {
		c.log.Debug().Str("room", roomID).Int("offset", offset).Msg("dropping page for forgotten room")
		return false, nil
	}
	r.fetching = false
	if err != nil {
		if first {
			r.status = Failed
			r.err = err
		}
		return false, err
	}
	c.addPage(r, page, offset)
	return true, nil
}

func (c *MessageCache) addPage(r *roomCache, page *MessagePage, offset int) {
	p := MessagePage{PageIndex: page.PageIndex, IsLastPage: page.IsLastPage, TotalPages: page.TotalPages}
	p.Messages = make([]Message, 0, len(page.Messages))
	seen := make(map[string]struct{}, len(page.Messages))
	for _, m := range page.Messages {
		if _, dup := seen[m.ID]; dup || r.has(m.ID) {
			metrics.CacheDuplicates.Inc()
			continue
		}
		seen[m.ID] = struct{}{}
		m.Status = MessageConfirmed
		p.Messages = append(p.Messages, m)
	}
	metrics.CacheInserts.WithLabelValues("page").Add(float64(len(p.Messages)))

	r.pages = append(r.pages, p)
	r.offsets = append(r.offsets, offset)
	r.last = page.IsLastPage || len(page.Messages) == 0

	if len(r.pages) == 1 {
		r.status = Loaded
		buffered := r.pending
		r.pending = nil
		for _, m := range buffered {
			if r.has(m.ID) {
				metrics.CacheDuplicates.Inc()
				continue
			}
			r.pages[0].Messages = append(r.pages[0].Messages, m)
		}
	}
}

// ============================================================================
// Live insertion
// ============================================================================

// InsertLive adds a pushed message. Duplicates are ignored, a push matching
// a provisional message replaces it, and pushes for rooms without a cache are
// dropped. It reports whether the cache changed.
func (c *MessageCache) InsertLive(m Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[m.ChatID]
	if !ok {
		return false
	}
	return c.insertLocked(r, m)
}

func (c *MessageCache) insertLocked(r *roomCache, m Message) bool {
	if r.has(m.ID) {
		metrics.CacheDuplicates.Inc()
		return false
	}
	m.Status = MessageConfirmed

	msgs, i := r.find(func(p *Message) bool {
		if p.Status != MessagePending {
			return false
		}
		if m.ClientID != "" {
			return p.ClientID == m.ClientID
		}
		return p.SenderID == m.SenderID && p.Content == m.Content
	})
	if i >= 0 {
		m.ClientID = msgs[i].ClientID
		msgs[i] = m
		metrics.CacheInserts.WithLabelValues("live").Inc()
		return true
	}

	r.add(m)
	metrics.CacheInserts.WithLabelValues("live").Inc()
	return true
}

// ============================================================================
// Optimistic sends
// ============================================================================

// AddOptimistic inserts a provisional message for a send in flight. The
// message is returned even when the room is not cached.
func (c *MessageCache) AddOptimistic(roomID, senderID, content string, image *string) Message {
	clientID := uuid.NewString()
	m := Message{
		ID:        LocalIDPrefix + clientID,
		ChatID:    roomID,
		SenderID:  senderID,
		Content:   content,
		Image:     image,
		CreatedAt: c.now(),
		ClientID:  clientID,
		Status:    MessagePending,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		r.add(m)
		metrics.CacheInserts.WithLabelValues("optimistic").Inc()
	}
	return m
}

// Confirm swaps the provisional message clientID for the server copy. When
// the server copy is already cached the provisional one is dropped.
func (c *MessageCache) Confirm(clientID string, server Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[server.ChatID]
	if !ok {
		return
	}
	if _, gone := r.discarded[clientID]; gone {
		return
	}
	server.ClientID = clientID
	server.Status = MessageConfirmed

	msgs, i := r.find(func(p *Message) bool { return p.ClientID == clientID && p.Status == MessagePending })
	if i < 0 {
		c.insertLocked(r, server)
		return
	}
	if r.has(server.ID) {
		r.remove(msgs[i].ID)
		return
	}
	msgs[i] = server
}

// Discard removes the provisional message clientID and nothing else. A later
// Confirm for the same client ID is ignored.
func (c *MessageCache) Discard(roomID, clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return false
	}
	if !r.remove(LocalIDPrefix + clientID) {
		return false
	}
	if r.discarded == nil {
		r.discarded = make(map[string]struct{})
	}
	r.discarded[clientID] = struct{}{}
	metrics.OptimisticDiscards.Inc()
	return true
}

// ============================================================================
// Reads
// ============================================================================

// Messages returns the room's messages once each, oldest first. Messages with
// equal timestamps keep their cache order.
func (c *MessageCache) Messages(roomID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil
	}

	var out []Message
	seen := make(map[string]struct{})
	// oldest page first so ties keep arrival order
	for i := len(r.pages) - 1; i >= 0; i-- {
		for _, m := range r.pages[i].Messages {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	for _, m := range r.pending {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// State reports the load state of a room.
func (c *MessageCache) State(roomID string) RoomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return RoomState{Status: NotLoaded, HasMore: true}
	}
	empty := r.status == Loaded && len(r.pending) == 0
	for i := range r.pages {
		if len(r.pages[i].Messages) > 0 {
			empty = false
			break
		}
	}
	return RoomState{
		Status:   r.status,
		Empty:    empty,
		HasMore:  !r.last,
		Fetching: r.fetching,
		Pages:    len(r.pages),
		Err:      r.err,
	}
}

// Offsets returns the offsets the room's pages were fetched with.
func (c *MessageCache) Offsets(roomID string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		return append([]int(nil), r.offsets...)
	}
	return nil
}

// Forget drops a room. A fetch still running for it is ignored when it
// completes.
func (c *MessageCache) Forget(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

// Reset drops every room.
func (c *MessageCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = make(map[string]*roomCache)
}
