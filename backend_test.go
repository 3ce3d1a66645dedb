package chatsync

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/LuminPulse-AI/chatsync/internal/envelope"
)

const testSecret = "test-secret"

func testCipher() envelope.Cipher {
	return envelope.NewPassphraseAES(testSecret)
}

// makeToken returns a unique HS256 token expiring at exp.
func makeToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"jti": uuid.NewString(),
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

// fakeBackend is the chat and auth API on one httptest server. Bodies are
// sealed the way the real servers seal them.
type fakeBackend struct {
	t      *testing.T
	cipher envelope.Cipher
	srv    *httptest.Server

	// set through newFakeBackend options, before the server starts
	issued       string // token returned by /auth/refresh and /auth/login
	refreshFail  bool
	refreshDelay time.Duration
	accept       func(token string) bool
	history      map[string][]Message

	refreshes atomic.Int32
	mu        sync.Mutex
	bearers   []string
	pageCalls []pageQuery
	sent      []sendBody
	created   []CreateRoomOptions
	added     map[string][]string
	seq       int
}

func newFakeBackend(t *testing.T, opts ...func(*fakeBackend)) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:       t,
		cipher:  testCipher(),
		issued:  makeToken(t, time.Now().Add(time.Hour)),
		accept:  func(token string) bool { return token != "" },
		history: map[string][]Message{},
		added:   map[string][]string{},
	}
	for _, opt := range opts {
		opt(b)
	}

	r := chi.NewRouter()
	r.Post("/auth/refresh", b.refresh)
	r.Post("/auth/login", b.login)
	r.Post("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		b.writeSealed(w, http.StatusOK, APIResponse[any]{StatusCode: 200, Message: "Logged out"})
	})
	r.Post("/auth/request-otp", b.emailStep("OTP sent"))
	r.Post("/auth/verify-otp", b.emailStep("OTP verified"))
	r.Post("/auth/register", b.emailStep("Registered"))

	r.Group(func(r chi.Router) {
		r.Use(b.authenticate)
		r.Get("/auth/me", func(w http.ResponseWriter, r *http.Request) {
			b.writeSealed(w, http.StatusOK, APIResponse[UserProfile]{
				StatusCode: 200,
				Data:       UserProfile{ID: "user-1", Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"},
			})
		})
		r.Get("/rooms", func(w http.ResponseWriter, r *http.Request) {
			b.writeSealed(w, http.StatusOK, APIResponse[[]Room]{StatusCode: 200, Data: []Room{
				{ID: "R1", Name: "general", IsGroup: true},
				{ID: "R2", Name: "ada"},
			}})
		})
		r.Post("/rooms", b.createRoom)
		r.Get("/rooms/user/list", func(w http.ResponseWriter, r *http.Request) {
			b.writeSealed(w, http.StatusOK, APIResponse[[]User]{StatusCode: 200, Data: []User{
				{ID: "user-1", Name: "Ada"}, {ID: "user-2", Name: "Grace"},
			}})
		})
		r.Get("/rooms/{id}", func(w http.ResponseWriter, r *http.Request) {
			b.writeSealed(w, http.StatusOK, APIResponse[Room]{StatusCode: 200, Data: Room{ID: chi.URLParam(r, "id"), Name: "general"}})
		})
		r.Get("/rooms/{id}/messages", b.messages)
		r.Post("/rooms/{id}/message", b.sendMessage)
		r.Post("/rooms/{id}/add-participants", b.addParticipants)
	})

	b.srv = httptest.NewServer(r)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) URL() string { return b.srv.URL }

func (b *fakeBackend) writeSealed(w http.ResponseWriter, status int, v any) {
	sealed, err := envelope.Seal(b.cipher, v)
	if err != nil {
		b.t.Errorf("seal response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	quoted, _ := json.Marshal(sealed)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(quoted)
}

func (b *fakeBackend) openBody(r *http.Request, v any) error {
	var body envelope.Body
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return err
	}
	return envelope.Open(b.cipher, body.Data, v)
}

func (b *fakeBackend) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		b.mu.Lock()
		b.bearers = append(b.bearers, token)
		b.mu.Unlock()
		if !b.accept(token) {
			b.writeSealed(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *fakeBackend) refresh(w http.ResponseWriter, r *http.Request) {
	b.refreshes.Add(1)
	if b.refreshDelay > 0 {
		time.Sleep(b.refreshDelay)
	}
	if b.refreshFail {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Refresh token expired"}`))
		return
	}
	b.writeSealed(w, http.StatusOK, map[string]string{"access_token": b.issued})
}

func (b *fakeBackend) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := b.openBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Password != "pw" {
		b.writeSealed(w, http.StatusUnauthorized, map[string]string{"message": "Invalid credentials"})
		return
	}
	b.writeSealed(w, http.StatusOK, APIResponse[LoginResult]{StatusCode: 200, Data: LoginResult{AccessToken: b.issued}})
}

func (b *fakeBackend) emailStep(msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email string `json:"email"`
		}
		if err := b.openBody(r, &req); err != nil || req.Email == "" {
			b.writeSealed(w, http.StatusBadRequest, map[string]any{"message": []string{"email must be an email"}})
			return
		}
		b.writeSealed(w, http.StatusOK, APIResponse[EmailMessage]{StatusCode: 200, Data: EmailMessage{Email: req.Email, Message: msg}})
	}
}

func (b *fakeBackend) createRoom(w http.ResponseWriter, r *http.Request) {
	var opts CreateRoomOptions
	if err := b.openBody(r, &opts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.created = append(b.created, opts)
	b.mu.Unlock()
	b.writeSealed(w, http.StatusCreated, APIResponse[Room]{StatusCode: 201, Data: Room{ID: "R9", Name: opts.GroupName, IsGroup: opts.IsGroup}})
}

// messages serves history newest first: offset 0 is the most recent page.
func (b *fakeBackend) messages(w http.ResponseWriter, r *http.Request) {
	var q pageQuery
	if err := envelope.Open(b.cipher, r.URL.Query().Get("data"), &q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.pageCalls = append(b.pageCalls, q)
	all := b.history[chi.URLParam(r, "id")]
	b.mu.Unlock()

	end := len(all) - q.Offset
	if end < 0 {
		end = 0
	}
	start := end - q.Limit
	if start < 0 {
		start = 0
	}
	page := MessagePage{
		PageIndex:  q.Offset/max(q.Limit, 1) + 1,
		IsLastPage: start == 0,
		Messages:   append([]Message{}, all[start:end]...),
	}
	b.writeSealed(w, http.StatusOK, APIResponse[MessagePage]{StatusCode: 200, Data: page})
}

func (b *fakeBackend) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body sendBody
	if err := b.openBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.sent = append(b.sent, body)
	b.seq++
	msg := Message{
		ID:        fmt.Sprintf("srv-%d", b.seq),
		ChatID:    chi.URLParam(r, "id"),
		SenderID:  "user-1",
		Content:   body.Content,
		Image:     body.Image,
		CreatedAt: time.Now().UTC(),
	}
	b.mu.Unlock()
	b.writeSealed(w, http.StatusCreated, APIResponse[Message]{StatusCode: 201, Data: msg})
}

func (b *fakeBackend) addParticipants(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserIDs []string `json:"userIds"`
	}
	if err := b.openBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	b.mu.Lock()
	b.added[id] = append(b.added[id], body.UserIDs...)
	b.mu.Unlock()
	b.writeSealed(w, http.StatusOK, APIResponse[Room]{StatusCode: 200, Data: Room{ID: id, IsGroup: true}})
}

func (b *fakeBackend) seenBearers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.bearers...)
}

func (b *fakeBackend) pageRequests() []pageQuery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]pageQuery{}, b.pageCalls...)
}

// seedHistory stores n messages for room, one second apart, ascending.
func (b *fakeBackend) seedHistory(room string, n int) []Message {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{
			ID:        fmt.Sprintf("%s-m%03d", room, i),
			ChatID:    room,
			SenderID:  "user-2",
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	b.mu.Lock()
	b.history[room] = msgs
	b.mu.Unlock()
	return msgs
}

// newTestTransport wires a SecureClient and refresh coordinator against b.
func newTestTransport(t *testing.T, b *fakeBackend) (*SecureClient, *MemorySessionStore, *RefreshCoordinator) {
	t.Helper()
	store := NewMemorySessionStore(b.cipher)
	sc := NewSecureClient(nil, b.cipher, store, nil)
	rc := NewRefreshCoordinator(store, refreshFunc(sc, b.URL()), 5*time.Second)
	sc.refresher = rc
	return sc, store, rc
}

// recordingNotifier captures notifications.
type recordingNotifier struct {
	mu        sync.Mutex
	dismissed int
	errors    []string
	successes []string
}

func (n *recordingNotifier) Dismiss() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dismissed++
}

func (n *recordingNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, msg)
}

func (n *recordingNotifier) Success(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, msg)
}

func (n *recordingNotifier) Errors() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.errors...)
}
