package chatsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/LuminPulse-AI/chatsync/internal/envelope"
)

func TestSend_ExpiredTokenRefreshesOnce(t *testing.T) {
	b := newFakeBackend(t)
	sc, store, _ := newTestTransport(t, b)
	expired := makeToken(t, time.Now().Add(-time.Minute))
	store.SetToken(expired)

	rooms, err := Do[APIResponse[[]Room]](context.Background(), sc, http.MethodGet, b.URL()+"/rooms", nil, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(rooms.Data) != 2 {
		t.Errorf("got %d rooms, want 2", len(rooms.Data))
	}
	if n := b.refreshes.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	bearers := b.seenBearers()
	if len(bearers) != 1 || bearers[0] != b.issued {
		t.Errorf("rooms saw bearers %v, want only the refreshed token", bearers)
	}
	if store.Token() != b.issued {
		t.Error("refreshed token not stored")
	}
}

func TestSend_ConcurrentExpiredCallersShareRefresh(t *testing.T) {
	b := newFakeBackend(t, func(b *fakeBackend) { b.refreshDelay = 100 * time.Millisecond })
	sc, store, _ := newTestTransport(t, b)
	store.SetToken(makeToken(t, time.Now().Add(-time.Minute)))

	const callers = 10
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, err := sc.Send(ctx, http.MethodGet, b.URL()+"/rooms", nil, nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if n := b.refreshes.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	for _, bearer := range b.seenBearers() {
		if bearer != b.issued {
			t.Fatalf("request sent with %q, want the refreshed token", bearer)
		}
	}
}

func TestSend_RefreshFailureEndsSession(t *testing.T) {
	b := newFakeBackend(t, func(b *fakeBackend) { b.refreshFail = true })
	sc, store, rc := newTestTransport(t, b)
	store.SetToken(makeToken(t, time.Now().Add(-time.Minute)))

	_, err := sc.Send(context.Background(), http.MethodGet, b.URL()+"/rooms", nil, nil)
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("err = %v, want ErrSessionEnded", err)
	}
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Errorf("cause not preserved: %v", err)
	}
	if store.Token() != "" {
		t.Error("token should be cleared after a failed refresh")
	}
	if len(b.seenBearers()) != 0 {
		t.Error("request dispatched despite failed refresh")
	}
	if rc.State() != RefreshIdle {
		t.Errorf("coordinator state = %s, want idle", rc.State())
	}
}

func TestSend_RetriesOnceOn401(t *testing.T) {
	t.Run("retry succeeds", func(t *testing.T) {
		var issued string
		b := newFakeBackend(t, func(b *fakeBackend) {
			issued = b.issued
			b.accept = func(token string) bool { return token == issued }
		})
		sc, store, _ := newTestTransport(t, b)
		stale := makeToken(t, time.Now().Add(time.Hour))
		store.SetToken(stale)

		if _, err := sc.Send(context.Background(), http.MethodGet, b.URL()+"/rooms", nil, nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if n := b.refreshes.Load(); n != 1 {
			t.Errorf("refresh calls = %d, want 1", n)
		}
		bearers := b.seenBearers()
		if len(bearers) != 2 || bearers[0] != stale || bearers[1] != issued {
			t.Errorf("bearers = %v, want stale then refreshed", bearers)
		}
	})

	t.Run("second 401 surfaces", func(t *testing.T) {
		b := newFakeBackend(t, func(b *fakeBackend) {
			b.accept = func(string) bool { return false }
		})
		sc, store, _ := newTestTransport(t, b)
		store.SetToken(makeToken(t, time.Now().Add(time.Hour)))

		_, err := sc.Send(context.Background(), http.MethodGet, b.URL()+"/rooms", nil, nil)
		if !IsKind(err, KindHTTP4xx) || !IsStatus(err, http.StatusUnauthorized) {
			t.Fatalf("err = %v, want http_4xx 401", err)
		}
		if n := b.refreshes.Load(); n != 1 {
			t.Errorf("refresh calls = %d, want 1", n)
		}
		if len(b.seenBearers()) != 2 {
			t.Errorf("requests = %d, want 2", len(b.seenBearers()))
		}
		if UserMessage(err) != "Unauthorized" {
			t.Errorf("UserMessage = %q", UserMessage(err))
		}
	})

	t.Run("no refresh without a token", func(t *testing.T) {
		b := newFakeBackend(t)
		sc, _, _ := newTestTransport(t, b)

		_, err := sc.Send(context.Background(), http.MethodPost, b.URL()+"/auth/login",
			&LoginRequest{Email: "ada@example.com", Password: "wrong"}, nil)
		if !IsStatus(err, http.StatusUnauthorized) {
			t.Fatalf("err = %v, want 401", err)
		}
		if UserMessage(err) != "Invalid credentials" {
			t.Errorf("UserMessage = %q", UserMessage(err))
		}
		if n := b.refreshes.Load(); n != 0 {
			t.Errorf("refresh calls = %d, want 0", n)
		}
	})
}

func TestSend_EncryptsBodyAndQuery(t *testing.T) {
	c := testCipher()
	var gotBody, gotQuery map[string]any
	var rawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body envelope.Body
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if err := envelope.Open(c, body.Data, &gotBody); err != nil {
			t.Errorf("open body: %v", err)
		}
		rawQuery = r.URL.RawQuery
		if err := envelope.Open(c, r.URL.Query().Get("data"), &gotQuery); err != nil {
			t.Errorf("open query: %v", err)
		}
		w.Write([]byte(`{"status_code":200}`))
	}))
	defer srv.Close()

	sc := NewSecureClient(nil, c, NewMemorySessionStore(c), nil)
	_, err := sc.Send(context.Background(), http.MethodPost, srv.URL+"/x",
		map[string]any{"content": "hi"}, map[string]any{"limit": 10})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotBody["content"] != "hi" {
		t.Errorf("body = %v", gotBody)
	}
	if gotQuery["limit"] != float64(10) {
		t.Errorf("query = %v", gotQuery)
	}
	if len(rawQuery) < 6 || rawQuery[:5] != "data=" {
		t.Errorf("raw query = %q, want a single data parameter", rawQuery)
	}
}

func TestSend_DecryptsResponses(t *testing.T) {
	c := testCipher()
	sealed, err := envelope.Seal(c, map[string]string{"hello": "world"})
	if err != nil {
		t.Fatal(err)
	}
	quoted, _ := json.Marshal(sealed)

	// XChaCha output is random base64 and may begin with a digit
	chacha, err := envelope.NewChaCha("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	var digitFirst string
	for i := 0; i < 1000 && digitFirst == ""; i++ {
		s, err := envelope.Seal(chacha, map[string]string{"hello": "world"})
		if err != nil {
			t.Fatal(err)
		}
		if s[0] >= '0' && s[0] <= '9' {
			digitFirst = s
		}
	}
	if digitFirst == "" {
		t.Fatal("no digit-prefixed ciphertext generated")
	}

	tests := []struct {
		name     string
		cipher   envelope.Cipher
		status   int
		body     string
		want     string
		wantKind ErrorKind
	}{
		{name: "quoted ciphertext", status: 200, body: string(quoted), want: `{"hello":"world"}`},
		{name: "bare ciphertext", status: 200, body: sealed, want: `{"hello":"world"}`},
		{name: "plain object", status: 200, body: `{"a":1}`, want: `{"a":1}`},
		{name: "plain array", status: 200, body: ` [1,2] `, want: `[1,2]`},
		{name: "bare ciphertext starting with a digit", cipher: chacha, status: 200, body: digitFirst, want: `{"hello":"world"}`},
		{name: "number", status: 200, body: `42`, want: `42`},
		{name: "literal", status: 200, body: `true`, want: `true`},
		{name: "garbage", status: 200, body: `"not ciphertext"`, wantKind: KindDecrypt},
		{name: "server error", status: 503, body: `upstream unavailable`, wantKind: KindHTTP5xx},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			cipher := tt.cipher
			if cipher == nil {
				cipher = c
			}
			sc := NewSecureClient(nil, cipher, NewMemorySessionStore(cipher), nil)
			got, err := sc.Send(context.Background(), http.MethodGet, srv.URL, nil, nil)
			if tt.wantKind != 0 {
				if !IsKind(err, tt.wantKind) {
					t.Fatalf("err = %v, want kind %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("body = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSend_ErrorPayloads(t *testing.T) {
	c := testCipher()
	sealed, _ := envelope.Seal(c, map[string]any{"message": []string{"email must be an email", "password is too short"}})
	quoted, _ := json.Marshal(sealed)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write(quoted)
	}))
	defer srv.Close()

	sc := NewSecureClient(nil, c, NewMemorySessionStore(c), nil)
	_, err := sc.Send(context.Background(), http.MethodPost, srv.URL+"/auth/register", map[string]string{}, nil)

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if te.Kind != KindHTTP4xx || te.Path != "/auth/register" {
		t.Errorf("kind=%s path=%s", te.Kind, te.Path)
	}
	p, ok := te.Payload.(StructuredPayload)
	if !ok {
		t.Fatalf("payload = %T, want StructuredPayload", te.Payload)
	}
	if len(p.Errors) != 2 {
		t.Errorf("errors = %v", p.Errors)
	}
	if got := UserMessage(err); got != "email must be an email; password is too short" {
		t.Errorf("UserMessage = %q", got)
	}
}

func TestSend_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := testCipher()
	sc := NewSecureClient(&http.Client{Timeout: time.Second}, c, NewMemorySessionStore(c), nil)
	_, err := sc.Send(context.Background(), http.MethodGet, addr+"/rooms", nil, nil)
	if !IsKind(err, KindNetwork) {
		t.Fatalf("err = %v, want network", err)
	}
	if UserMessage(err) != NetworkErrorMessage {
		t.Errorf("UserMessage = %q", UserMessage(err))
	}
}

func TestSend_CircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testCipher()
	sc := NewSecureClient(nil, c, NewMemorySessionStore(c), nil)
	sc.EnableBreaker(BreakerSettings{MaxFailures: 2, OpenTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := sc.Send(context.Background(), http.MethodGet, srv.URL, nil, nil)
		if !IsKind(err, KindHTTP5xx) {
			t.Fatalf("call %d: err = %v, want http_5xx", i, err)
		}
	}

	_, err := sc.Send(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if !IsKind(err, KindNetwork) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want network wrapping ErrOpenState", err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("server hits = %d, want 2", n)
	}
}
