package chatsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/LuminPulse-AI/chatsync/internal/envelope"
	"github.com/LuminPulse-AI/chatsync/internal/logging"
	"github.com/LuminPulse-AI/chatsync/internal/metrics"
)

// BreakerSettings enables the transport circuit breaker. Network failures
// and 5xx responses count as failures.
type BreakerSettings struct {
	// MaxFailures consecutive failures open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// SecureClient sends HTTP requests through the envelope convention: bodies
// and query parameters are encrypted, string responses are decrypted, and
// the bearer token is attached and refreshed as needed.
type SecureClient struct {
	httpClient *http.Client
	cipher     envelope.Cipher
	store      SessionStore
	refresher  *RefreshCoordinator
	breaker    *gobreaker.CircuitBreaker[*rawResponse]
	now        func() time.Time
	log        zerolog.Logger
}

type rawResponse struct {
	status int
	body   []byte
	took   time.Duration
}

var errServerStatus = errors.New("server error status")

// NewSecureClient wires the transport. refresher may be nil, in which case
// expired tokens are sent as they are.
func NewSecureClient(httpClient *http.Client, c envelope.Cipher, store SessionStore, refresher *RefreshCoordinator) *SecureClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &SecureClient{
		httpClient: httpClient,
		cipher:     c,
		store:      store,
		refresher:  refresher,
		now:        time.Now,
		log:        logging.WithComponent("transport"),
	}
}

// EnableBreaker wraps dispatch in a circuit breaker.
func (c *SecureClient) EnableBreaker(s BreakerSettings) {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	log := c.log
	metrics.CircuitBreakerState.Set(0)
	c.breaker = gobreaker.NewCircuitBreaker[*rawResponse](gobreaker.Settings{
		Name:        "chatsync-http",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.Set(float64(to))
		},
	})
}

// Send performs one request against rawURL and returns the decrypted
// response body. body and query are JSON-encoded and sealed when non-nil.
// Failures are *TransportError, or wrap ErrSessionEnded when the token could
// not be refreshed.
func (c *SecureClient) Send(ctx context.Context, method, rawURL string, body, query any) ([]byte, error) {
	token, err := c.authorize(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.dispatch(ctx, method, rawURL, body, query, token)
	if err != nil {
		return nil, err
	}

	// 401 with a token: refresh and retry exactly once.
	if resp.status == http.StatusUnauthorized && token != "" && c.refresher != nil {
		c.log.Debug().Str("method", method).Str("url", rawURL).Msg("401, refreshing token and retrying")
		token, err = c.refresher.renew(ctx, token)
		if err != nil {
			return nil, err
		}
		resp, err = c.dispatch(ctx, method, rawURL, body, query, token)
		if err != nil {
			return nil, err
		}
	}

	return c.finish(method, rawURL, resp)
}

// authorize returns the token to attach, refreshing it first when expired.
func (c *SecureClient) authorize(ctx context.Context) (string, error) {
	token := c.store.Token()
	if token == "" || c.refresher == nil {
		return token, nil
	}
	if !ParseSession(token).Expired(c.now()) {
		return token, nil
	}
	return c.refresher.renew(ctx, token)
}

func (c *SecureClient) dispatch(ctx context.Context, method, rawURL string, body, query any, token string) (*rawResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if query != nil {
		sealed, err := envelope.Seal(c.cipher, query)
		if err != nil {
			return nil, fmt.Errorf("encrypt query: %w", err)
		}
		u.RawQuery = url.Values{"data": {sealed}}.Encode()
	}

	var payload []byte
	if body != nil {
		wrapped, err := envelope.Wrap(c.cipher, body)
		if err != nil {
			return nil, fmt.Errorf("encrypt body: %w", err)
		}
		if payload, err = json.Marshal(wrapped); err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Body = io.NopCloser(bytes.NewReader(payload))
		req.ContentLength = int64(len(payload))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.roundTrip(req)
}

// roundTrip executes req (through the breaker when enabled) and reads the
// whole body. Only failures to get a response are returned as errors.
func (c *SecureClient) roundTrip(req *http.Request) (*rawResponse, error) {
	do := func() (*rawResponse, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		raw := &rawResponse{status: resp.StatusCode, body: data}
		if resp.StatusCode >= 500 {
			return raw, errServerStatus
		}
		return raw, nil
	}

	start := time.Now()
	var (
		resp *rawResponse
		err  error
	)
	if c.breaker != nil {
		resp, err = c.breaker.Execute(do)
	} else {
		resp, err = do()
	}
	if errors.Is(err, errServerStatus) {
		err = nil
	}
	if err != nil {
		metrics.RecordHTTPRequest(req.Method, KindNetwork.String(), time.Since(start))
		c.log.Debug().Err(err).Str("method", req.Method).Str("url", req.URL.Path).Msg("request failed")
		return nil, &TransportError{Kind: KindNetwork, Method: req.Method, Path: req.URL.Path, Err: err}
	}
	resp.took = time.Since(start)
	c.log.Debug().Str("method", req.Method).Str("url", req.URL.Path).Int("status", resp.status).
		Dur("took", resp.took).Msg("request")
	return resp, nil
}

func (c *SecureClient) finish(method, rawURL string, resp *rawResponse) ([]byte, error) {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}

	if resp.status >= 200 && resp.status < 300 {
		data, err := c.open(resp.body)
		if err != nil {
			metrics.RecordHTTPRequest(method, KindDecrypt.String(), resp.took)
			return nil, &TransportError{Kind: KindDecrypt, Method: method, Path: path, Status: resp.status, Err: err}
		}
		metrics.RecordHTTPRequest(method, "ok", resp.took)
		return data, nil
	}

	kind := KindHTTP4xx
	if resp.status >= 500 {
		kind = KindHTTP5xx
	}
	// Error bodies from proxies are often plain text; keep them readable
	// when they do not decrypt.
	data, err := c.open(resp.body)
	if err != nil {
		data = resp.body
	}
	metrics.RecordHTTPRequest(method, kind.String(), resp.took)
	return nil, &TransportError{
		Kind:    kind,
		Method:  method,
		Path:    path,
		Status:  resp.status,
		Payload: ParseErrorPayload(data),
	}
}

// open returns body unchanged when it is valid JSON other than a string, and
// decrypts it otherwise (quoted or bare ciphertext).
func (c *SecureClient) open(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return trimmed, nil
	}

	ciphertext := string(trimmed)
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &ciphertext); err != nil {
			return nil, fmt.Errorf("%w: %v", envelope.ErrMalformed, err)
		}
	} else if json.Valid(trimmed) {
		return trimmed, nil
	}
	return c.cipher.Decrypt(ciphertext)
}

// Do sends a request through c and decodes the decrypted body into T.
func Do[T any](ctx context.Context, c *SecureClient, method, rawURL string, body, query any) (*T, error) {
	data, err := c.Send(ctx, method, rawURL, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
