package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
	"github.com/LuminPulse-AI/chatsync/internal/metrics"
)

// RefreshState is the state of the token refresh coordinator.
type RefreshState int

const (
	RefreshIdle RefreshState = iota
	RefreshRefreshing
)

func (s RefreshState) String() string {
	if s == RefreshRefreshing {
		return "refreshing"
	}
	return "idle"
}

// RefreshFunc obtains a new access token from the auth service.
type RefreshFunc func(ctx context.Context) (string, error)

type refreshResult struct {
	token string
	err   error
}

// RefreshCoordinator guarantees at most one refresh call in flight. Callers
// arriving while a refresh runs are queued and receive its result.
type RefreshCoordinator struct {
	refresh RefreshFunc
	store   SessionStore
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	state   RefreshState
	waiters []chan refreshResult
}

// NewRefreshCoordinator stores refreshed tokens in store. timeout bounds a
// single refresh call; zero means 30s.
func NewRefreshCoordinator(store SessionStore, refresh RefreshFunc, timeout time.Duration) *RefreshCoordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RefreshCoordinator{
		refresh: refresh,
		store:   store,
		timeout: timeout,
		log:     logging.WithComponent("refresh"),
	}
}

// State returns Idle or Refreshing.
func (c *RefreshCoordinator) State() RefreshState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Waiting returns how many callers are queued on the current refresh.
func (c *RefreshCoordinator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Token returns a fresh access token, starting a refresh if none is running.
// On failure the stored token is cleared and the error wraps ErrSessionEnded.
// The refresh itself is not tied to ctx: if this caller gives up, the call
// still completes for the others.
func (c *RefreshCoordinator) Token(ctx context.Context) (string, error) {
	return c.renew(ctx, "")
}

// renew is Token for a caller that saw stale as expired or rejected. If a
// refresh already replaced stale with a valid token, that token is returned
// without a new call.
func (c *RefreshCoordinator) renew(ctx context.Context, stale string) (string, error) {
	ch := make(chan refreshResult, 1)

	c.mu.Lock()
	if stale != "" && c.state == RefreshIdle {
		if cur := c.store.Token(); cur != "" && cur != stale && !ParseSession(cur).Expired(time.Now()) {
			c.mu.Unlock()
			return cur, nil
		}
	}
	c.waiters = append(c.waiters, ch)
	metrics.TokenRefreshWaiters.Set(float64(len(c.waiters)))
	if c.state == RefreshIdle {
		c.state = RefreshRefreshing
		go c.run(context.WithoutCancel(ctx))
	}
	c.mu.Unlock()

	select {
	case r := <-ch:
		return r.token, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *RefreshCoordinator) run(ctx context.Context) {
	var res refreshResult
	defer func() {
		c.mu.Lock()
		waiters := c.waiters
		c.waiters = nil
		c.state = RefreshIdle
		metrics.TokenRefreshWaiters.Set(0)
		c.mu.Unlock()
		for _, w := range waiters {
			w <- res
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	token, err := c.refresh(ctx)
	if err == nil && token == "" {
		err = errors.New("refresh response carried no access token")
	}
	if err != nil {
		c.store.ClearToken()
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		c.log.Warn().Err(err).Dur("took", time.Since(start)).Msg("token refresh failed, session cleared")
		res = refreshResult{err: fmt.Errorf("%w: %w", ErrSessionEnded, err)}
		return
	}

	c.store.SetToken(token)
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	c.log.Debug().Dur("took", time.Since(start)).Msg("token refreshed")
	res = refreshResult{token: token}
}
