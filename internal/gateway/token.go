package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"mpesa_checkout/pkg/logkey"

	"golang.org/x/sync/singleflight"
)

// SharedTokenStore lets several replicas reuse one access token.
// A miss is reported with ok=false and a nil error.
type SharedTokenStore interface {
	LoadToken(ctx context.Context) (token string, expiresAt time.Time, ok bool, err error)
	StoreToken(ctx context.Context, token string, expiresAt time.Time) error
}

// refreshTimeout bounds one shared credential exchange.
const refreshTimeout = 15 * time.Second

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenCache hands out the gateway bearer token, refreshing it lazily once it
// is within buffer of its expiry. The cached value is replaced atomically;
// concurrent refreshes in one process collapse into a single request.
type TokenCache struct {
	httpClient *http.Client
	url        string
	key        string
	secret     string
	buffer     time.Duration
	shared     SharedTokenStore
	now        func() time.Time

	cached atomic.Pointer[cachedToken]
	group  singleflight.Group
}

// NewTokenCache builds a cache for the OAuth endpoint under baseURL.
// shared may be nil.
func NewTokenCache(httpClient *http.Client, baseURL, key, secret string, buffer time.Duration, shared SharedTokenStore) *TokenCache {
	return &TokenCache{
		httpClient: httpClient,
		url:        baseURL + "/oauth/v1/generate?grant_type=client_credentials",
		key:        key,
		secret:     secret,
		buffer:     buffer,
		shared:     shared,
		now:        time.Now,
	}
}

// AccessToken returns a usable token and the seconds left until it expires.
func (c *TokenCache) AccessToken(ctx context.Context) (string, int, error) {
	if t, ok := c.fresh(c.cached.Load()); ok {
		return t.value, c.secondsLeft(t), nil
	}

	ch := c.group.DoChan("token", func() (any, error) {
		if t, ok := c.fresh(c.cached.Load()); ok {
			return t, nil
		}
		// 刷新由所有等待者共享，不能跟随发起者的请求一起取消。
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		if t, ok := c.loadShared(fctx); ok {
			c.cached.Store(t)
			return t, nil
		}
		t, err := c.fetch(fctx)
		if err != nil {
			return nil, err
		}
		c.cached.Store(t)
		c.storeShared(fctx, t)
		return t, nil
	})

	select {
	case <-ctx.Done():
		return "", 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", 0, res.Err
		}
		t := res.Val.(*cachedToken)
		return t.value, c.secondsLeft(t), nil
	}
}

func (c *TokenCache) fresh(t *cachedToken) (*cachedToken, bool) {
	if t == nil || t.value == "" {
		return nil, false
	}
	if !c.now().Before(t.expiresAt.Add(-c.buffer)) {
		return nil, false
	}
	return t, true
}

func (c *TokenCache) secondsLeft(t *cachedToken) int {
	return int(t.expiresAt.Sub(c.now()).Seconds())
}

func (c *TokenCache) loadShared(ctx context.Context) (*cachedToken, bool) {
	if c.shared == nil {
		return nil, false
	}
	value, expiresAt, ok, err := c.shared.LoadToken(ctx)
	if err != nil {
		slog.Warn("shared token store read failed", slog.String(logkey.Error, err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return c.fresh(&cachedToken{value: value, expiresAt: expiresAt})
}

func (c *TokenCache) storeShared(ctx context.Context, t *cachedToken) {
	if c.shared == nil {
		return
	}
	if err := c.shared.StoreToken(ctx, t.value, t.expiresAt); err != nil {
		slog.Warn("shared token store write failed", slog.String(logkey.Error, err.Error()))
	}
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (c *TokenCache) fetch(ctx context.Context) (*cachedToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &AuthError{Message: "build request", Err: err}
	}
	req.SetBasicAuth(c.key, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &AuthError{Message: "token request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: "read token response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: "malformed token response", Err: err}
	}
	if tr.AccessToken == "" || tr.ExpiresIn == "" {
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: "token response missing access_token or expires_in"}
	}
	seconds, err := strconv.Atoi(tr.ExpiresIn.String())
	if err != nil || seconds <= 0 {
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid expires_in %q", tr.ExpiresIn)}
	}

	return &cachedToken{
		value:     tr.AccessToken,
		expiresAt: c.now().Add(time.Duration(seconds) * time.Second),
	}, nil
}
