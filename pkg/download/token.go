package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache stores bearer tokens obtained from refresh tokens.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, token string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryTokenCache is a process-local TokenCache.
type MemoryTokenCache struct {
	mu      sync.RWMutex
	entries map[string]memoryToken
}

type memoryToken struct {
	token   string
	expires time.Time
}

// NewMemoryTokenCache returns an empty MemoryTokenCache.
func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{entries: map[string]memoryToken{}}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		return "", false, nil
	}
	return e.token, true, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, key, token string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryToken{token: token, expires: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryTokenCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// RedisTokenCache shares bearer tokens between worker processes.
type RedisTokenCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTokenCache returns a TokenCache storing keys under prefix.
func NewRedisTokenCache(client redis.UniversalClient, prefix string) *RedisTokenCache {
	if prefix == "" {
		prefix = "galaxy:token:"
	}
	return &RedisTokenCache{client: client, prefix: prefix}
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, key, token string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, token, ttl).Err()
}

func (c *RedisTokenCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// DefaultTokenTTL applies when the auth server does not report expires_in.
const DefaultTokenTTL = 5 * time.Minute

// TokenRefresher exchanges refresh tokens for bearer tokens. Refreshes are
// serialized; cached tokens are read without the lock.
type TokenRefresher struct {
	mu     sync.Mutex
	cache  TokenCache
	client *http.Client
}

// NewTokenRefresher returns a TokenRefresher. A nil cache keeps tokens in
// memory.
func NewTokenRefresher(cache TokenCache, client *http.Client) *TokenRefresher {
	if cache == nil {
		cache = NewMemoryTokenCache()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenRefresher{cache: cache, client: client}
}

func tokenKey(authURL, refreshToken string) string {
	sum := sha256.Sum256([]byte(authURL + "\x00" + refreshToken))
	return hex.EncodeToString(sum[:])
}

// Token returns a bearer token for refreshToken, refreshing it at authURL
// when none is cached.
func (r *TokenRefresher) Token(ctx context.Context, authURL, refreshToken string) (string, error) {
	key := tokenKey(authURL, refreshToken)
	if tok, ok, err := r.cache.Get(ctx, key); err == nil && ok {
		return tok, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok, err := r.cache.Get(ctx, key); err == nil && ok {
		return tok, nil
	}
	tok, ttl, err := r.refresh(ctx, authURL, refreshToken)
	if err != nil {
		return "", err
	}
	if err := r.cache.Set(ctx, key, tok, ttl); err != nil {
		return "", fmt.Errorf("cache bearer token: %w", err)
	}
	return tok, nil
}

// Invalidate drops the cached token if it is still stale. A token already
// replaced by another caller is kept.
func (r *TokenRefresher) Invalidate(ctx context.Context, authURL, refreshToken, stale string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tokenKey(authURL, refreshToken)
	tok, ok, err := r.cache.Get(ctx, key)
	if err != nil || !ok || tok != stale {
		return err
	}
	return r.cache.Delete(ctx, key)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (r *TokenRefresher) refresh(ctx context.Context, authURL, refreshToken string) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"cloud-services"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: token refresh at %s returned %d", ErrUnauthorized, authURL, resp.StatusCode)
	}
	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: token response has no access_token", ErrUnauthorized)
	}
	ttl := DefaultTokenTTL
	if body.ExpiresIn > 0 {
		// refresh a little early so requests in flight do not race expiry
		ttl = time.Duration(body.ExpiresIn)*time.Second - 10*time.Second
		if ttl <= 0 {
			ttl = time.Duration(body.ExpiresIn) * time.Second
		}
	}
	return body.AccessToken, ttl, nil
}
