package authz

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheTTL bounds how long a decision is reused.
	DefaultCacheTTL = 10 * time.Second
	// DefaultCacheSize is the number of decisions kept.
	DefaultCacheSize = 4096
)

// CachedAuthorizer remembers the decisions of another Authorizer for a
// short time. Denials are cached too; errors are not.
type CachedAuthorizer struct {
	inner     Authorizer
	decisions *expirable.LRU[string, bool]
}

// NewCachedAuthorizer wraps inner with a DefaultCacheSize decision cache.
func NewCachedAuthorizer(inner Authorizer, ttl time.Duration) *CachedAuthorizer {
	return &CachedAuthorizer{
		inner:     inner,
		decisions: expirable.NewLRU[string, bool](DefaultCacheSize, nil, ttl),
	}
}

func (c *CachedAuthorizer) Authorize(ctx context.Context, req AuthzRequest) (bool, error) {
	key := cacheKey(req)
	if allowed, ok := c.decisions.Get(key); ok {
		return allowed, nil
	}
	allowed, err := c.inner.Authorize(ctx, req)
	if err != nil {
		return false, err
	}
	c.decisions.Add(key, allowed)
	return allowed, nil
}

func cacheKey(req AuthzRequest) string {
	return strings.Join([]string{
		req.User,
		strings.Join(req.Groups, ","),
		strconv.FormatBool(req.Authenticated),
		req.Resource,
		req.Verb,
		req.Namespace,
	}, "\x00")
}
