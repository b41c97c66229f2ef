package authz

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingAuthorizer struct {
	allowed bool
	err     error
	calls   atomic.Int64
}

func (c *countingAuthorizer) Authorize(context.Context, AuthzRequest) (bool, error) {
	c.calls.Add(1)
	return c.allowed, c.err
}

func TestCachedAuthorizer(t *testing.T) {
	upload := AuthzRequest{User: "curator", Authenticated: true, Resource: ResourceCollections, Verb: VerbUpload, Namespace: "testing"}

	t.Run("reuses decisions per request", func(t *testing.T) {
		inner := &countingAuthorizer{allowed: true}
		c := NewCachedAuthorizer(inner, time.Minute)
		for range 3 {
			ok, err := c.Authorize(context.Background(), upload)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		assert.EqualValues(t, 1, inner.calls.Load())

		other := upload
		other.Namespace = "community"
		_, err := c.Authorize(context.Background(), other)
		require.NoError(t, err)
		assert.EqualValues(t, 2, inner.calls.Load())
	})

	t.Run("caches denials", func(t *testing.T) {
		inner := &countingAuthorizer{}
		c := NewCachedAuthorizer(inner, time.Minute)
		for range 2 {
			ok, err := c.Authorize(context.Background(), upload)
			require.NoError(t, err)
			assert.False(t, ok)
		}
		assert.EqualValues(t, 1, inner.calls.Load())
	})

	t.Run("does not cache errors", func(t *testing.T) {
		inner := &countingAuthorizer{err: errors.New("policy unavailable")}
		c := NewCachedAuthorizer(inner, time.Minute)
		for range 2 {
			_, err := c.Authorize(context.Background(), upload)
			assert.Error(t, err)
		}
		assert.EqualValues(t, 2, inner.calls.Load())
	})

	t.Run("expires", func(t *testing.T) {
		inner := &countingAuthorizer{allowed: true}
		c := NewCachedAuthorizer(inner, 10*time.Millisecond)
		_, _ = c.Authorize(context.Background(), upload)
		assert.Eventually(t, func() bool {
			_, _ = c.Authorize(context.Background(), upload)
			return inner.calls.Load() >= 2
		}, time.Second, 20*time.Millisecond)
	})
}
