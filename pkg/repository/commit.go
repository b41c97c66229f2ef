package repository

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

type commitHooksKey struct{}

type commitHooks struct {
	mu  sync.Mutex
	fns []func()
}

// AfterCommit runs fn once the outermost Engine.Transaction carried by ctx
// commits, or at once when ctx carries none. Hooks of a transaction that
// rolls back are dropped.
func AfterCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(commitHooksKey{}).(*commitHooks); ok {
		h.mu.Lock()
		h.fns = append(h.fns, fn)
		h.mu.Unlock()
		return
	}
	fn()
}

// Transaction runs fn in a transaction on the engine's handle, nesting as
// a savepoint when the handle already is one. fn must use the ctx it is
// given.
func (e *Engine) Transaction(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	if _, nested := ctx.Value(commitHooksKey{}).(*commitHooks); nested {
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error { return fn(ctx, tx) })
	}
	h := &commitHooks{}
	ctx = context.WithValue(ctx, commitHooksKey{}, h)
	if err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error { return fn(ctx, tx) }); err != nil {
		return err
	}
	h.mu.Lock()
	fns := h.fns
	h.mu.Unlock()
	for _, f := range fns {
		f()
	}
	return nil
}
