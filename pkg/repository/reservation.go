package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ansible/content-repository/pkg/ha"
)

// ErrNotReserved is returned when a repository is mutated without an
// exclusive reservation held by the calling task.
var ErrNotReserved = errors.New("repository is not reserved by this task")

type reservationKey struct{}

// ResourceName is the reservation resource for a repository.
func ResourceName(repositoryID string) string {
	return "repository:" + repositoryID
}

// WithReserved marks the repositories as exclusively reserved in ctx. The
// task runner calls this once it holds the locks.
func WithReserved(ctx context.Context, repositoryIDs ...string) context.Context {
	held := map[string]bool{}
	if prev, ok := ctx.Value(reservationKey{}).(map[string]bool); ok {
		for k := range prev {
			held[k] = true
		}
	}
	for _, id := range repositoryIDs {
		held[id] = true
	}
	return context.WithValue(ctx, reservationKey{}, held)
}

// Reserved reports whether ctx holds a reservation on the repository.
func Reserved(ctx context.Context, repositoryID string) bool {
	held, _ := ctx.Value(reservationKey{}).(map[string]bool)
	return held[repositoryID]
}

// Reserver acquires exclusive repository reservations through a Locker.
type Reserver struct {
	locker ha.Locker
}

// NewReserver returns a Reserver backed by locker.
func NewReserver(locker ha.Locker) *Reserver {
	if locker == nil {
		locker = ha.NoopLocker{}
	}
	return &Reserver{locker: locker}
}

// Do runs fn while holding exclusive reservations on every repository.
// Locks are taken in sorted order so concurrent callers cannot deadlock.
func (r *Reserver) Do(ctx context.Context, repositoryIDs []string, fn func(ctx context.Context) error) error {
	ids := make([]string, 0, len(repositoryIDs))
	seen := map[string]bool{}
	for _, id := range repositoryIDs {
		if !seen[id] && !Reserved(ctx, id) {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return r.acquire(ctx, ids, fn)
}

func (r *Reserver) acquire(ctx context.Context, ids []string, fn func(ctx context.Context) error) error {
	if len(ids) == 0 {
		return fn(ctx)
	}
	id := ids[0]
	return r.locker.WithLock(ctx, ResourceName(id), func(ctx context.Context) error {
		return r.acquire(WithReserved(ctx, id), ids[1:], fn)
	})
}

func requireReservation(ctx context.Context, repositoryID string) error {
	if !Reserved(ctx, repositoryID) {
		return fmt.Errorf("%w: %s", ErrNotReserved, repositoryID)
	}
	return nil
}
