package db

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

const dbForkKey contextKey = "db_fork"

// ConnBudget splits a pool between pinned request connections and the
// extra connections those requests fork. Pinned plus fork slots never
// exceed the pool size, so a fork that holds a slot always gets a
// connection once transient users release theirs.
type ConnBudget struct {
	pinned    *semaphore.Weighted
	forks     *semaphore.Weighted
	maxPinned int64
	maxForks  int64
}

// NewConnBudget sizes a budget for a pool of maxConns connections. One
// connection is left for background work when the pool has room for it.
func NewConnBudget(maxConns int32) *ConnBudget {
	n := int64(maxConns)
	if n < 1 {
		n = 1
	}
	var reserve int64
	if n >= 3 {
		reserve = 1
	}
	forks := (n - reserve) / 2
	pinned := n - reserve - forks
	return &ConnBudget{
		pinned:    semaphore.NewWeighted(pinned),
		forks:     semaphore.NewWeighted(forks),
		maxPinned: pinned,
		maxForks:  forks,
	}
}

// Limits reports how many pinned and forked connections may be held at once.
func (b *ConnBudget) Limits() (pinned, forks int64) {
	return b.maxPinned, b.maxForks
}

// pin waits for a pinned slot. It holds nothing while waiting.
func (b *ConnBudget) pin(ctx context.Context) (func(), error) {
	if err := b.pinned.Acquire(ctx, 1); err != nil {
		return func() {}, err
	}
	return func() { b.pinned.Release(1) }, nil
}

// forkState is shared by every fork of one pinned connection.
type forkState struct {
	budget *ConnBudget
	mu     sync.Mutex
}

// claim never waits on the pool. With a free fork slot the caller may take
// a fresh connection; otherwise it gets exclusive use of the pinned one.
func (s *forkState) claim() (release func(), fresh bool) {
	if s.budget.forks.TryAcquire(1) {
		return func() { s.budget.forks.Release(1) }, true
	}
	s.mu.Lock()
	return s.mu.Unlock, false
}
