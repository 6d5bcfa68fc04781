package trade

import (
	"context"
	"sync"
)

// portfolioLocks hands out one exclusive lock per portfolio ID. Trades on
// different portfolios never contend; entries are dropped once nobody holds
// or waits for them.
type portfolioLocks struct {
	mu    sync.Mutex
	locks map[string]*portfolioLock
}

type portfolioLock struct {
	ch   chan struct{} // buffered(1): a token in the channel means held
	refs int
}

func newPortfolioLocks() *portfolioLocks {
	return &portfolioLocks{locks: make(map[string]*portfolioLock)}
}

// acquire blocks until the lock for id is held or ctx is done. On success the
// returned func releases the lock and must be called exactly once.
func (l *portfolioLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	pl, ok := l.locks[id]
	if !ok {
		pl = &portfolioLock{ch: make(chan struct{}, 1)}
		l.locks[id] = pl
	}
	pl.refs++
	l.mu.Unlock()

	select {
	case pl.ch <- struct{}{}:
		return func() {
			<-pl.ch
			l.unref(id, pl)
		}, nil
	case <-ctx.Done():
		l.unref(id, pl)
		return nil, ctx.Err()
	}
}

func (l *portfolioLocks) unref(id string, pl *portfolioLock) {
	l.mu.Lock()
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
}

// size returns the number of tracked portfolios.
func (l *portfolioLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
