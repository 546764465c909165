package store

import (
	"errors"
	"sync"
)

// errTxDone is returned when a finished transaction is used again
var errTxDone = errors.New("transaction already finished")

// txHooks tracks the completion callbacks shared by every Tx implementation
type txHooks struct {
	mu            sync.Mutex
	done          bool
	afterCommit   []func()
	afterRollback []func()
}

func (h *txHooks) AfterCommit(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.afterCommit = append(h.afterCommit, fn)
}

func (h *txHooks) AfterRollback(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.afterRollback = append(h.afterRollback, fn)
}

// finish marks the transaction done and returns the hooks to run for the
// outcome. It returns false if the transaction was already finished.
func (h *txHooks) finish(committed bool) ([]func(), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return nil, false
	}
	h.done = true
	hooks := h.afterRollback
	if committed {
		hooks = h.afterCommit
	}
	h.afterCommit = nil
	h.afterRollback = nil
	return hooks, true
}

func (h *txHooks) isDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func runHooks(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}
