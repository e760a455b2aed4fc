package mailbox

import (
	"strings"
	"sync"
)

// LockTable is the per-mailbox mutual exclusion registry. It prevents two
// POP3 sessions from manipulating one mailbox concurrently. Acquisition is
// a single atomic test-and-set; there is no separate check-then-lock step.
type LockTable struct {
	mu     sync.Mutex
	locked map[string]struct{}
}

// NewLockTable creates an empty LockTable.
func NewLockTable() *LockTable {
	return &LockTable{
		locked: make(map[string]struct{}),
	}
}

// TryLock attempts to acquire the lock for a mailbox. It returns false
// when another session already holds the lock.
func (t *LockTable) TryLock(mailbox string) bool {
	key := normalize(mailbox)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.locked[key]; held {
		return false
	}
	t.locked[key] = struct{}{}
	return true
}

// Unlock releases the lock for a mailbox. Unlocking a mailbox that is not
// locked is a no-op.
func (t *LockTable) Unlock(mailbox string) {
	key := normalize(mailbox)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locked, key)
}

// IsLocked reports whether a mailbox is currently locked.
func (t *LockTable) IsLocked(mailbox string) bool {
	key := normalize(mailbox)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, held := t.locked[key]
	return held
}

func normalize(mailbox string) string {
	return strings.ToLower(strings.TrimSpace(mailbox))
}
