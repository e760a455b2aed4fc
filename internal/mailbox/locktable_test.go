package mailbox

import (
	"sync"
	"testing"
)

func TestLockTableTryLock(t *testing.T) {
	lt := NewLockTable()

	if !lt.TryLock("alice") {
		t.Fatal("TryLock() = false on unlocked mailbox")
	}
	if lt.TryLock("alice") {
		t.Error("TryLock() = true on locked mailbox")
	}
	if !lt.IsLocked("alice") {
		t.Error("IsLocked() = false while lock held")
	}
	if !lt.TryLock("bob") {
		t.Error("TryLock() = false for an unrelated mailbox")
	}

	lt.Unlock("alice")
	if lt.IsLocked("alice") {
		t.Error("IsLocked() = true after Unlock()")
	}
	if !lt.TryLock("alice") {
		t.Error("TryLock() = false after Unlock()")
	}
}

func TestLockTableCaseInsensitive(t *testing.T) {
	lt := NewLockTable()

	if !lt.TryLock("Alice") {
		t.Fatal("TryLock() = false on unlocked mailbox")
	}
	if lt.TryLock("alice") {
		t.Error("TryLock() succeeded for same mailbox with different case")
	}
	lt.Unlock("ALICE")
	if lt.IsLocked("alice") {
		t.Error("IsLocked() = true after Unlock() with different case")
	}
}

func TestLockTableUnlockUnheld(t *testing.T) {
	lt := NewLockTable()
	// Must not panic or corrupt state.
	lt.Unlock("nobody")
	if !lt.TryLock("nobody") {
		t.Error("TryLock() = false after spurious Unlock()")
	}
}

func TestLockTableConcurrentAcquisition(t *testing.T) {
	lt := NewLockTable()

	const contenders = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lt.TryLock("shared") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("concurrent TryLock() winners = %d, want 1", winners)
	}
}
