// Package lock provides per-account locking for merge operations.
// The durable in-flight guard is the partial unique index on merge_records;
// this in-process lock makes a concurrent duplicate within one process fail
// fast instead of surfacing a constraint violation.
package lock

import (
	"context"
	"sync"
	"time"
)

// accountMutex wraps a mutex with reference counting for pooling.
type accountMutex struct {
	mu       sync.Mutex
	refCount int
}

// AccountLock provides per-account-ID locking to serialize merge attempts
// for the same real account.
type AccountLock struct {
	locks sync.Map // map[string]*accountMutex
	pool  sync.Pool
}

// NewAccountLock creates a new AccountLock instance.
func NewAccountLock() *AccountLock {
	return &AccountLock{
		pool: sync.Pool{
			New: func() any {
				return &accountMutex{}
			},
		},
	}
}

// getLock retrieves or creates a mutex for the given account ID.
func (al *AccountLock) getLock(accountID string) *accountMutex {
	if v, ok := al.locks.Load(accountID); ok {
		return v.(*accountMutex)
	}

	newLock := al.pool.Get().(*accountMutex)
	newLock.refCount = 0

	actual, loaded := al.locks.LoadOrStore(accountID, newLock)
	if loaded {
		// Another goroutine created the lock first, return ours to pool.
		al.pool.Put(newLock)
	}
	return actual.(*accountMutex)
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false otherwise.
func (al *AccountLock) TryLock(accountID string) bool {
	lock := al.getLock(accountID)
	if lock.mu.TryLock() {
		lock.refCount++
		return true
	}
	return false
}

// LockWithTimeout attempts to acquire the lock, waiting up to timeout.
// Returns true if the lock was acquired, false if the timeout elapsed.
func (al *AccountLock) LockWithTimeout(ctx context.Context, accountID string, timeout time.Duration) bool {
	lock := al.getLock(accountID)

	done := make(chan struct{})
	go func() {
		lock.mu.Lock()
		close(done)
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
		lock.refCount++
		return true
	case <-timeoutCtx.Done():
		// The goroutine will still acquire the lock eventually; release it
		// as soon as it does.
		go func() {
			<-done
			lock.mu.Unlock()
		}()
		return false
	}
}

// Unlock releases the lock for an account.
func (al *AccountLock) Unlock(accountID string) {
	if v, ok := al.locks.Load(accountID); ok {
		lock := v.(*accountMutex)
		lock.refCount--
		lock.mu.Unlock()
	}
}

// IsLocked checks if an account currently has an active lock.
// This is a point-in-time check and may change immediately after.
func (al *AccountLock) IsLocked(accountID string) bool {
	if v, ok := al.locks.Load(accountID); ok {
		lock := v.(*accountMutex)
		if lock.mu.TryLock() {
			lock.mu.Unlock()
			return false
		}
		return true
	}
	return false
}

// WithLock executes a function while holding the account's lock, acquiring
// it with TryLock. Returns ErrLockHeld without invoking fn when the lock is
// already held.
func (al *AccountLock) WithLock(accountID string, fn func() error) error {
	if !al.TryLock(accountID) {
		return ErrLockHeld
	}
	defer al.Unlock(accountID)
	return fn()
}
