package sync

import (
	"errors"
	"sync"
	"time"
)

// ErrSyncInProgress is returned when a cycle is requested while another one
// holds the lock.
var ErrSyncInProgress = errors.New("sync already in progress")

// Lock admits at most one sync or detection cycle at a time. A second
// request is rejected, never queued.
type Lock struct {
	mu      sync.Mutex
	current *Lease
}

// Lease is proof of holding the Lock. Release it exactly when the cycle
// ends or is aborted.
type Lease struct {
	lock     *Lock
	owner    string
	acquired time.Time
	once     sync.Once
}

// NewLock returns an unheld lock.
func NewLock() *Lock {
	return &Lock{}
}

// TryAcquire takes the lock for owner or fails with ErrSyncInProgress.
func (l *Lock) TryAcquire(owner string) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		return nil, ErrSyncInProgress
	}
	l.current = &Lease{lock: l, owner: owner, acquired: time.Now()}
	return l.current, nil
}

// Held reports the current owner, if any.
func (l *Lock) Held() (owner string, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return "", false
	}
	return l.current.owner, true
}

// Owner is the name given at acquisition.
func (le *Lease) Owner() string { return le.owner }

// Since is when the lease was acquired.
func (le *Lease) Since() time.Time { return le.acquired }

// Release frees the lock. Further calls are no-ops.
func (le *Lease) Release() {
	if le == nil {
		return
	}
	le.once.Do(func() {
		le.lock.mu.Lock()
		defer le.lock.mu.Unlock()
		if le.lock.current == le {
			le.lock.current = nil
		}
	})
}
