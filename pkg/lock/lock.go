// Package lock provides named distributed locks. The orchestrator serialises
// admission per dataset with them, and the background loops use them to elect
// a single active instance.
package lock

import (
	"context"
	"errors"
	"fmt"
)

// ErrLockHeld is returned by TryAcquire when another holder owns the lock.
var ErrLockHeld = errors.New("lock is held by another owner")

// Lock names used across the orchestrator. Locks are not reentrant; callers
// must not acquire a lock they already hold.
const (
	SchedulerLockName = "scheduler"
	FailsafeLockName  = "failsafe"
)

// AdmissionLockName returns the per-dataset lock name guarding execution
// admission.
func AdmissionLockName(datasetID string) string {
	return fmt.Sprintf("submit:%s", datasetID)
}

// Lock is a held lock. Release is idempotent.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out named locks. Held locks expire if the holding process dies,
// so a crashed holder never blocks the system permanently.
type Locker interface {
	// Acquire blocks until the named lock is obtained or the context is
	// cancelled.
	Acquire(ctx context.Context, name string) (Lock, error)

	// TryAcquire obtains the named lock without blocking, returning
	// ErrLockHeld when it is taken.
	TryAcquire(ctx context.Context, name string) (Lock, error)

	Close() error
}
