package conntrack

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultLockTimeout bounds how long Lock waits before reporting a fault.
const DefaultLockTimeout = 2 * time.Second

// ErrLockTimeout is returned when the table lock could not be acquired in
// time. It is fatal: contention this long means a holder is stuck.
var ErrLockTimeout = errors.New("conntrack: table lock timeout")

// Lock acquires the table lock, waiting at most the configured lock timeout.
// On timeout the fault is reported to OnFatal and ErrLockTimeout is returned;
// the caller must not retry.
func (t *Table) Lock() error {
	if t.sem.TryAcquire(1) {
		return nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), t.lockTimeout)
	defer cancel()
	if err := t.sem.Acquire(ctx, 1); err != nil {
		err = fmt.Errorf("%w after %s", ErrLockTimeout, t.lockTimeout)
		t.fatal(err)
		return err
	}
	t.metrics.LockWait(time.Since(start))
	return nil
}

// Unlock releases the table lock.
func (t *Table) Unlock() {
	t.sem.Release(1)
}

func (t *Table) fatal(err error) {
	t.fatalOnce.Do(func() {
		t.logger.Error().Err(err).Msg("Unrecoverable connection table fault")
		if t.onFatal != nil {
			t.onFatal(err)
		}
	})
}
