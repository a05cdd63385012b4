package grade

import (
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/alama/core"
)

// Advisory component locks. A lock is a row-embedded descriptor checked and
// set inside the same transaction as the guarded mutation; it is never a
// database-held lock and it never expires on its own.

func validComponent(component string) bool {
	for _, c := range Components {
		if c == component {
			return true
		}
	}
	return false
}

func checkComponent(component string) error {
	if !validComponent(component) {
		return core.NewValidationError(
			errors.New("unknown component"),
			core.FieldError{Field: "component", Error: "component must be one of tx, dk, final"},
		)
	}
	return nil
}

// acquireLock marks component as locked by actor. Re-acquiring one's own
// lock refreshes the timestamp.
func acquireLock(rec *Record, component string, actor Actor, now time.Time) error {
	if lock, held := rec.Locks[component]; held && lock.HolderID != actor.ID {
		return ErrLockConflict
	}
	if rec.Locks == nil {
		rec.Locks = make(LockSet, 1)
	}
	rec.Locks[component] = LockDescriptor{
		Component:  component,
		HolderID:   actor.ID,
		HolderName: actor.Name,
		AcquiredAt: now,
	}
	return nil
}

// releaseLock clears component's lock. Only the holder may release it unless
// force is set (admin override; the caller logs the override).
func releaseLock(rec *Record, component string, actor Actor, force bool) error {
	lock, held := rec.Locks[component]
	if !held {
		return nil
	}
	if lock.HolderID != actor.ID && !force {
		return ErrNotLockHolder
	}
	delete(rec.Locks, component)
	return nil
}

// checkWritable rejects a write to component when it is locked by someone else.
func checkWritable(rec Record, component string, actor Actor) error {
	if lock, held := rec.Locks[component]; held && lock.HolderID != actor.ID {
		return ErrLockConflict
	}
	return nil
}
