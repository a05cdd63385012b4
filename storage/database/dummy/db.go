package dummydb

import (
	"sync"

	"github.com/trezcool/alama/core/grade"
	"github.com/trezcool/alama/core/retake"
)

// DB is an in-memory store with transaction-like semantics: Atomic snapshots
// the tables and restores them when the closure errors.
type DB struct {
	mut sync.Mutex

	grades      map[string]*grade.Record
	transitions map[string]*grade.Transition
	attempts    map[string]*retake.Attempt
}

func Open() (*DB, error) {
	db := &DB{
		grades:      make(map[string]*grade.Record),
		transitions: make(map[string]*grade.Transition),
		attempts:    make(map[string]*retake.Attempt),
	}
	return db, nil
}

type dbSnapshot struct {
	grades      map[string]*grade.Record
	transitions map[string]*grade.Transition
	attempts    map[string]*retake.Attempt
}

// snapshot deep-copies the tables. Caller holds the lock.
func (db *DB) snapshot() dbSnapshot {
	snap := dbSnapshot{
		grades:      make(map[string]*grade.Record, len(db.grades)),
		transitions: make(map[string]*grade.Transition, len(db.transitions)),
		attempts:    make(map[string]*retake.Attempt, len(db.attempts)),
	}
	for id, rec := range db.grades {
		dup := rec.Clone()
		snap.grades[id] = &dup
	}
	for id, tr := range db.transitions {
		dup := *tr // transitions are append-only, shallow is enough
		snap.transitions[id] = &dup
	}
	for id, att := range db.attempts {
		dup := att.Clone()
		snap.attempts[id] = &dup
	}
	return snap
}

// restore rolls the tables back to a snapshot. Caller holds the lock.
func (db *DB) restore(snap dbSnapshot) {
	db.grades = snap.grades
	db.transitions = snap.transitions
	db.attempts = snap.attempts
}
