package core

import "errors"

// Coordination errors surfaced by the document store.
var (
	ErrNotLeader     = errors.New("not the current leader")
	ErrRecordMissing = errors.New("record not found")
)
