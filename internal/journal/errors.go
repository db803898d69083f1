package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a requested document, stream, or operation
	// does not exist.
	ErrNotFound = errors.New("journal: not found")
	// ErrScopeNotDeclared indicates an append into a scope the document does
	// not declare.
	ErrScopeNotDeclared = errors.New("journal: scope not declared by document")
	// ErrNonContiguousIndex indicates an append whose index is past the
	// stream head plus one, which would leave a hole in the log.
	ErrNonContiguousIndex = errors.New("journal: index is ahead of stream head")
)

// ConflictError reports an index race: the proposed index is already
// occupied in the stream. The caller re-reads the head and resubmits at
// the new index, with skip = 0 for an ordinary append or a nonzero skip to
// logically discard the interleaving operations.
type ConflictError struct {
	Key   StreamKey
	Index int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("operation index %d already exists in stream %s", e.Index, e.Key)
}

// InvalidSkipError reports a skip count that reaches past the operations
// actually present in the stream.
type InvalidSkipError struct {
	Key   StreamKey
	Index int64
	Skip  int64
}

func (e *InvalidSkipError) Error() string {
	return fmt.Sprintf("skip %d is invalid for append at index %d in stream %s", e.Skip, e.Index, e.Key)
}

// ChainIntegrityError reports a hash mismatch found while verifying a
// stream. It indicates storage corruption or tampering; verification fails
// closed at the first mismatching operation and the stream must be
// reconciled manually.
type ChainIntegrityError struct {
	Key      StreamKey
	Index    int64
	Stored   string
	Computed string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain integrity failure in stream %s at index %d: stored hash %s, computed %s", e.Key, e.Index, e.Stored, e.Computed)
}
