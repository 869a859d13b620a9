package cache

import (
	"errors"
	"fmt"
)

// Kind classifies cache failures so callers can decide between retrying,
// continuing and stopping the run.
type Kind int

const (
	// KindSchema: the schema could not be created or migrated.
	KindSchema Kind = iota + 1
	// KindRead: a table could not be read.
	KindRead
	// KindWrite: a single write failed; nothing else was changed.
	KindWrite
	// KindRollback: a multi-row write failed and was rolled back as a whole.
	KindRollback
)

func (k Kind) String() string {
	switch k {
	case KindSchema:
		return "schema"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Error is returned by every Cache operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cache %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a cache error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

func wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
