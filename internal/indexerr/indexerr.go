package indexerr

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal failure of an index run.
type Kind int

const (
	// Unknown is reported by KindOf for errors that never went through this package.
	Unknown Kind = iota
	// SourceRead marks malformed or unreachable revision data.
	SourceRead
	// SinkInit marks an output target that could not be opened.
	SinkInit
	// SinkWrite marks a failure persisting an entry (including the final flush).
	SinkWrite
	// Config marks a missing or invalid configuration field.
	Config
)

func (k Kind) String() string {
	switch k {
	case SourceRead:
		return "source read"
	case SinkInit:
		return "sink init"
	case SinkWrite:
		return "sink write"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced by an index run. The original cause
// is kept in Err and reachable through errors.Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with kind and op. Wrapping an *Error again keeps the inner
// kind, so a failure is only ever classified once.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *Error
	if errors.As(err, &ie) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error from a formatted message.
func Errorf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: SinkInit})
// works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return Unknown
}
