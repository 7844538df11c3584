// Package revision reads revision records from an existing revision store.
//
// A Source is a lazy, forward-only sequence. It cannot be rewound; iterate
// again by opening a new Source.
package revision

import (
	"errors"
	"time"
)

// ErrExhausted is returned by Next once HasNext has reported false.
var ErrExhausted = errors.New("revision source exhausted")

// Revision is one stored revision of an article. Content and diff bytes stay
// in the store; Size carries their stored length.
type Revision struct {
	// PrimaryKey is the row key of the revision in the store.
	PrimaryKey uint64
	// FullRevisionKey is the row key of the full revision the diff chain of
	// this revision starts from.
	FullRevisionKey uint64

	RevisionID      uint64
	ArticleID       uint64
	RevisionCounter uint64
	Timestamp       time.Time
	Size            uint64
}

// Source produces revisions in store order.
type Source interface {
	// HasNext reports whether Next will yield a revision or a read error.
	HasNext() bool
	// Next returns the next revision, ErrExhausted past the end, or the
	// error that stopped the read.
	Next() (Revision, error)
	// Close releases the underlying store handle.
	Close() error
}

// SliceSource serves revisions from memory.
type SliceSource struct {
	revs []Revision
	pos  int
}

func NewSliceSource(revs []Revision) *SliceSource {
	return &SliceSource{revs: revs}
}

func (s *SliceSource) HasNext() bool { return s.pos < len(s.revs) }

func (s *SliceSource) Next() (Revision, error) {
	if !s.HasNext() {
		return Revision{}, ErrExhausted
	}
	r := s.revs[s.pos]
	s.pos++
	return r, nil
}

func (s *SliceSource) Close() error { return nil }
