package index

import (
	"time"

	"revindex/internal/revision"
)

// Locator is where a revision physically lives in the revision store.
type Locator struct {
	// RowKey is the primary key of the revision row.
	RowKey uint64
	// FullRevisionKey is the row holding the full revision its diff chain
	// starts from. Equal to RowKey for full revisions.
	FullRevisionKey uint64
}

// Entry maps a revision identifier to its locator.
type Entry struct {
	RevisionID      uint64
	ArticleID       uint64
	RevisionCounter uint64
	Timestamp       time.Time
	Locator         Locator
	Size            uint64
}

// Build derives the index entry of rev. It copies what the store already
// recorded and never looks at content, so its cost does not depend on the
// revision size.
func Build(rev revision.Revision) Entry {
	return Entry{
		RevisionID:      rev.RevisionID,
		ArticleID:       rev.ArticleID,
		RevisionCounter: rev.RevisionCounter,
		Timestamp:       rev.Timestamp,
		Locator: Locator{
			RowKey:          rev.PrimaryKey,
			FullRevisionKey: rev.FullRevisionKey,
		},
		Size: rev.Size,
	}
}

// IsFull reports whether the entry points at a full revision rather than a diff.
func (e Entry) IsFull() bool {
	return e.Locator.RowKey == e.Locator.FullRevisionKey
}
