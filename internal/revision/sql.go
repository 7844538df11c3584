package revision

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"revindex/internal/config"
	"revindex/internal/mysqldb"
)

// pageQuery walks the revisions table by primary key. Keyset pagination keeps
// each page query cheap no matter how far into the table the run is.
const pageQuery = "SELECT PrimaryKey, FullRevisionID, RevisionCounter, RevisionID, ArticleID, Timestamp, LENGTH(Revision) " +
	"FROM revisions WHERE PrimaryKey > ? ORDER BY PrimaryKey LIMIT ?"

// SQLSource reads revisions page by page from a revision store database.
// At most one page is held in memory.
type SQLSource struct {
	ctx      context.Context
	db       *sql.DB
	pageSize int

	page    []Revision
	pos     int
	lastKey uint64
	last    bool // no page follows the current one
	err     error
	done    bool
}

// Open dials the revision store described by cfg and returns a source over
// its revisions table, paging cfg.BufferSize rows at a time.
func Open(ctx context.Context, cfg *config.Config) (Source, error) {
	db, err := mysqldb.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewSQLSource(ctx, db, cfg.BufferSize), nil
}

// NewSQLSource wraps an open database handle. The source owns db and closes
// it on Close.
func NewSQLSource(ctx context.Context, db *sql.DB, pageSize int) *SQLSource {
	if pageSize < 1 {
		pageSize = config.DefaultBufferSize
	}
	return &SQLSource{ctx: ctx, db: db, pageSize: pageSize}
}

func (s *SQLSource) HasNext() bool {
	if s.pos < len(s.page) || s.err != nil {
		return true
	}
	if s.done || s.last {
		s.done = true
		return false
	}
	s.err = s.fetch()
	if s.pos < len(s.page) || s.err != nil {
		return true
	}
	s.done = true
	return false
}

// Next drains the rows read before a failure, then reports the failure once.
// The source is dead afterwards.
func (s *SQLSource) Next() (Revision, error) {
	if !s.HasNext() {
		return Revision{}, ErrExhausted
	}
	if s.pos < len(s.page) {
		r := s.page[s.pos]
		s.pos++
		return r, nil
	}
	err := s.err
	s.err = nil
	s.done = true
	s.page = nil
	return Revision{}, err
}

func (s *SQLSource) Close() error {
	s.page = nil
	s.done = true
	return s.db.Close()
}

func (s *SQLSource) fetch() error {
	rows, err := s.db.QueryContext(s.ctx, pageQuery, int64(s.lastKey), s.pageSize)
	if err != nil {
		return errors.Wrapf(err, "querying revisions after key %d", s.lastKey)
	}
	defer rows.Close()

	s.page = s.page[:0]
	s.pos = 0
	for rows.Next() {
		var (
			pk, full, counter, revID, articleID, ts int64
			size                                    sql.NullInt64
		)
		if err := rows.Scan(&pk, &full, &counter, &revID, &articleID, &ts, &size); err != nil {
			s.last = true
			return errors.Wrapf(err, "decoding revision row after key %d", s.lastKey)
		}
		r := Revision{
			PrimaryKey:      uint64(pk),
			FullRevisionKey: uint64(full),
			RevisionCounter: uint64(counter),
			RevisionID:      uint64(revID),
			ArticleID:       uint64(articleID),
			Timestamp:       time.UnixMilli(ts).UTC(),
		}
		if size.Valid {
			r.Size = uint64(size.Int64)
		}
		if err := validate(r, pk); err != nil {
			s.last = true
			return err
		}
		s.page = append(s.page, r)
		s.lastKey = r.PrimaryKey
	}
	if err := rows.Err(); err != nil {
		s.last = true
		return errors.Wrapf(err, "reading revisions after key %d", s.lastKey)
	}

	s.last = len(s.page) < s.pageSize
	return nil
}

func validate(r Revision, pk int64) error {
	switch {
	case pk <= 0:
		return fmt.Errorf("malformed revision row: primary key %d", pk)
	case r.RevisionID == 0:
		return fmt.Errorf("malformed revision row %d: missing revision id", pk)
	case r.ArticleID == 0:
		return fmt.Errorf("malformed revision row %d: missing article id", pk)
	}
	return nil
}
