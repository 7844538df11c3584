package sink

import (
	"database/sql"

	"github.com/pkg/errors"

	"revindex/internal/config"
	"revindex/internal/index"
)

// DatabaseSink writes entries straight into the index table of a live
// database with batched multi-row INSERTs. A batch is bounded by the
// configured buffer size and max packet size. A failed batch is not retried.
type DatabaseSink struct {
	db      *sql.DB
	batch   *insertBuilder
	written uint64
	closed  bool
}

// NewDatabaseSink prepares the index table on db and takes ownership of db.
// Rows left behind by an earlier run are removed: a run always starts from an
// empty index.
func NewDatabaseSink(db *sql.DB, cfg *config.Config) (*DatabaseSink, error) {
	if _, err := db.Exec(createTable); err != nil {
		return nil, errors.Wrapf(err, "creating table %s", Table)
	}
	if _, err := db.Exec("TRUNCATE TABLE `" + Table + "`"); err != nil {
		return nil, errors.Wrapf(err, "truncating table %s", Table)
	}
	return &DatabaseSink{
		db:    db,
		batch: newInsertBuilder(cfg.MaxAllowedPacket, cfg.BufferSize),
	}, nil
}

func (s *DatabaseSink) Write(e index.Entry) error {
	if s.closed {
		return errors.New("database sink is closed")
	}
	for _, stmt := range s.batch.add(e) {
		if err := s.exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close inserts the pending batch and closes the connection pool. The pool is
// closed even when the last batch fails.
func (s *DatabaseSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if stmt := s.batch.take(); stmt != "" {
		err = s.exec(stmt)
	}
	if cerr := s.db.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "closing database connection")
	}
	return err
}

// Written reports how many entries reached the database.
func (s *DatabaseSink) Written() uint64 { return s.written }

func (s *DatabaseSink) exec(stmt string) error {
	res, err := s.db.Exec(stmt)
	if err != nil {
		return errors.Wrapf(err, "inserting batch after %d entries", s.written)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading inserted row count")
	}
	s.written += uint64(n)
	return nil
}
