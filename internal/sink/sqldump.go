package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"revindex/internal/config"
	"revindex/internal/index"
	"revindex/internal/mysqldb"
)

// DumpFileName is the script written into the output directory.
const DumpFileName = "revision_index.sql"

// SQLDumpSink writes the index as a SQL script: table definition followed by
// multi-row INSERT statements sized like the database sink's batches. The
// script is encoded in the configured character set. It never touches a
// database.
type SQLDumpSink struct {
	path   string
	file   *os.File
	enc    io.WriteCloser
	w      *bufio.Writer
	batch  *insertBuilder
	closed bool
}

// NewSQLDumpSink creates DumpFileName under cfg.OutputDir, creating the
// directory tree if needed, and writes the script prologue.
func NewSQLDumpSink(cfg *config.Config, runID string) (*SQLDumpSink, error) {
	e, err := htmlindex.Get(cfg.Charset)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown charset %q", cfg.Charset)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create sql output directory")
	}
	path := filepath.Join(cfg.OutputDir, DumpFileName)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", path)
	}

	enc := transform.NewWriter(f, e.NewEncoder())
	s := &SQLDumpSink{
		path:  path,
		file:  f,
		enc:   enc,
		w:     bufio.NewWriterSize(enc, 1<<20),
		batch: newInsertBuilder(cfg.MaxAllowedPacket, cfg.BufferSize),
	}

	fmt.Fprintf(s.w, "-- revision index dump\n-- run %s, started %s\n\n", runID, time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(s.w, "SET NAMES %s;\n", mysqldb.Charset(cfg.Charset))
	fmt.Fprintf(s.w, "DROP TABLE IF EXISTS `%s`;\n", Table)
	fmt.Fprintf(s.w, "%s;\n\n", createTable)
	if err := s.w.Flush(); err != nil {
		s.enc.Close()
		f.Close()
		return nil, errors.Wrapf(err, "writing prologue of %s", path)
	}
	return s, nil
}

func (s *SQLDumpSink) Write(e index.Entry) error {
	if s.closed {
		return errors.New("sql dump sink is closed")
	}
	for _, stmt := range s.batch.add(e) {
		if err := s.writeStatement(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close writes the pending statement and closes the file. The file is
// closed on every path.
func (s *SQLDumpSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if stmt := s.batch.take(); stmt != "" {
		err = s.writeStatement(stmt)
	}
	if err == nil {
		err = s.w.Flush()
	}
	if cerr := s.enc.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if cerr := s.file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return errors.Wrapf(err, "closing %s", s.path)
}

// Path is the location of the script.
func (s *SQLDumpSink) Path() string { return s.path }

func (s *SQLDumpSink) writeStatement(stmt string) error {
	if _, err := s.w.WriteString(stmt); err != nil {
		return errors.Wrapf(err, "writing %s", s.path)
	}
	if _, err := s.w.WriteString(";\n"); err != nil {
		return errors.Wrapf(err, "writing %s", s.path)
	}
	return nil
}
