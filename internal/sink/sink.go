// Package sink persists index entries in one of three representations: rows
// in a live database, a SQL dump script, or a binary data file.
//
// All sinks keep arrival order. A sink is written to by a single goroutine
// and closed exactly once by its owner.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"revindex/internal/config"
	"revindex/internal/index"
	"revindex/internal/mysqldb"
)

// Sink is the destination of generated index entries.
type Sink interface {
	// Write appends one entry. It may buffer; a returned error is fatal for
	// the run.
	Write(index.Entry) error
	// Close flushes buffered entries and releases the underlying resource.
	Close() error
}

// Table is the index table filled by the database and SQL dump sinks.
const Table = "revision_index"

// Columns lists the index table columns in insert and data file order.
var Columns = []string{
	"RevisionID",
	"ArticleID",
	"RevisionCounter",
	"RevisionPK",
	"FullRevisionPK",
	"Timestamp",
	"Size",
}

const createTable = "CREATE TABLE IF NOT EXISTS `" + Table + "` (\n" +
	"  `RevisionID` BIGINT UNSIGNED NOT NULL,\n" +
	"  `ArticleID` BIGINT UNSIGNED NOT NULL,\n" +
	"  `RevisionCounter` BIGINT UNSIGNED NOT NULL,\n" +
	"  `RevisionPK` BIGINT UNSIGNED NOT NULL,\n" +
	"  `FullRevisionPK` BIGINT UNSIGNED NOT NULL,\n" +
	"  `Timestamp` BIGINT NOT NULL,\n" +
	"  `Size` BIGINT UNSIGNED NOT NULL,\n" +
	"  PRIMARY KEY (`RevisionID`),\n" +
	"  KEY `ArticleID` (`ArticleID`, `RevisionCounter`)\n" +
	")"

// Open builds the sink selected by cfg.Kind. Exactly one variant is
// constructed; the choice holds for the whole run.
func Open(ctx context.Context, cfg *config.Config, runID string) (Sink, error) {
	switch cfg.Kind {
	case config.OutputDatabase:
		db, err := mysqldb.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s, err := NewDatabaseSink(db, cfg)
		if err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	case config.OutputSQL:
		s, err := NewSQLDumpSink(cfg, runID)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.OutputDatafile:
		s, err := NewDataFileSink(cfg, runID)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported output kind: %q", cfg.Kind)
	}
}

// insertBuilder accumulates multi-row INSERT statements. A statement never
// grows past maxBytes and never holds more than maxRows tuples.
type insertBuilder struct {
	maxBytes int
	maxRows  int
	prefix   string
	buf      bytes.Buffer
	rows     int
}

// statementSlack leaves room for the terminator and the protocol header.
const statementSlack = 64

func newInsertBuilder(maxPacket int64, maxRows int) *insertBuilder {
	quoted := make([]string, len(Columns))
	for i, c := range Columns {
		quoted[i] = "`" + c + "`"
	}
	if maxRows < 1 {
		maxRows = config.DefaultBufferSize
	}
	return &insertBuilder{
		maxBytes: int(maxPacket) - statementSlack,
		maxRows:  maxRows,
		prefix:   "INSERT INTO `" + Table + "` (" + strings.Join(quoted, ",") + ") VALUES ",
	}
}

// add appends the tuple of e and returns the statements it completed: the
// pending one when e did not fit into it, and the one holding e when that
// reached maxRows.
func (b *insertBuilder) add(e index.Entry) []string {
	var done []string
	t := tuple(e)
	if b.rows > 0 && b.buf.Len()+1+len(t) > b.maxBytes {
		done = append(done, b.take())
	}
	if b.rows == 0 {
		b.buf.WriteString(b.prefix)
	} else {
		b.buf.WriteByte(',')
	}
	b.buf.Write(t)
	b.rows++

	if b.rows >= b.maxRows {
		done = append(done, b.take())
	}
	return done
}

// take returns the pending statement, empty when nothing is pending, and
// resets the builder.
func (b *insertBuilder) take() string {
	if b.rows == 0 {
		return ""
	}
	s := b.buf.String()
	b.buf.Reset()
	b.rows = 0
	return s
}

func (b *insertBuilder) pending() int { return b.rows }

// tuple renders e as "(v1,v2,...)" in Columns order.
func tuple(e index.Entry) []byte {
	t := make([]byte, 0, 7*12)
	t = append(t, '(')
	t = strconv.AppendUint(t, e.RevisionID, 10)
	t = append(t, ',')
	t = strconv.AppendUint(t, e.ArticleID, 10)
	t = append(t, ',')
	t = strconv.AppendUint(t, e.RevisionCounter, 10)
	t = append(t, ',')
	t = strconv.AppendUint(t, e.Locator.RowKey, 10)
	t = append(t, ',')
	t = strconv.AppendUint(t, e.Locator.FullRevisionKey, 10)
	t = append(t, ',')
	t = strconv.AppendInt(t, timestampMillis(e), 10)
	t = append(t, ',')
	t = strconv.AppendUint(t, e.Size, 10)
	return append(t, ')')
}

func timestampMillis(e index.Entry) int64 {
	if e.Timestamp.IsZero() {
		return 0
	}
	return e.Timestamp.UnixMilli()
}
