package sink

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revindex/internal/config"
	"revindex/internal/index"
)

const insertPrefix = "INSERT INTO `revision_index` (`RevisionID`,`ArticleID`,`RevisionCounter`,`RevisionPK`,`FullRevisionPK`,`Timestamp`,`Size`) VALUES "

func entry(id uint64) index.Entry {
	return index.Entry{
		RevisionID:      id,
		ArticleID:       10,
		RevisionCounter: id,
		Locator:         index.Locator{RowKey: id, FullRevisionKey: 1},
	}
}

func testConfig(t *testing.T, kind config.OutputKind) *config.Config {
	return &config.Config{
		Kind:             kind,
		OutputDir:        t.TempDir(),
		Charset:          config.DefaultCharset,
		BufferSize:       2,
		MaxAllowedPacket: config.DefaultMaxAllowedPacket,
	}
}

func TestTuple(t *testing.T) {
	e := index.Entry{
		RevisionID:      5,
		ArticleID:       6,
		RevisionCounter: 7,
		Timestamp:       time.UnixMilli(1200000000000),
		Locator:         index.Locator{RowKey: 8, FullRevisionKey: 9},
		Size:            10,
	}
	assert.Equal(t, "(5,6,7,8,9,1200000000000,10)", string(tuple(e)))
}

func TestInsertBuilderRowLimit(t *testing.T) {
	b := newInsertBuilder(config.DefaultMaxAllowedPacket, 2)

	assert.Empty(t, b.add(entry(1)))
	done := b.add(entry(2))
	require.Len(t, done, 1)
	assert.Equal(t, insertPrefix+"(1,10,1,1,1,0,0),(2,10,2,2,1,0,0)", done[0])

	assert.Empty(t, b.add(entry(3)))
	assert.Equal(t, 1, b.pending())
	assert.Equal(t, insertPrefix+"(3,10,3,3,1,0,0)", b.take())
	assert.Equal(t, "", b.take())
}

func TestInsertBuilderPacketLimit(t *testing.T) {
	// Room for two 16 byte tuples and their separator, not three.
	maxPacket := int64(len(insertPrefix) + statementSlack + 40)
	b := newInsertBuilder(maxPacket, 100)

	var stmts []string
	for id := uint64(1); id <= 5; id++ {
		stmts = append(stmts, b.add(entry(id))...)
	}
	stmts = append(stmts, b.take())

	assert.Equal(t, []string{
		insertPrefix + "(1,10,1,1,1,0,0),(2,10,2,2,1,0,0)",
		insertPrefix + "(3,10,3,3,1,0,0),(4,10,4,4,1,0,0)",
		insertPrefix + "(5,10,5,5,1,0,0)",
	}, stmts)
	for _, s := range stmts {
		assert.LessOrEqual(t, len(s), int(maxPacket)-statementSlack)
	}
}

func TestInsertBuilderSingleRowBatches(t *testing.T) {
	b := newInsertBuilder(int64(len(insertPrefix)+statementSlack+16), 1)

	assert.Equal(t, []string{insertPrefix + "(1,10,1,1,1,0,0)"}, b.add(entry(1)))
	assert.Equal(t, []string{insertPrefix + "(2,10,2,2,1,0,0)"}, b.add(entry(2)))
	assert.Zero(t, b.pending())
}

func TestDatabaseSink(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `revision_index`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE `revision_index`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(insertPrefix + "(1,10,1,1,1,0,0),(2,10,2,2,1,0,0)")).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(insertPrefix + "(3,10,3,3,1,0,0)")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	s, err := NewDatabaseSink(db, testConfig(t, config.OutputDatabase))
	require.NoError(t, err)

	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, s.Write(entry(id)))
	}
	require.NoError(t, s.Close())
	assert.EqualValues(t, 3, s.Written())

	// Second close is a no-op.
	require.NoError(t, s.Close())
	assert.Error(t, s.Write(entry(4)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseSinkBatchFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	boom := errors.New("lock wait timeout exceeded")
	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("TRUNCATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(insertPrefix)).WillReturnError(boom)
	mock.ExpectClose()

	s, err := NewDatabaseSink(db, testConfig(t, config.OutputDatabase))
	require.NoError(t, err)

	require.NoError(t, s.Write(entry(1)))
	err = s.Write(entry(2))
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.Close())
	assert.Zero(t, s.Written())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseSinkInitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("access denied"))

	_, err = NewDatabaseSink(db, testConfig(t, config.OutputDatabase))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating table revision_index")
}

func TestSQLDumpSink(t *testing.T) {
	cfg := testConfig(t, config.OutputSQL)

	s, err := NewSQLDumpSink(cfg, "run-1")
	require.NoError(t, err)
	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, s.Write(entry(id)))
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, DumpFileName))
	require.NoError(t, err)
	script := string(data)

	assert.True(t, strings.HasPrefix(script, "-- revision index dump\n-- run run-1"))
	assert.Contains(t, script, "SET NAMES utf8mb4;\n")
	assert.Contains(t, script, "DROP TABLE IF EXISTS `revision_index`;\n")
	assert.Contains(t, script, "PRIMARY KEY (`RevisionID`)")

	first := strings.Index(script, insertPrefix+"(1,10,1,1,1,0,0),(2,10,2,2,1,0,0);\n")
	second := strings.Index(script, insertPrefix+"(3,10,3,3,1,0,0);\n")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second)
	assert.True(t, strings.HasSuffix(script, insertPrefix+"(3,10,3,3,1,0,0);\n"))
}

func TestSQLDumpSinkCharset(t *testing.T) {
	cfg := testConfig(t, config.OutputSQL)
	cfg.Charset = "ISO-8859-1"

	s, err := NewSQLDumpSink(cfg, "run-2")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "SET NAMES latin1;\n")
	assert.NotContains(t, string(data), "INSERT")
}

func TestSQLDumpSinkUnknownCharset(t *testing.T) {
	cfg := testConfig(t, config.OutputSQL)
	cfg.Charset = "no-such-charset"

	_, err := NewSQLDumpSink(cfg, "run-3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown charset")
}

func TestSQLDumpSinkUnwritableDir(t *testing.T) {
	cfg := testConfig(t, config.OutputSQL)
	blocker := filepath.Join(cfg.OutputDir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.OutputDir = filepath.Join(blocker, "sub")

	_, err := NewSQLDumpSink(cfg, "run-4")
	assert.Error(t, err)
}

func TestDataFileRoundTrip(t *testing.T) {
	cfg := testConfig(t, config.OutputDatafile)

	s, err := NewDataFileSink(cfg, "run-5")
	require.NoError(t, err)

	want := []index.Entry{
		entry(1),
		{
			RevisionID:      2,
			ArticleID:       11,
			RevisionCounter: 4,
			Timestamp:       time.UnixMilli(1300000000123).UTC(),
			Locator:         index.Locator{RowKey: 99, FullRevisionKey: 97},
			Size:            4096,
		},
		entry(3),
	}
	for _, e := range want {
		require.NoError(t, s.Write(e))
	}
	require.NoError(t, s.Close())

	r, err := OpenDataFile(filepath.Join(cfg.OutputDir, DataFileName))
	require.NoError(t, err)
	defer r.Close()

	hdr := r.Header()
	assert.EqualValues(t, DataFileVersion, hdr.Version)
	assert.Equal(t, "run-5", hdr.RunID)
	assert.Equal(t, Columns, hdr.Fields)
	assert.NotZero(t, hdr.CreatedMillis)

	var got []index.Entry
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, e)
	}
	assert.Equal(t, want, got)
}

func TestDataFileReaderRejectsForeignFile(t *testing.T) {
	_, err := NewDataFileReader(strings.NewReader("PK\x03\x04 not ours"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a revision index data file")

	_, err = NewDataFileReader(strings.NewReader("RVIX\x09"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported data file version 9")
}

func TestOpenSelectsVariant(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, testConfig(t, config.OutputDatafile), "run-6")
	require.NoError(t, err)
	assert.IsType(t, &DataFileSink{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, testConfig(t, config.OutputSQL), "run-7")
	require.NoError(t, err)
	assert.IsType(t, &SQLDumpSink{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, testConfig(t, "CSV"), "run-8")
	assert.Error(t, err)
}
