package sink

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"

	"revindex/internal/config"
	"revindex/internal/index"
)

// Data file layout, shared with the bulk loader:
//
//	magic    4 bytes "RVIX"
//	version  1 byte
//	header   RLP list {Version, RunID, CreatedMillis, Fields}
//	records  RLP lists of uint64 in Fields order, one per entry, in source order
//
// The record stream ends at end of file.
const (
	DataFileName    = "revision_index.dat"
	DataFileVersion = 1
)

var dataFileMagic = []byte("RVIX")

// DataFileHeader describes the records that follow it.
type DataFileHeader struct {
	Version       uint
	RunID         string
	CreatedMillis uint64
	Fields        []string
}

type dataRecord struct {
	RevisionID      uint64
	ArticleID       uint64
	RevisionCounter uint64
	RevisionPK      uint64
	FullRevisionPK  uint64
	Timestamp       uint64
	Size            uint64
}

func toRecord(e index.Entry) dataRecord {
	return dataRecord{
		RevisionID:      e.RevisionID,
		ArticleID:       e.ArticleID,
		RevisionCounter: e.RevisionCounter,
		RevisionPK:      e.Locator.RowKey,
		FullRevisionPK:  e.Locator.FullRevisionKey,
		Timestamp:       uint64(timestampMillis(e)),
		Size:            e.Size,
	}
}

func (r dataRecord) entry() index.Entry {
	e := index.Entry{
		RevisionID:      r.RevisionID,
		ArticleID:       r.ArticleID,
		RevisionCounter: r.RevisionCounter,
		Locator: index.Locator{
			RowKey:          r.RevisionPK,
			FullRevisionKey: r.FullRevisionPK,
		},
		Size: r.Size,
	}
	if r.Timestamp != 0 {
		e.Timestamp = time.UnixMilli(int64(r.Timestamp)).UTC()
	}
	return e
}

// DataFileSink writes entries into a binary data file for later bulk loading.
type DataFileSink struct {
	path   string
	file   *os.File
	w      *bufio.Writer
	count  uint64
	closed bool
}

// NewDataFileSink creates DataFileName under cfg.OutputDir and writes the
// file header.
func NewDataFileSink(cfg *config.Config, runID string) (*DataFileSink, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create data file directory")
	}
	path := filepath.Join(cfg.OutputDir, DataFileName)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", path)
	}

	s := &DataFileSink{path: path, file: f, w: bufio.NewWriterSize(f, 1<<20)}

	hdr := DataFileHeader{
		Version:       DataFileVersion,
		RunID:         runID,
		CreatedMillis: uint64(time.Now().UnixMilli()),
		Fields:        Columns,
	}
	s.w.Write(dataFileMagic)
	s.w.WriteByte(DataFileVersion)
	if err := rlp.Encode(s.w, &hdr); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "writing header of %s", path)
	}
	return s, nil
}

func (s *DataFileSink) Write(e index.Entry) error {
	if s.closed {
		return errors.New("data file sink is closed")
	}
	rec := toRecord(e)
	if err := rlp.Encode(s.w, &rec); err != nil {
		return errors.Wrapf(err, "writing record %d of %s", s.count, s.path)
	}
	s.count++
	return nil
}

// Close flushes, syncs and closes the file.
func (s *DataFileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.w.Flush()
	if err == nil {
		err = s.file.Sync()
	}
	if cerr := s.file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return errors.Wrapf(err, "closing %s", s.path)
}

func (s *DataFileSink) Path() string { return s.path }

// DataFileReader reads back a file written by DataFileSink.
type DataFileReader struct {
	c      io.Closer
	stream *rlp.Stream
	header DataFileHeader
}

// OpenDataFile opens path and decodes its header.
func OpenDataFile(path string) (*DataFileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewDataFileReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	r.c = f
	return r, nil
}

// NewDataFileReader decodes the header from r.
func NewDataFileReader(r io.Reader) (*DataFileReader, error) {
	br := bufio.NewReader(r)

	pre := make([]byte, len(dataFileMagic)+1)
	if _, err := io.ReadFull(br, pre); err != nil {
		return nil, errors.Wrap(err, "reading magic")
	}
	if !bytes.Equal(pre[:len(dataFileMagic)], dataFileMagic) {
		return nil, errors.Errorf("not a revision index data file (magic %q)", pre[:len(dataFileMagic)])
	}
	if pre[len(dataFileMagic)] != DataFileVersion {
		return nil, errors.Errorf("unsupported data file version %d", pre[len(dataFileMagic)])
	}

	d := &DataFileReader{stream: rlp.NewStream(br, 0)}
	if err := d.stream.Decode(&d.header); err != nil {
		return nil, errors.Wrap(err, "decoding header")
	}
	if len(d.header.Fields) != len(Columns) {
		return nil, errors.Errorf("header lists %d fields, want %d", len(d.header.Fields), len(Columns))
	}
	return d, nil
}

func (d *DataFileReader) Header() DataFileHeader { return d.header }

// Next returns the next entry, or io.EOF after the last one.
func (d *DataFileReader) Next() (index.Entry, error) {
	var rec dataRecord
	if err := d.stream.Decode(&rec); err != nil {
		if err == io.EOF {
			return index.Entry{}, io.EOF
		}
		return index.Entry{}, errors.Wrap(err, "decoding record")
	}
	return rec.entry(), nil
}

func (d *DataFileReader) Close() error {
	if d.c == nil {
		return nil
	}
	return d.c.Close()
}
