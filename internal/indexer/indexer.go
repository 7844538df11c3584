package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"revindex/internal/config"
	"revindex/internal/index"
	"revindex/internal/indexerr"
	"revindex/internal/revision"
	"revindex/internal/sink"
)

// State is the lifecycle position of an Indexer.
type State int

const (
	Idle State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SourceFunc opens the revision source of a run.
type SourceFunc func(ctx context.Context, cfg *config.Config) (revision.Source, error)

// SinkFunc opens the output sink of a run.
type SinkFunc func(ctx context.Context, cfg *config.Config, runID string) (sink.Sink, error)

// Summary describes a finished run, successful or not.
type Summary struct {
	RunID   string
	Count   uint64
	Elapsed time.Duration
	Reports int
}

// Indexer pulls revisions from a source, builds one index entry per revision
// and hands the entries to a sink, in source order, on a single goroutine.
type Indexer struct {
	cfg        *config.Config
	openSource SourceFunc
	openSink   SinkFunc
	log        logrus.FieldLogger
	registry   *prometheus.Registry
	metrics    *metrics
	state      State
}

type Option func(*Indexer)

// WithLogger replaces the standard logrus logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(idx *Indexer) { idx.log = l }
}

// WithRegistry registers the run metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(idx *Indexer) { idx.registry = reg }
}

// New constructs an Indexer. The source and sink are opened by Run, so each
// run gets fresh ones.
func New(cfg *config.Config, openSource SourceFunc, openSink SinkFunc, opts ...Option) *Indexer {
	idx := &Indexer{
		cfg:        cfg,
		openSource: openSource,
		openSink:   openSink,
		log:        logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(idx)
	}
	if idx.registry == nil {
		idx.registry = prometheus.NewRegistry()
	}
	idx.metrics = newMetrics(idx.registry)
	return idx
}

func (idx *Indexer) State() State { return idx.state }

// Run generates the index. The sink is opened first; if that fails the run
// never starts. Once the sink is open it is closed exactly once, on every
// path. Any failure aborts the run and comes back as an *indexerr.Error; the
// output of a failed run must be discarded.
func (idx *Indexer) Run(ctx context.Context) (sum Summary, err error) {
	sum.RunID = uuid.NewString()
	log := idx.log.WithField("run_id", sum.RunID)
	idx.state = Idle
	start := time.Now()

	snk, err := idx.openSink(ctx, idx.cfg, sum.RunID)
	if err != nil {
		err = indexerr.New(indexerr.SinkInit, "open sink", err)
		sum.Elapsed = time.Since(start)
		idx.finish(log, sum, err)
		return sum, err
	}
	idx.state = Running
	log.Infof("GENERATING INDEX STARTED | output=%s buffer=%d", idx.cfg.Kind, idx.cfg.BufferSize)

	defer func() {
		if cerr := snk.Close(); cerr != nil {
			if err == nil {
				err = indexerr.New(indexerr.SinkWrite, "close sink", cerr)
			} else {
				log.Warnf("closing sink after failure: %v", cerr)
			}
		}
		sum.Elapsed = time.Since(start)
		idx.finish(log, sum, err)
	}()

	src, err := idx.openSource(ctx, idx.cfg)
	if err != nil {
		return sum, indexerr.New(indexerr.SourceRead, "open source", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			log.Warnf("closing revision source: %v", cerr)
		}
	}()

	buffer := uint64(idx.cfg.BufferSize)
	if buffer == 0 {
		buffer = config.DefaultBufferSize
	}
	var last time.Duration

	for src.HasNext() {
		rev, err := src.Next()
		if err != nil {
			return sum, indexerr.New(indexerr.SourceRead, fmt.Sprintf("read revision after %d", sum.Count), err)
		}
		if err := snk.Write(index.Build(rev)); err != nil {
			return sum, indexerr.New(indexerr.SinkWrite, fmt.Sprintf("write revision %d", rev.RevisionID), err)
		}
		sum.Count++
		idx.metrics.revisions.Inc()

		if sum.Count%buffer == 0 {
			now := time.Since(start)
			report(log, sum.Count, now, now-last)
			last = now
			sum.Reports++
			idx.metrics.reports.Inc()
		}
	}
	return sum, nil
}

// report logs one progress line. It only observes; the sink decides on its
// own when to flush.
func report(log logrus.FieldLogger, count uint64, elapsed, delta time.Duration) {
	rate := int64(0)
	if elapsed > 0 {
		rate = int64(float64(count) / elapsed.Seconds())
	}
	log.WithFields(logrus.Fields{
		"elapsed": clock(elapsed),
		"delta":   clock(delta),
		"count":   count,
		"rate":    humanize.Comma(rate) + "/s",
	}).Infof("INDEXING %s", humanize.Comma(int64(count)))
}

func (idx *Indexer) finish(log logrus.FieldLogger, sum Summary, err error) {
	ok := err == nil
	if ok {
		idx.state = Completed
		log.WithField("count", sum.Count).Infof("GENERATING INDEX ENDED | revisions=%s elapsed=%s",
			humanize.Comma(int64(sum.Count)), clock(sum.Elapsed))
	} else {
		idx.state = Failed
	}

	idx.metrics.finish(ok, sum.Elapsed)
	if idx.cfg.MetricsFile != "" {
		if werr := prometheus.WriteToTextfile(idx.cfg.MetricsFile, idx.registry); werr != nil {
			log.Warnf("writing metrics to %s: %v", idx.cfg.MetricsFile, werr)
		}
	}
}

// clock formats d as hours:minutes:seconds.milliseconds.
func clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}
