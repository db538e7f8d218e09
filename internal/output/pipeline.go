// Package output persists dispatched rounds and forwards them to the
// position estimator on a pool of background workers.
package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/banshee-data/uwbsync/internal/measurement"
	"github.com/banshee-data/uwbsync/internal/monitoring"
	"github.com/banshee-data/uwbsync/internal/timeutil"
)

// ErrClosed is returned by Submit after shutdown or a fatal error.
var ErrClosed = errors.New("output pipeline closed")

// Store persists rounds. SaveTag is an upsert by code returning the id.
type Store interface {
	SaveTag(ctx context.Context, code string) (int64, error)
	SaveRound(ctx context.Context, tagID int64, round measurement.RoundSnapshot) (int64, error)
	SaveReadings(ctx context.Context, roundID int64, readings []measurement.Reading) error
}

// Options configures a Pipeline.
type Options struct {
	Store             Store
	Forwarder         Forwarder
	ExportToDB        bool
	ExportToEstimator bool

	Workers       int
	QueueSize     int
	MaxRetries    int           // persistence attempts per round before the error is fatal
	RetryDelay    time.Duration // fixed delay between attempts
	ShutdownGrace time.Duration

	// OnFatal is called once, from a worker, when persistence is exhausted.
	OnFatal func(error)

	Clock   timeutil.Clock
	Logger  *slog.Logger
	Metrics *monitoring.Collector
}

type job struct {
	batchID string
	snap    measurement.TagSnapshot
}

// Pipeline is the bounded worker pool behind round dispatch.
type Pipeline struct {
	opts    Options
	log     *slog.Logger
	metrics *monitoring.Collector
	tracer  trace.Tracer

	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool

	aborted   atomic.Bool
	fatalOnce sync.Once
}

// NewPipeline returns a pipeline; call Start to launch its workers.
func NewPipeline(opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		opts:    opts,
		log:     monitoring.OrDefault(opts.Logger).With("component", "output"),
		metrics: opts.Metrics,
		tracer:  otel.Tracer("github.com/banshee-data/uwbsync/internal/output"),
		queue:   make(chan job, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. It is a no-op on a started pipeline.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.log.Info("output pipeline started", "workers", p.opts.Workers, "queue", p.opts.QueueSize,
		"export_db", p.opts.ExportToDB, "export_estimator", p.opts.ExportToEstimator)
}

// Submit enqueues snapshots without blocking. Snapshots that do not fit in
// the queue are dropped and counted; the number accepted is returned.
func (p *Pipeline) Submit(batchID string, snaps []measurement.TagSnapshot) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.aborted.Load() {
		return 0, ErrClosed
	}

	accepted := 0
	for _, s := range snaps {
		select {
		case p.queue <- job{batchID: batchID, snap: s}:
			accepted++
		default:
			p.metrics.OutputTask("dropped")
			p.log.Error("output queue full, round dropped", "batch", batchID, "tag", s.TagCode)
		}
	}
	return accepted, nil
}

// Aborted reports whether a fatal error stopped processing.
func (p *Pipeline) Aborted() bool {
	return p.aborted.Load()
}

// Shutdown stops accepting work and waits up to the shutdown grace period
// (or until ctx is done) for queued work, then cancels what is left.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := p.opts.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = fmt.Errorf("output pipeline: shutdown grace %s exceeded", grace)
	case <-ctx.Done():
		err = fmt.Errorf("output pipeline: %w", ctx.Err())
	}
	p.cancel()
	<-done
	if err != nil {
		p.log.Warn("output pipeline stopped with work outstanding", "error", err)
	} else {
		p.log.Info("output pipeline stopped")
	}
	return err
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		if p.aborted.Load() {
			p.metrics.OutputTask("aborted")
			continue
		}
		p.process(p.ctx, j)
	}
}

func (p *Pipeline) process(ctx context.Context, j job) {
	snap := j.snap
	log := p.log.With("batch", j.batchID, "tag", snap.TagCode)

	if snap.Round.Empty() {
		p.metrics.OutputTask("skipped_empty")
		log.Debug("round has no readings, skipping export")
		return
	}

	ctx, span := p.tracer.Start(ctx, "output.round", trace.WithAttributes(
		attribute.String("uwb.batch", j.batchID),
		attribute.String("uwb.tag", snap.TagCode),
		attribute.Int("uwb.readings", len(snap.Round.Readings)),
	))
	defer span.End()

	roundID := measurement.UnsavedID
	tagID := snap.TagStorageID
	if p.opts.ExportToDB {
		var err error
		roundID, tagID, err = p.persist(ctx, snap)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist failed")
			if ctx.Err() != nil {
				p.metrics.OutputTask("cancelled")
				log.Warn("round persistence interrupted by shutdown", "error", err)
				return
			}
			p.metrics.OutputTask("failed")
			p.fatal(err)
			return
		}
	}

	if p.opts.ExportToEstimator && p.opts.Forwarder != nil {
		p.forward(ctx, log, NewRoundPayload(roundID, tagID, snap))
	}
	p.metrics.OutputTask("processed")
}

// persist saves the round and its readings, retrying with a fixed delay.
// Steps that already succeeded are not repeated on retry.
func (p *Pipeline) persist(ctx context.Context, snap measurement.TagSnapshot) (roundID, tagID int64, err error) {
	ctx, span := p.tracer.Start(ctx, "output.persist")
	defer span.End()

	started := time.Now()
	defer func() { p.metrics.ObservePersist(time.Since(started).Seconds()) }()

	roundID = measurement.UnsavedID
	tagID = snap.TagStorageID
	for attempt := 1; ; attempt++ {
		err = p.persistOnce(ctx, snap, &tagID, &roundID)
		if err == nil {
			span.SetAttributes(attribute.Int("uwb.attempts", attempt))
			return roundID, tagID, nil
		}
		if attempt >= p.opts.MaxRetries {
			return roundID, tagID, fmt.Errorf("persist round for tag %s failed after %d attempts: %w",
				snap.TagCode, attempt, err)
		}
		p.log.Warn("round persistence failed, retrying",
			"tag", snap.TagCode, "attempt", attempt, "max", p.opts.MaxRetries,
			"delay", p.opts.RetryDelay, "error", err)
		if serr := timeutil.Sleep(ctx, p.opts.Clock, p.opts.RetryDelay); serr != nil {
			return roundID, tagID, fmt.Errorf("persist round for tag %s: %w", snap.TagCode, serr)
		}
	}
}

func (p *Pipeline) persistOnce(ctx context.Context, snap measurement.TagSnapshot, tagID, roundID *int64) error {
	if *tagID <= 0 {
		id, err := p.opts.Store.SaveTag(ctx, snap.TagCode)
		if err != nil {
			return fmt.Errorf("save tag: %w", err)
		}
		*tagID = id
	}
	if *roundID == measurement.UnsavedID {
		id, err := p.opts.Store.SaveRound(ctx, *tagID, snap.Round)
		if err != nil {
			return fmt.Errorf("save round: %w", err)
		}
		*roundID = id
	}
	if err := p.opts.Store.SaveReadings(ctx, *roundID, snap.Round.Readings); err != nil {
		return fmt.Errorf("save readings: %w", err)
	}
	return nil
}

func (p *Pipeline) forward(ctx context.Context, log *slog.Logger, payload RoundPayload) {
	ctx, span := p.tracer.Start(ctx, "output.forward")
	defer span.End()

	if err := p.opts.Forwarder.PostRound(ctx, payload); err != nil {
		span.RecordError(err)
		p.metrics.Forwarded(false)
		log.Warn("estimator forward failed", "measurement_id", payload.MeasurementID, "error", err)
		return
	}
	p.metrics.Forwarded(true)
	log.Debug("round forwarded to estimator", "measurement_id", payload.MeasurementID)
}

func (p *Pipeline) fatal(err error) {
	p.fatalOnce.Do(func() {
		p.aborted.Store(true)
		p.log.Error("persistence exhausted, aborting output processing", "error", err)
		if p.opts.OnFatal != nil {
			p.opts.OnFatal(err)
		}
	})
}
