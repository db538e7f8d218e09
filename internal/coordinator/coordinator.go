// Package coordinator answers anchor requests: it picks each anchor's next
// action, hands out ranging slots, assembles per-tag rounds from the
// readings anchors report, and dispatches finished rounds to the output
// pipeline.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/uwbsync/internal/device"
	"github.com/banshee-data/uwbsync/internal/measurement"
	"github.com/banshee-data/uwbsync/internal/monitoring"
	"github.com/banshee-data/uwbsync/internal/schedule"
	"github.com/banshee-data/uwbsync/internal/timeutil"
)

var (
	// ErrUnavailable is returned once a fatal output error has stopped the
	// coordinator.
	ErrUnavailable = errors.New("coordinator unavailable")
	// ErrInvalidID is returned for an empty anchor identifier.
	ErrInvalidID = errors.New("anchorID must not be empty")
)

// Dispatch reasons, used in logs and metrics.
const (
	reasonComplete   = "complete"
	reasonStale      = "stale"
	reasonSuperseded = "superseded"
)

// Output receives dispatched rounds. *output.Pipeline implements it.
type Output interface {
	Submit(batchID string, snaps []measurement.TagSnapshot) (int, error)
	Shutdown(ctx context.Context) error
}

// ReadingReport is one range an anchor measured to a tag.
type ReadingReport struct {
	TagCode    string
	Distance   float64
	ExecutedAt time.Time
}

// Options configures a Coordinator.
type Options struct {
	Registry  *device.Registry
	Scheduler *schedule.Scheduler
	Output    Output

	// ReportGrace extends each round past the end of its channel batch so
	// reports sent after the last slot still land in the round.
	ReportGrace    time.Duration
	ReadingChannel int
	// ShutdownTimeout bounds the pipeline shutdown started by Trip.
	ShutdownTimeout time.Duration

	Clock    timeutil.Clock
	Logger   *slog.Logger
	Metrics  *monitoring.Collector
	Coverage *measurement.CoverageTracker
}

// Coordinator is safe for concurrent use by HTTP handlers.
type Coordinator struct {
	reg      *device.Registry
	sched    *schedule.Scheduler
	out      Output
	grace    time.Duration
	channel  int
	stopWait time.Duration
	clock    timeutil.Clock
	log      *slog.Logger
	metrics  *monitoring.Collector
	coverage *measurement.CoverageTracker
	started  time.Time

	// mu serialises the round lifecycle: recording, completion checks,
	// dispatch and starting new rounds.
	mu sync.Mutex

	operational atomic.Bool
	fatalMu     sync.Mutex
	fatalErr    error
	tripHooks   []func(error)

	dispatched      atomic.Uint64
	completeBatches atomic.Uint64
	staleBatches    atomic.Uint64
}

// New returns an operational coordinator.
func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Coverage == nil {
		opts.Coverage = measurement.NewCoverageTracker(256)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 35 * time.Second
	}
	c := &Coordinator{
		reg:      opts.Registry,
		sched:    opts.Scheduler,
		out:      opts.Output,
		grace:    opts.ReportGrace,
		channel:  opts.ReadingChannel,
		stopWait: opts.ShutdownTimeout,
		clock:    opts.Clock,
		log:      monitoring.OrDefault(opts.Logger).With("component", "coordinator"),
		metrics:  opts.Metrics,
		coverage: opts.Coverage,
		started:  opts.Clock.Now(),
	}
	c.operational.Store(true)
	c.metrics.SetOperational(true)
	return c
}

// OnTrip registers fn to run when the coordinator trips.
func (c *Coordinator) OnTrip(fn func(error)) {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	c.tripHooks = append(c.tripHooks, fn)
}

// RegisterAnchor registers (or re-registers) an anchor and returns its
// first action.
func (c *Coordinator) RegisterAnchor(ctx context.Context, anchorCode string) (Response, error) {
	code, err := c.admit(anchorCode)
	if err != nil {
		return Response{}, err
	}
	anchor, err := c.reg.RegisterAnchor(ctx, code)
	if err != nil {
		return Response{}, err
	}
	return c.respond(anchor)
}

// ReportScan records the tags an anchor heard and returns its next action.
func (c *Coordinator) ReportScan(ctx context.Context, anchorCode string, tagCodes []string) (Response, error) {
	code, err := c.admit(anchorCode)
	if err != nil {
		return Response{}, err
	}
	anchor, ok := c.reg.TouchAnchor(code)
	if !ok {
		c.metrics.ActionIssued(ActionRegister)
		return registerResponse(), nil
	}

	for _, tc := range tagCodes {
		if strings.TrimSpace(tc) == "" {
			continue
		}
		if _, _, err := c.reg.RegisterOrTouchTag(ctx, tc); err != nil {
			return Response{}, err
		}
	}
	return c.respond(anchor)
}

// ReportMeasurement records an anchor's readings, dispatches every tag's
// round once any round is complete, and returns the anchor's next action.
// Readings that do not fit the current round are dropped.
func (c *Coordinator) ReportMeasurement(ctx context.Context, anchorCode string, readings []ReadingReport) (Response, error) {
	code, err := c.admit(anchorCode)
	if err != nil {
		return Response{}, err
	}
	anchor, ok := c.reg.TouchAnchor(code)
	if !ok {
		c.metrics.ActionIssued(ActionRegister)
		return registerResponse(), nil
	}

	c.mu.Lock()
	now := c.clock.Now()
	for _, rr := range readings {
		c.recordLocked(now, anchor, rr)
	}
	anchorCount := c.reg.AnchorCount()
	for _, tag := range c.reg.Tags() {
		// A dispatched round stays current until the next batch replaces it.
		if st := tag.State(now, anchorCount); st.Complete && !st.Dispatched {
			c.dispatchLocked(reasonComplete, false)
			break
		}
	}
	c.mu.Unlock()

	return c.respond(anchor)
}

// RecordReading adds one reading to the tag's current round. It reports
// whether the reading was accepted.
func (c *Coordinator) RecordReading(tagCode string, anchor device.Anchor, distance float64, executedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordLocked(c.clock.Now(), anchor, ReadingReport{TagCode: tagCode, Distance: distance, ExecutedAt: executedAt})
}

func (c *Coordinator) recordLocked(now time.Time, anchor device.Anchor, rr ReadingReport) bool {
	tag, ok := c.reg.Tag(rr.TagCode)
	if !ok {
		c.metrics.ReadingRecorded(false)
		c.log.Warn("reading for unknown tag dropped", "anchor", anchor.Code, "tag", rr.TagCode)
		return false
	}
	err := tag.Record(now, measurement.Reading{
		AnchorCode:      anchor.Code,
		AnchorStorageID: anchor.StorageID,
		Distance:        rr.Distance,
		ExecutedAt:      rr.ExecutedAt,
		Channel:         c.channel,
	})
	if err != nil {
		c.metrics.ReadingRecorded(false)
		c.log.Debug("reading dropped", "anchor", anchor.Code, "tag", rr.TagCode, "reason", err)
		return false
	}
	c.metrics.ReadingRecorded(true)
	return true
}

// StartNewRound gives every known tag a fresh round over [start, end].
func (c *Coordinator) StartNewRound(start, end time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startRoundsLocked(start, end)
}

func (c *Coordinator) startRoundsLocked(start, end time.Time) {
	for _, tag := range c.reg.Tags() {
		tag.StartRound(start, end)
	}
}

// IsComplete reports whether the tag's current round has a reading from
// every anchor.
func (c *Coordinator) IsComplete(tagCode string) bool {
	tag, ok := c.reg.Tag(tagCode)
	if !ok {
		return false
	}
	return tag.State(c.clock.Now(), c.reg.AnchorCount()).Complete
}

// IsStale reports whether the tag's current round expired incomplete and
// undispatched.
func (c *Coordinator) IsStale(tagCode string) bool {
	tag, ok := c.reg.Tag(tagCode)
	if !ok {
		return false
	}
	return tag.State(c.clock.Now(), c.reg.AnchorCount()).Stale
}

func (c *Coordinator) admit(anchorCode string) (string, error) {
	if !c.operational.Load() {
		return "", ErrUnavailable
	}
	code := strings.TrimSpace(anchorCode)
	if code == "" {
		return "", ErrInvalidID
	}
	return code, nil
}

// respond selects the anchor's next action. A measure action also keeps the
// rounds current: tags without an open round get a new round batch aligned
// to the scheduler's window, after any stale partial data is dispatched.
func (c *Coordinator) respond(anchor device.Anchor) (Response, error) {
	action := c.sched.NextAction()

	if c.reg.TagCount() == 0 {
		at := c.sched.SlowScanTime()
		c.metrics.ActionIssued(ActionSlowScan)
		return Response{Action: ActionSlowScan, WhenToExecute: timeutil.EpochMillis(at)}, nil
	}
	if action == schedule.FastScan {
		at := c.sched.FastScanTime()
		c.metrics.ActionIssued(ActionFastScan)
		return Response{Action: ActionFastScan, WhenToExecute: timeutil.EpochMillis(at)}, nil
	}

	anchorIdx, ok := c.reg.AnchorIndex(anchor.Code)
	if !ok {
		return Response{}, fmt.Errorf("anchor %s missing from registry", anchor.Code)
	}
	anchorCount := c.reg.AnchorCount()
	tags := c.reg.Tags()

	base, window := c.sched.MeasurementTime(anchorCount, len(tags))
	scan := c.sched.ScanTime()
	slots := make([]TagSlot, len(tags))
	for ti, tag := range tags {
		at := base.Add(time.Duration(ti*anchorCount)*scan + time.Duration(anchorIdx)*scan)
		slots[ti] = TagSlot{DeviceID: tag.Code(), WhenToExecute: timeutil.EpochMillis(at)}
	}

	c.mu.Lock()
	c.maintainRoundsLocked(window)
	c.mu.Unlock()

	c.metrics.ActionIssued(ActionMeasure)
	return Response{Action: ActionMeasure, Tags: slots}, nil
}

// maintainRoundsLocked opens new rounds over w, the batch the caller's slots
// were taken from.
func (c *Coordinator) maintainRoundsLocked(w schedule.Window) {
	now := c.clock.Now()
	anchorCount := c.reg.AnchorCount()

	needNew, stale := false, false
	for _, tag := range c.reg.Tags() {
		st := tag.State(now, anchorCount)
		if !st.HasRound || st.Dispatched {
			needNew = true
		}
		if st.Stale {
			needNew, stale = true, true
		}
	}
	if !needNew {
		return
	}

	if stale {
		c.dispatchLocked(reasonStale, true)
	} else {
		c.dispatchLocked(reasonSuperseded, false)
	}
	c.startRoundsLocked(w.Start, w.End.Add(c.grace))
	c.log.Debug("round batch started", "start", w.Start, "end", w.End.Add(c.grace), "tags", c.reg.TagCount())
}

// dispatchLocked hands every tag's undispatched current round to the
// output pipeline. Marking and copying happen together per tag, so a round
// is dispatched at most once.
func (c *Coordinator) dispatchLocked(reason string, includeEmpty bool) {
	anchorCount := c.reg.AnchorCount()
	var snaps []measurement.TagSnapshot
	for _, tag := range c.reg.Tags() {
		snap, ok := tag.Dispatch(anchorCount, includeEmpty)
		if !ok {
			continue
		}
		snaps = append(snaps, snap)
		if !snap.Round.Empty() {
			c.coverage.Observe(snap)
		}
	}
	if len(snaps) == 0 {
		return
	}

	batchID := uuid.NewString()
	c.dispatched.Add(uint64(len(snaps)))
	switch reason {
	case reasonComplete:
		c.completeBatches.Add(1)
	case reasonStale:
		c.staleBatches.Add(1)
	}
	c.metrics.RoundDispatched(reason, len(snaps))

	if c.out == nil {
		return
	}
	n, err := c.out.Submit(batchID, snaps)
	if err != nil {
		c.log.Error("dispatch rejected by output pipeline", "batch", batchID, "rounds", len(snaps), "error", err)
		return
	}
	c.log.Debug("rounds dispatched", "batch", batchID, "reason", reason, "rounds", len(snaps), "queued", n)
}

// Trip marks the coordinator non-operational after a fatal output error and
// shuts the output pipeline down in the background. Only the first call has
// any effect.
func (c *Coordinator) Trip(err error) {
	if !c.operational.CompareAndSwap(true, false) {
		return
	}
	c.fatalMu.Lock()
	c.fatalErr = err
	hooks := append([]func(error){}, c.tripHooks...)
	c.fatalMu.Unlock()

	c.metrics.SetOperational(false)
	c.log.Error("coordinator stopped after fatal output error", "error", err)
	for _, h := range hooks {
		h(err)
	}

	if c.out != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.stopWait)
			defer cancel()
			if serr := c.out.Shutdown(ctx); serr != nil {
				c.log.Warn("output shutdown after trip", "error", serr)
			}
		}()
	}
}

// Operational reports whether requests are being served.
func (c *Coordinator) Operational() bool {
	return c.operational.Load()
}

// Shutdown drains the output pipeline during a graceful stop.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.out == nil {
		return nil
	}
	return c.out.Shutdown(ctx)
}

// Status is the coordinator's externally visible state.
type Status struct {
	Operational      bool                        `json:"operational"`
	FatalError       string                      `json:"fatalError,omitempty"`
	RunningSince     time.Time                   `json:"runningSince"`
	Anchors          int                         `json:"anchors"`
	Tags             int                         `json:"tags"`
	DispatchedRounds uint64                      `json:"dispatchedRounds"`
	CompleteBatches  uint64                      `json:"completeBatches"`
	StaleBatches     uint64                      `json:"staleBatches"`
	Coverage         measurement.CoverageSummary `json:"coverage"`
	Channel          schedule.State              `json:"channel"`
}

// Status returns a snapshot of the coordinator's state.
func (c *Coordinator) Status() Status {
	c.fatalMu.Lock()
	var fatal string
	if c.fatalErr != nil {
		fatal = c.fatalErr.Error()
	}
	c.fatalMu.Unlock()

	return Status{
		Operational:      c.operational.Load(),
		FatalError:       fatal,
		RunningSince:     c.started,
		Anchors:          c.reg.AnchorCount(),
		Tags:             c.reg.TagCount(),
		DispatchedRounds: c.dispatched.Load(),
		CompleteBatches:  c.completeBatches.Load(),
		StaleBatches:     c.staleBatches.Load(),
		Coverage:         c.coverage.Summary(),
		Channel:          c.sched.State(),
	}
}

// Registry exposes the device registry for read-only listings.
func (c *Coordinator) Registry() *device.Registry {
	return c.reg
}
