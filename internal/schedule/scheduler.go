// Package schedule decides what an anchor does next and hands out time on
// the shared ranging channel.
//
// The channel is a single half-duplex medium, so every exchange the server
// schedules (a scan, or one anchor/tag ranging slot) is reserved on a single
// timeline ending at channelBusyUntil. Measurement batches reserve
// anchors x tags slots starting at actionStartingTime.
package schedule

import (
	"sync"
	"time"

	"github.com/banshee-data/uwbsync/internal/timeutil"
)

// Action is the activity the scheduler selects for the calling anchor.
type Action int

const (
	FastScan Action = iota
	Measure
)

func (a Action) String() string {
	switch a {
	case FastScan:
		return "fastScan"
	case Measure:
		return "measure"
	default:
		return "unknown"
	}
}

// Config holds the scheduling periods and the policy knobs around them.
type Config struct {
	ScanPeriod     time.Duration // a fast scan is forced once this has passed since the last one
	ScanInterval   time.Duration // fast scans keep being issued for this long after one starts
	ScanTime       time.Duration // one channel slot
	SlowScanLead   time.Duration
	FastScanLead   time.Duration
	MeasureLead    time.Duration
	MaxChannelLead time.Duration // channelBusyUntil further ahead than this is reseeded
}

// DefaultConfig mirrors the config package defaults.
func DefaultConfig() Config {
	return Config{
		ScanPeriod:     30 * time.Second,
		ScanInterval:   2 * time.Second,
		ScanTime:       300 * time.Millisecond,
		SlowScanLead:   200 * time.Millisecond,
		FastScanLead:   100 * time.Millisecond,
		MeasureLead:    300 * time.Millisecond,
		MaxChannelLead: 1200 * time.Millisecond,
	}
}

// Window is the channel interval reserved for the current batch.
type Window struct {
	Start time.Time
	End   time.Time
}

// Scheduler is the channel action manager. All state is private and every
// exported method is one atomic compute-and-advance step.
type Scheduler struct {
	cfg   Config
	clock timeutil.Clock

	mu                 sync.Mutex
	lastScan           time.Time
	channelBusyUntil   time.Time
	actionStartingTime time.Time
	batchEnd           time.Time
	batchAnchors       int
	batchTags          int
}

// New returns a scheduler whose scan epoch starts now, so the first
// ScanInterval after startup is spent scanning.
func New(cfg Config, clock timeutil.Clock) *Scheduler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	return &Scheduler{
		cfg:                cfg,
		clock:              clock,
		lastScan:           now,
		channelBusyUntil:   now,
		actionStartingTime: now,
	}
}

// ScanTime is the duration of one channel slot.
func (s *Scheduler) ScanTime() time.Duration {
	return s.cfg.ScanTime
}

// NextAction picks between scanning and measuring. A fast scan is forced
// once ScanPeriod has elapsed since the last scan epoch began (starting a
// new epoch), and repeated while the epoch is younger than ScanInterval.
func (s *Scheduler) NextAction() Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	since := now.Sub(s.lastScan)
	switch {
	case since > s.cfg.ScanPeriod:
		s.lastScan = now
		return FastScan
	case since < s.cfg.ScanInterval:
		return FastScan
	default:
		return Measure
	}
}

// SlowScanTime reserves a scan slot for an anchor that knows no tags and
// returns when it should run.
func (s *Scheduler) SlowScanTime() time.Time {
	return s.reserveScan(s.cfg.SlowScanLead)
}

// FastScanTime reserves a scan slot and returns when it should run.
func (s *Scheduler) FastScanTime() time.Time {
	return s.reserveScan(s.cfg.FastScanLead)
}

func (s *Scheduler) reserveScan(lead time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.channelBusyUntil.Before(now) {
		s.channelBusyUntil = now
	}
	at := laterOf(s.channelBusyUntil, now.Add(lead))
	s.channelBusyUntil = at.Add(s.cfg.ScanTime)
	return at
}

// MeasurementTime returns the base execution time of the measurement batch
// for anchors x tags together with that batch's window. Anchors calling in
// before the pending batch starts join it and share its base; otherwise a
// new batch is reserved after everything already on the channel.
func (s *Scheduler) MeasurementTime(anchors, tags int) (time.Time, Window) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if now.Before(s.actionStartingTime) && anchors == s.batchAnchors && tags == s.batchTags {
		return s.actionStartingTime, s.windowLocked()
	}

	s.reseed(now)
	s.actionStartingTime = laterOf(s.channelBusyUntil, now.Add(s.cfg.MeasureLead))
	s.channelBusyUntil = s.actionStartingTime.Add(time.Duration(anchors*tags) * s.cfg.ScanTime)
	s.batchEnd = s.channelBusyUntil
	s.batchAnchors = anchors
	s.batchTags = tags
	return s.actionStartingTime, s.windowLocked()
}

// reseed pulls channelBusyUntil back to the present when it has drifted:
// behind now, or further ahead than MaxChannelLead. It never moves before
// the end of the last measurement batch. Callers hold s.mu.
func (s *Scheduler) reseed(now time.Time) {
	switch {
	case s.channelBusyUntil.Before(now):
		s.channelBusyUntil = now
	case s.cfg.MaxChannelLead > 0 && s.channelBusyUntil.Sub(now) > s.cfg.MaxChannelLead:
		s.channelBusyUntil = laterOf(now, s.batchEnd)
	}
}

func (s *Scheduler) windowLocked() Window {
	return Window{Start: s.actionStartingTime, End: s.batchEnd}
}

// State is a read-only view for status reporting.
type State struct {
	LastScan           time.Time `json:"lastScan"`
	ChannelBusyUntil   time.Time `json:"channelBusyUntil"`
	ActionStartingTime time.Time `json:"actionStartingTime"`
}

// State returns the scheduler's timeline.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		LastScan:           s.lastScan,
		ChannelBusyUntil:   s.channelBusyUntil,
		ActionStartingTime: s.actionStartingTime,
	}
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
