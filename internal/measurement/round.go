// Package measurement holds the ranging data model: readings reported by
// anchors, the per-tag rounds that collect them, and the value snapshots
// handed to the output pipeline.
package measurement

import (
	"errors"
	"time"
)

// DataType is the measurement kind recorded with every persisted round.
const DataType = "ToA"

// UnsavedID marks a round that has not been persisted yet.
const UnsavedID int64 = -1

var (
	// ErrOutsideWindow means the round is not accepting readings now.
	ErrOutsideWindow = errors.New("round not accepting readings")
	// ErrDuplicateAnchor means the anchor already contributed to the round.
	ErrDuplicateAnchor = errors.New("anchor already reported in round")
	// ErrDispatched means the round was already handed to the output pipeline.
	ErrDispatched = errors.New("round already dispatched")
)

// Reading is one anchor's range to a tag. It is immutable once recorded.
type Reading struct {
	AnchorCode      string
	AnchorStorageID int64
	Distance        float64
	ExecutedAt      time.Time
	Channel         int
}

// Round collects the readings of one tag from every anchor within a
// validity window. A Round is not safe for concurrent use; the owning Tag
// serialises access.
type Round struct {
	ID         int64
	Start      time.Time
	End        time.Time
	Dispatched bool

	readings []Reading
	anchors  map[string]struct{}
}

// NewRound returns an open round accepting readings in [start, end].
func NewRound(start, end time.Time) *Round {
	return &Round{
		ID:      UnsavedID,
		Start:   start,
		End:     end,
		anchors: make(map[string]struct{}),
	}
}

// IsValid reports whether the round accepts readings at now.
func (r *Round) IsValid(now time.Time) bool {
	return !now.Before(r.Start) && !now.After(r.End)
}

// Add records a reading. Readings outside the window, from an anchor that
// already contributed, or after dispatch are rejected.
func (r *Round) Add(now time.Time, rd Reading) error {
	if r.Dispatched {
		return ErrDispatched
	}
	if !r.IsValid(now) {
		return ErrOutsideWindow
	}
	if _, dup := r.anchors[rd.AnchorCode]; dup {
		return ErrDuplicateAnchor
	}
	r.anchors[rd.AnchorCode] = struct{}{}
	r.readings = append(r.readings, rd)
	return nil
}

// HasAnchor reports whether anchor already contributed a reading.
func (r *Round) HasAnchor(anchor string) bool {
	_, ok := r.anchors[anchor]
	return ok
}

// Len is the number of readings collected so far.
func (r *Round) Len() int {
	return len(r.readings)
}

// IsComplete reports whether every one of anchorCount anchors contributed.
func (r *Round) IsComplete(anchorCount int) bool {
	return anchorCount > 0 && len(r.readings) == anchorCount
}

// IsStale reports whether the window closed before the round completed and
// it has not been dispatched.
func (r *Round) IsStale(now time.Time, anchorCount int) bool {
	return !r.Dispatched && now.After(r.End) && !r.IsComplete(anchorCount)
}

// Readings returns a copy of the collected readings in arrival order.
func (r *Round) Readings() []Reading {
	out := make([]Reading, len(r.readings))
	copy(out, r.readings)
	return out
}

// Clone returns a deep copy of the round.
func (r *Round) Clone() *Round {
	c := &Round{
		ID:         r.ID,
		Start:      r.Start,
		End:        r.End,
		Dispatched: r.Dispatched,
		readings:   r.Readings(),
		anchors:    make(map[string]struct{}, len(r.anchors)),
	}
	for a := range r.anchors {
		c.anchors[a] = struct{}{}
	}
	return c
}
