// Package device tracks the anchors and tags known to the coordinator.
package device

import (
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/uwbsync/internal/measurement"
)

// DefaultMaxRange is the ranging distance assumed for a new anchor, in metres.
const DefaultMaxRange = 20.0

// ErrNoRound is returned when a tag has not been given a round yet.
var ErrNoRound = errors.New("tag has no round")

// DeviceInfo is the identity shared by anchors and tags.
type DeviceInfo struct {
	Code          string    `json:"code"`
	StorageID     int64     `json:"storageID"`
	InitializedAt time.Time `json:"initializedAt"`
	LastSeen      time.Time `json:"lastSeen"`
}

// Anchor is a fixed ranging device.
type Anchor struct {
	DeviceInfo
	MaxRange float64 `json:"maxRange"`
}

// Tag is a mobile device. It owns a bounded, append-only history of rounds;
// the newest is the current round.
type Tag struct {
	info DeviceInfo

	mu      sync.Mutex
	rounds  []*measurement.Round
	history int
}

func newTag(info DeviceInfo, history int) *Tag {
	if history < 1 {
		history = 1
	}
	return &Tag{info: info, history: history}
}

// Code is the tag's immutable identifier.
func (t *Tag) Code() string { return t.info.Code }

// StorageID is the id assigned by the persistence layer.
func (t *Tag) StorageID() int64 { return t.info.StorageID }

// StartRound appends a fresh round, evicting the oldest beyond the history
// limit. The previous current round is superseded.
func (t *Tag) StartRound(start, end time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rounds = append(t.rounds, measurement.NewRound(start, end))
	if over := len(t.rounds) - t.history; over > 0 {
		clear(t.rounds[:over])
		t.rounds = t.rounds[over:]
	}
}

// Record adds rd to the current round.
func (t *Tag) Record(now time.Time, rd measurement.Reading) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.current()
	if r == nil {
		return ErrNoRound
	}
	return r.Add(now, rd)
}

// RoundState summarises the current round at a point in time.
type RoundState struct {
	HasRound   bool
	Dispatched bool
	Complete   bool
	Stale      bool
	Readings   int
}

// State reports the current round's lifecycle state.
func (t *Tag) State(now time.Time, anchorCount int) RoundState {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.current()
	if r == nil {
		return RoundState{}
	}
	return RoundState{
		HasRound:   true,
		Dispatched: r.Dispatched,
		Complete:   r.IsComplete(anchorCount),
		Stale:      r.IsStale(now, anchorCount),
		Readings:   r.Len(),
	}
}

// Dispatch marks the current round dispatched and returns its snapshot in
// one step, so a round is handed out at most once. Rounds without readings
// are only dispatched when includeEmpty is set.
func (t *Tag) Dispatch(anchorCount int, includeEmpty bool) (measurement.TagSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.current()
	if r == nil || r.Dispatched {
		return measurement.TagSnapshot{}, false
	}
	if r.Len() == 0 && !includeEmpty {
		return measurement.TagSnapshot{}, false
	}
	r.Dispatched = true
	return measurement.TagSnapshot{
		TagCode:      t.info.Code,
		TagStorageID: t.info.StorageID,
		AnchorCount:  anchorCount,
		Round:        r.Snapshot(),
	}, true
}

// History returns deep copies of the retained rounds, oldest first.
func (t *Tag) History() []*measurement.Round {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*measurement.Round, len(t.rounds))
	for i, r := range t.rounds {
		out[i] = r.Clone()
	}
	return out
}

func (t *Tag) current() *measurement.Round {
	if len(t.rounds) == 0 {
		return nil
	}
	return t.rounds[len(t.rounds)-1]
}
