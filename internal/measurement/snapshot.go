package measurement

import "time"

// TagSnapshot is the value copy of one tag round that crosses into the
// output pipeline. Nothing in it aliases live coordinator state.
type TagSnapshot struct {
	TagCode      string
	TagStorageID int64
	AnchorCount  int
	Round        RoundSnapshot
}

// RoundSnapshot is the immutable view of a dispatched round.
type RoundSnapshot struct {
	Start    time.Time
	End      time.Time
	Readings []Reading
}

// Snapshot copies r into a RoundSnapshot.
func (r *Round) Snapshot() RoundSnapshot {
	return RoundSnapshot{
		Start:    r.Start,
		End:      r.End,
		Readings: r.Readings(),
	}
}

// Empty reports whether the round carries no readings.
func (s RoundSnapshot) Empty() bool {
	return len(s.Readings) == 0
}

// Coverage is the fraction of anchors that contributed to the round.
func (s TagSnapshot) Coverage() float64 {
	if s.AnchorCount <= 0 {
		return 0
	}
	return float64(len(s.Round.Readings)) / float64(s.AnchorCount)
}
