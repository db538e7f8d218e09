package timeutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Advance(300 * time.Millisecond)
	if got := clock.Since(start); got != 300*time.Millisecond {
		t.Errorf("Since() = %v, want 300ms", got)
	}

	clock.Set(start)
	if !clock.Now().Equal(start) {
		t.Errorf("Now() = %v after Set, want %v", clock.Now(), start)
	}
}

func TestMockClock_AfterRecordsAndAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	select {
	case fired := <-clock.After(10 * time.Second):
		if want := start.Add(10 * time.Second); !fired.Equal(want) {
			t.Errorf("After fired at %v, want %v", fired, want)
		}
	default:
		t.Fatal("After channel was not ready")
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 10*time.Second {
		t.Errorf("Sleeps() = %v, want [10s]", sleeps)
	}
}

func TestSleep(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))

	if err := Sleep(context.Background(), clock, time.Second); err != nil {
		t.Fatalf("Sleep returned %v", err)
	}
	if got := len(clock.Sleeps()); got != 1 {
		t.Errorf("recorded %d sleeps, want 1", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, RealClock{}, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep on cancelled context = %v, want context.Canceled", err)
	}
}

func TestEpochMillisRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, int(250*time.Millisecond), time.UTC)
	ms := EpochMillis(ts)
	if back := FromEpochMillis(ms); !back.Equal(ts) {
		t.Errorf("FromEpochMillis(%d) = %v, want %v", ms, back, ts)
	}
}
