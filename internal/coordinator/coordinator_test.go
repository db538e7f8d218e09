package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwbsync/internal/device"
	"github.com/banshee-data/uwbsync/internal/measurement"
	"github.com/banshee-data/uwbsync/internal/monitoring"
	"github.com/banshee-data/uwbsync/internal/schedule"
	"github.com/banshee-data/uwbsync/internal/timeutil"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type memPersister struct {
	mu   sync.Mutex
	next int64
	ids  map[string]int64
}

func (p *memPersister) save(kind, code string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ids == nil {
		p.ids = make(map[string]int64)
	}
	key := kind + "/" + code
	if id, ok := p.ids[key]; ok {
		return id
	}
	p.next++
	p.ids[key] = p.next
	return p.next
}

func (p *memPersister) lookup(kind, code string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.ids[kind+"/"+code]
	return id, ok
}

func (p *memPersister) SaveAnchor(_ context.Context, code string) (int64, error) {
	return p.save("anchor", code), nil
}

func (p *memPersister) SaveTag(_ context.Context, code string) (int64, error) {
	return p.save("tag", code), nil
}

func (p *memPersister) LookupAnchorID(_ context.Context, code string) (int64, bool, error) {
	id, ok := p.lookup("anchor", code)
	return id, ok, nil
}

func (p *memPersister) LookupTagID(_ context.Context, code string) (int64, bool, error) {
	id, ok := p.lookup("tag", code)
	return id, ok, nil
}

type recordingOutput struct {
	mu        sync.Mutex
	batches   [][]measurement.TagSnapshot
	ids       []string
	shutdowns atomic.Int32
}

func (o *recordingOutput) Submit(batchID string, snaps []measurement.TagSnapshot) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, batchID)
	o.batches = append(o.batches, snaps)
	return len(snaps), nil
}

func (o *recordingOutput) Shutdown(context.Context) error {
	o.shutdowns.Add(1)
	return nil
}

func (o *recordingOutput) snapshots() []measurement.TagSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	var all []measurement.TagSnapshot
	for _, b := range o.batches {
		all = append(all, b...)
	}
	return all
}

type fixture struct {
	c     *Coordinator
	clock *timeutil.MockClock
	out   *recordingOutput
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, schedule.DefaultConfig())
}

func newFixtureWith(t *testing.T, cfg schedule.Config) *fixture {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	reg := device.NewRegistry(device.Options{
		Persister: &memPersister{},
		Clock:     clock,
		Logger:    monitoring.Discard(),
	})
	out := &recordingOutput{}
	c := New(Options{
		Registry:       reg,
		Scheduler:      schedule.New(cfg, clock),
		Output:         out,
		ReportGrace:    time.Second,
		ReadingChannel: 5,
		Clock:          clock,
		Logger:         monitoring.Discard(),
	})
	return &fixture{c: c, clock: clock, out: out, ctx: context.Background()}
}

func (f *fixture) register(t *testing.T, codes ...string) {
	t.Helper()
	for _, code := range codes {
		_, err := f.c.RegisterAnchor(f.ctx, code)
		require.NoError(t, err)
	}
}

func (f *fixture) measure(t *testing.T, anchor string, readings ...ReadingReport) Response {
	t.Helper()
	resp, err := f.c.ReportMeasurement(f.ctx, anchor, readings)
	require.NoError(t, err)
	return resp
}

func reading(tag string, d float64) ReadingReport {
	return ReadingReport{TagCode: tag, Distance: d, ExecutedAt: t0}
}

func TestRegisterAnchor_NoTagsSlowScan(t *testing.T) {
	f := newFixture(t)

	resp, err := f.c.RegisterAnchor(f.ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, ActionSlowScan, resp.Action)
	assert.Equal(t, timeutil.EpochMillis(t0.Add(200*time.Millisecond)), resp.WhenToExecute)
	assert.Empty(t, resp.Tags)

	for _, step := range []time.Duration{time.Second, 5 * time.Second, 40 * time.Second} {
		f.clock.Advance(step)
		resp, err := f.c.ReportScan(f.ctx, "a1", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionSlowScan, resp.Action, "after %v", step)
		assert.Greater(t, resp.WhenToExecute, timeutil.EpochMillis(f.clock.Now()))
	}
}

func TestRegisterAnchor_InvalidID(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.RegisterAnchor(f.ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.Zero(t, f.c.Registry().AnchorCount())
}

func TestUnknownAnchorIsToldToRegister(t *testing.T) {
	f := newFixture(t)

	resp, err := f.c.ReportScan(f.ctx, "ghost", []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, Response{Action: ActionRegister}, resp)
	assert.Zero(t, f.c.Registry().TagCount(), "scans from unknown anchors are ignored")

	resp = f.measure(t, "ghost", reading("t1", 1))
	assert.Equal(t, ActionRegister, resp.Action)
}

func TestReportScan_FastScanDuringInterval(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1")

	f.clock.Advance(time.Second)
	resp, err := f.c.ReportScan(f.ctx, "a1", []string{"t1", "", "t2"})
	require.NoError(t, err)
	assert.Equal(t, ActionFastScan, resp.Action)
	assert.NotZero(t, resp.WhenToExecute)
	assert.Equal(t, 2, f.c.Registry().TagCount(), "blank tag codes are skipped")
}

func TestMeasure_SlotsAreUnique(t *testing.T) {
	f := newFixture(t)
	anchors := []string{"a1", "a2", "a3"}
	tags := []string{"t1", "t2", "t3", "t4"}
	f.register(t, anchors...)
	_, err := f.c.ReportScan(f.ctx, "a1", tags)
	require.NoError(t, err)

	f.clock.Advance(3 * time.Second)
	seen := make(map[int64]string)
	var first int64
	for ai, a := range anchors {
		resp := f.measure(t, a)
		require.Equal(t, ActionMeasure, resp.Action)
		require.Len(t, resp.Tags, len(tags))
		for ti, slot := range resp.Tags {
			assert.Equal(t, tags[ti], slot.DeviceID)
			key := fmt.Sprintf("%s/%s", a, slot.DeviceID)
			if prev, dup := seen[slot.WhenToExecute]; dup {
				t.Errorf("slot %d shared by %s and %s", slot.WhenToExecute, prev, key)
			}
			seen[slot.WhenToExecute] = key
			if ai == 0 && ti == 0 {
				first = slot.WhenToExecute
			}
		}
	}
	require.Len(t, seen, len(anchors)*len(tags))

	scan := int64(300)
	for ts := range seen {
		offset := ts - first
		assert.Zero(t, offset%scan, "slot offsets are multiples of scanTime")
		assert.Less(t, offset, int64(len(anchors)*len(tags))*scan)
	}
	assert.Equal(t, timeutil.EpochMillis(t0.Add(3300*time.Millisecond)), first)
}

func TestMeasure_CompleteRoundsDispatchTogether(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1", "a2")

	f.clock.Advance(time.Second)
	_, err := f.c.ReportScan(f.ctx, "a1", []string{"t1", "t2", "t3"})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	r1 := f.measure(t, "a1")
	require.Equal(t, ActionMeasure, r1.Action)
	f.clock.Advance(100 * time.Millisecond)
	r2 := f.measure(t, "a2")
	require.Equal(t, ActionMeasure, r2.Action)
	assert.Equal(t, r1.Tags[0].WhenToExecute+300, r2.Tags[0].WhenToExecute, "a2 ranges one slot after a1")

	f.clock.Set(t0.Add(5500 * time.Millisecond))
	f.measure(t, "a1", reading("t1", 1.1), reading("t2", 2.2), reading("t3", 3.3))
	assert.Empty(t, f.out.snapshots(), "no round is complete with one of two anchors")
	assert.False(t, f.c.IsComplete("t1"))

	f.clock.Advance(100 * time.Millisecond)
	f.measure(t, "a2", reading("t1", 1.2), reading("t2", 2.1), reading("t3", 3.4))

	snaps := f.out.snapshots()
	require.Len(t, snaps, 3)
	for _, s := range snaps {
		assert.Len(t, s.Round.Readings, 2, "tag %s", s.TagCode)
		assert.Equal(t, 2, s.AnchorCount)
		assert.Equal(t, 5, s.Round.Readings[0].Channel)
		assert.Equal(t, 1.0, s.Coverage())
	}
	require.Len(t, f.out.batches, 1, "all tags go out in one batch")
	assert.NotEmpty(t, f.out.ids[0])

	st := f.c.Status()
	assert.Equal(t, uint64(3), st.DispatchedRounds)
	assert.Equal(t, uint64(1), st.CompleteBatches)
	assert.Equal(t, 3, st.Coverage.Samples)
	assert.InDelta(t, 1.0, st.Coverage.CompleteRatio, 1e-9)

	tag, ok := f.c.Registry().Tag("t1")
	require.True(t, ok)
	hist := tag.History()
	require.Len(t, hist, 2, "a fresh round follows the dispatched one")
	assert.True(t, hist[0].Dispatched)
	assert.False(t, hist[1].Dispatched)
	assert.Zero(t, hist[1].Len())
}

func TestMeasure_StaleRoundsDispatchedWithPartialData(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1", "a2")
	_, err := f.c.ReportScan(f.ctx, "a1", []string{"t1", "t2"})
	require.NoError(t, err)

	f.clock.Advance(3 * time.Second)
	f.measure(t, "a1")
	f.clock.Advance(500 * time.Millisecond)
	f.measure(t, "a1", reading("t1", 4.0))
	assert.False(t, f.c.IsStale("t1"))

	f.clock.Advance(10 * time.Second)
	assert.True(t, f.c.IsStale("t1"))
	assert.True(t, f.c.IsStale("t2"))

	resp := f.measure(t, "a1")
	require.Equal(t, ActionMeasure, resp.Action)

	snaps := f.out.snapshots()
	require.Len(t, snaps, 2, "stale rounds go out even when empty")
	byTag := map[string]measurement.TagSnapshot{}
	for _, s := range snaps {
		byTag[s.TagCode] = s
	}
	assert.Len(t, byTag["t1"].Round.Readings, 1)
	assert.True(t, byTag["t2"].Round.Empty())
	assert.Equal(t, uint64(1), f.c.Status().StaleBatches)
	assert.False(t, f.c.IsStale("t1"), "new round started")
}

func TestRecordReading_Rejections(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1")
	_, err := f.c.ReportScan(f.ctx, "a1", []string{"t1"})
	require.NoError(t, err)
	a1, _ := f.c.Registry().Anchor("a1")

	assert.False(t, f.c.RecordReading("t1", a1, 1, t0), "no round yet")
	assert.False(t, f.c.RecordReading("nope", a1, 1, t0), "unknown tag")

	f.c.StartNewRound(t0, t0.Add(time.Second))
	assert.True(t, f.c.RecordReading("t1", a1, 1, t0))
	assert.False(t, f.c.RecordReading("t1", a1, 2, t0), "one reading per anchor")
	assert.True(t, f.c.IsComplete("t1"))

	f.clock.Advance(2 * time.Second)
	f.c.StartNewRound(t0, t0.Add(time.Second))
	assert.False(t, f.c.RecordReading("t1", a1, 1, t0), "outside the window")
}

func TestTrip_StopsServing(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1")

	var hooked atomic.Value
	f.c.OnTrip(func(err error) { hooked.Store(err) })

	boom := errors.New("disk I/O error")
	f.c.Trip(boom)
	f.c.Trip(errors.New("second"))

	assert.False(t, f.c.Operational())
	assert.ErrorIs(t, hooked.Load().(error), boom)
	require.Eventually(t, func() bool { return f.out.shutdowns.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := f.c.RegisterAnchor(f.ctx, "a2")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = f.c.ReportScan(f.ctx, "a1", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = f.c.ReportMeasurement(f.ctx, "a1", nil)
	assert.ErrorIs(t, err, ErrUnavailable)

	st := f.c.Status()
	assert.False(t, st.Operational)
	assert.Equal(t, "disk I/O error", st.FatalError)
}

func TestReportMeasurement_ConcurrentDispatchOnce(t *testing.T) {
	f := newFixture(t)
	const n = 8
	anchors := make([]string, n)
	for i := range anchors {
		anchors[i] = fmt.Sprintf("a%d", i)
	}
	f.register(t, anchors...)
	_, err := f.c.ReportScan(f.ctx, anchors[0], []string{"t1"})
	require.NoError(t, err)

	f.clock.Advance(3 * time.Second)
	f.measure(t, anchors[0])
	f.clock.Advance(400 * time.Millisecond)

	var wg sync.WaitGroup
	for _, a := range anchors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.c.ReportMeasurement(f.ctx, a, []ReadingReport{reading("t1", 2)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snaps := f.out.snapshots()
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0].Round.Readings, n)
}

func TestReportMeasurement_DispatchedRoundDoesNotRetrigger(t *testing.T) {
	cfg := schedule.DefaultConfig()
	cfg.ScanPeriod = 3 * time.Second
	f := newFixtureWith(t, cfg)
	f.register(t, "a1", "a2")
	_, err := f.c.ReportScan(f.ctx, "a1", []string{"t1", "t2"})
	require.NoError(t, err)

	f.clock.Set(t0.Add(2500 * time.Millisecond))
	require.Equal(t, ActionMeasure, f.measure(t, "a1").Action)

	// t1 completes just as a new scan epoch begins, so its dispatched round
	// stays current while anchors keep scanning
	f.clock.Set(t0.Add(3200 * time.Millisecond))
	f.measure(t, "a1", reading("t1", 1.0))
	resp := f.measure(t, "a2", reading("t1", 1.1))
	require.Equal(t, ActionFastScan, resp.Action)
	require.Len(t, f.out.batches, 1)

	f.clock.Set(t0.Add(3300 * time.Millisecond))
	f.measure(t, "a1", reading("t2", 2.0))
	require.Len(t, f.out.batches, 1, "t2 is still waiting for a2")
	assert.False(t, f.c.IsComplete("t2"))

	f.measure(t, "a2", reading("t2", 2.1))
	assert.True(t, f.c.IsComplete("t2"))

	require.Len(t, f.out.batches, 2)
	for i, batch := range f.out.batches {
		require.Len(t, batch, 1, "batch %d", i)
		assert.Len(t, batch[0].Round.Readings, 2, "batch %d tag %s", i, batch[0].TagCode)
	}
	assert.Equal(t, "t1", f.out.batches[0][0].TagCode)
	assert.Equal(t, "t2", f.out.batches[1][0].TagCode)
	assert.Equal(t, uint64(2), f.c.Status().CompleteBatches)
}

func TestMeasure_RoundsCoverTheIssuedBatch(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1", "a2")
	_, err := f.c.ReportScan(f.ctx, "a1", []string{"t1", "t2", "t3"})
	require.NoError(t, err)

	f.clock.Advance(3 * time.Second)
	resp := f.measure(t, "a2")
	require.Equal(t, ActionMeasure, resp.Action)
	joined := f.measure(t, "a1")
	require.Equal(t, ActionMeasure, joined.Action)
	assert.Equal(t, resp.Tags[0].WhenToExecute-300, joined.Tags[0].WhenToExecute)

	first := timeutil.FromEpochMillis(resp.Tags[0].WhenToExecute).Add(-300 * time.Millisecond)
	batchEnd := first.Add(2 * 3 * 300 * time.Millisecond)
	for _, code := range []string{"t1", "t2", "t3"} {
		tag, ok := f.c.Registry().Tag(code)
		require.True(t, ok)
		hist := tag.History()
		require.Len(t, hist, 1, code)
		assert.True(t, hist[0].Start.Equal(first), "%s starts %v, want %v", code, hist[0].Start, first)
		assert.True(t, hist[0].End.Equal(batchEnd.Add(time.Second)), "%s ends %v", code, hist[0].End)
	}
}
