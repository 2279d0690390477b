package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jack-mango/CameraControl/acquire"
	"github.com/jack-mango/CameraControl/camera"
	"github.com/jack-mango/CameraControl/params"
	"github.com/jack-mango/CameraControl/persist"
)

type fakeFrames struct {
	frames     chan camera.FrameBatch
	status     chan camera.Status
	done       chan struct{}
	connectErr error
	enabled    bool
	fps        int
	applied    [][]acquire.Setting

	// stall simulates a loop that never winds down after cancellation
	stall bool
}

func newFakeFrames() *fakeFrames {
	return &fakeFrames{
		frames: make(chan camera.FrameBatch, 32),
		status: make(chan camera.Status, 8),
		done:   make(chan struct{}),
	}
}

func (f *fakeFrames) Connect(deviceID int) error { return f.connectErr }
func (f *fakeFrames) Run(ctx context.Context) {
	<-ctx.Done()
	if f.stall {
		return
	}
	close(f.done)
}
func (f *fakeFrames) Enable()                          { f.enabled = true }
func (f *fakeFrames) Disable()                         { f.enabled = false }
func (f *fakeFrames) SetFramesPerShot(n int)           { f.fps = n }
func (f *fakeFrames) Apply(s []acquire.Setting)        { f.applied = append(f.applied, s) }
func (f *fakeFrames) Frames() <-chan camera.FrameBatch { return f.frames }
func (f *fakeFrames) Status() <-chan camera.Status     { return f.status }
func (f *fakeFrames) Done() <-chan struct{}            { return f.done }
func (f *fakeFrames) Close() error                     { return nil }

type fakeRecs struct {
	records chan params.Record
	done    chan struct{}
}

func newFakeRecs() *fakeRecs {
	return &fakeRecs{records: make(chan params.Record, 32), done: make(chan struct{})}
}

func (f *fakeRecs) Connect() error                { return nil }
func (f *fakeRecs) Run(ctx context.Context)       { <-ctx.Done(); close(f.done) }
func (f *fakeRecs) Records() <-chan params.Record { return f.records }
func (f *fakeRecs) Done() <-chan struct{}         { return f.done }
func (f *fakeRecs) Close() error                  { return nil }

type flushCall struct{ asked, wrote int }

type fakeSink struct {
	units    []persist.ShotUnit
	flushes  []flushCall
	flushErr error
	stops    int
	format   string
}

func (f *fakeSink) Start() error { return nil }
func (f *fakeSink) Enqueue(u persist.ShotUnit) error {
	f.units = append(f.units, u)
	return nil
}
func (f *fakeSink) Flush(n int) (int, error) {
	if f.flushErr != nil {
		return 0, f.flushErr
	}
	wrote := n
	if wrote > len(f.units) {
		wrote = len(f.units)
	}
	f.units = f.units[wrote:]
	f.flushes = append(f.flushes, flushCall{asked: n, wrote: wrote})
	return wrote, nil
}
func (f *fakeSink) Stop() error {
	f.stops++
	f.units = nil
	return nil
}
func (f *fakeSink) Len() int { return len(f.units) }
func (f *fakeSink) SetFormat(ext string) error {
	f.format = ext
	return nil
}

// rig builds a connected, running controller over fakes
func rig(t *testing.T, cfg Config) (*Controller, *fakeFrames, *fakeRecs, *fakeSink) {
	t.Helper()
	frames := newFakeFrames()
	recs := newFakeRecs()
	sink := &fakeSink{}
	c, err := New(cfg, frames, sink, func() (RecordSource, error) { return recs, nil })
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := c.ConnectCamera(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.ConnectSocket(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	return c, frames, recs, sink
}

func batch() camera.FrameBatch {
	return camera.FrameBatch{Pix: make([]uint16, 4), Frames: 1, Height: 2, Width: 2}
}

func record(rep, nreps int) params.Record {
	rec := params.Record{Floats: map[string]float64{}, Strings: map[string]string{}}
	if nreps > 0 {
		rec.Rep, rec.NReps, rec.HasRep = rep, nreps, true
	}
	return rec
}

func drainEvents(c *Controller) []Event {
	var out []Event
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPairingConsumesInArrivalOrder(t *testing.T) {
	c, frames, recs, sink := rig(t, Config{FramesPerShot: 1, ShotsPerParameter: 100})

	// frames lead records; nothing pairs until a record shows up
	frames.frames <- batch()
	frames.frames <- batch()
	c.tick()
	if len(sink.units) != 0 {
		t.Fatalf("paired %d units with no records", len(sink.units))
	}

	recs.records <- record(0, 0)
	c.tick()
	if len(sink.units) != 1 {
		t.Fatalf("paired %d units, want 1", len(sink.units))
	}

	// records lead frames symmetrically
	recs.records <- record(0, 0)
	recs.records <- record(0, 0)
	c.tick()
	if len(sink.units) != 2 {
		t.Fatalf("paired %d units, want 2", len(sink.units))
	}
	if got := c.CountersNow(); got.Shots != 2 || got.TotalShots != 2 {
		t.Errorf("counters %+v", got)
	}
}

func TestManualPolicyGroupsEveryN(t *testing.T) {
	c, frames, recs, sink := rig(t, Config{FramesPerShot: 1, ShotsPerParameter: 3})

	for i := 0; i < 3; i++ {
		frames.frames <- batch()
		recs.records <- record(0, 0)
	}
	c.tick()
	if len(sink.flushes) != 1 || sink.flushes[0].asked != 3 {
		t.Fatalf("flushes %+v, want one of 3", sink.flushes)
	}
	got := c.CountersNow()
	if got.Shots != 0 || got.Reps != 1 || got.TotalShots != 3 {
		t.Errorf("counters %+v", got)
	}

	// the shot announcement for the final unit precedes the group reset
	evs := drainEvents(c)
	shotAt, repAt := -1, -1
	for i, ev := range evs {
		if ev.Kind == EventShot && ev.Shots == 3 {
			shotAt = i
		}
		if ev.Kind == EventRep {
			repAt = i
		}
	}
	if shotAt < 0 || repAt < 0 || shotAt > repAt {
		t.Errorf("event order wrong: %+v", evs)
	}
}

func TestAutoPolicyGroupsOnFinalRep(t *testing.T) {
	c, frames, recs, sink := rig(t, Config{FramesPerShot: 1, AutoShotsPerParameter: true})

	// acquisition joins a scan already at its third repetition; the shot
	// counter follows the index embedded in the records, not a local count
	for rep := 2; rep < 5; rep++ {
		frames.frames <- batch()
		recs.records <- record(rep, 5)
		c.tick()
		if rep < 4 {
			if len(sink.flushes) != 0 {
				t.Fatalf("flushed early at rep %d", rep)
			}
			if got := c.CountersNow(); got.Shots != rep {
				t.Errorf("shot counter %d at rep %d, want the embedded index", got.Shots, rep)
			}
		}
	}
	if len(sink.flushes) != 1 || sink.flushes[0].asked != 5 {
		t.Fatalf("flushes %+v, want one asking for 5", sink.flushes)
	}
	if sink.flushes[0].wrote != 3 {
		t.Errorf("wrote %d units, want the 3 buffered", sink.flushes[0].wrote)
	}
	if got := c.CountersNow(); got.Reps != 1 || got.Shots != 0 {
		t.Errorf("counters %+v", got)
	}

	found := false
	for _, ev := range drainEvents(c) {
		if ev.Kind == EventShot && ev.Shots == 2 {
			found = true
		}
	}
	if !found {
		t.Error("no shot event carrying the first embedded rep index")
	}
}

func TestStartDiscardsStaleQueues(t *testing.T) {
	frames := newFakeFrames()
	recs := newFakeRecs()
	sink := &fakeSink{}
	c, err := New(Config{FramesPerShot: 1, ShotsPerParameter: 100}, frames, sink,
		func() (RecordSource, error) { return recs, nil })
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := c.ConnectCamera(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.ConnectSocket(ctx); err != nil {
		t.Fatal(err)
	}

	// data arriving while idle never belongs to the next run
	frames.frames <- batch()
	recs.records <- record(0, 0)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	c.tick()
	if len(sink.units) != 0 {
		t.Fatalf("stale pre-start data paired into the run: %d units", len(sink.units))
	}

	// live data still pairs
	frames.frames <- batch()
	recs.records <- record(0, 0)
	c.tick()
	if len(sink.units) != 1 {
		t.Fatalf("paired %d units, want 1", len(sink.units))
	}
}

func TestStopDrainsQueues(t *testing.T) {
	c, frames, recs, _ := rig(t, Config{FramesPerShot: 1, ShotsPerParameter: 100})

	frames.frames <- batch()
	recs.records <- record(0, 0)
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if len(frames.frames) != 0 || len(recs.records) != 0 {
		t.Errorf("queues not drained on stop: %d frames, %d records",
			len(frames.frames), len(recs.records))
	}
}

func TestAutoPolicyIgnoresRecordsWithoutBookkeeping(t *testing.T) {
	c, frames, recs, sink := rig(t, Config{FramesPerShot: 1, AutoShotsPerParameter: true})

	frames.frames <- batch()
	recs.records <- record(0, 0)
	c.tick()
	if len(sink.units) != 1 {
		t.Fatalf("pairing should still happen, units=%d", len(sink.units))
	}
	if len(sink.flushes) != 0 {
		t.Errorf("record without rep bookkeeping triggered a save")
	}
}

func TestStopFlushesPartialGroup(t *testing.T) {
	c, frames, recs, sink := rig(t, Config{FramesPerShot: 1, ShotsPerParameter: 5})

	frames.frames <- batch()
	frames.frames <- batch()
	recs.records <- record(0, 0)
	recs.records <- record(0, 0)
	c.tick()
	if len(sink.units) != 2 {
		t.Fatalf("paired %d units", len(sink.units))
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if sink.stops != 1 {
		t.Errorf("sink stopped %d times", sink.stops)
	}
	if frames.enabled {
		t.Errorf("producer still enabled after stop")
	}
	if c.State() != Idle {
		t.Errorf("state %s after stop", c.State())
	}
}

func TestFailedSaveKeepsGroupCounting(t *testing.T) {
	c, frames, recs, sink := rig(t, Config{FramesPerShot: 1, ShotsPerParameter: 2})
	sink.flushErr = errors.New("disk full")

	frames.frames <- batch()
	frames.frames <- batch()
	recs.records <- record(0, 0)
	recs.records <- record(0, 0)
	c.tick()
	got := c.CountersNow()
	if got.Reps != 0 || got.Saved != 0 {
		t.Errorf("counters advanced past a failed save: %+v", got)
	}
	if got.Shots != 2 {
		t.Errorf("shot counter reset despite failed save: %+v", got)
	}
}

func TestStartValidatesPolicy(t *testing.T) {
	frames := newFakeFrames()
	sink := &fakeSink{}
	mk := func() (RecordSource, error) { return newFakeRecs(), nil }

	// camera not connected
	c, _ := New(Config{FramesPerShot: 1, ShotsPerParameter: 1}, frames, sink, mk)
	if err := c.Start(); err == nil {
		t.Error("start without camera succeeded")
	}

	// automatic grouping without the socket
	c, _ = New(Config{FramesPerShot: 1, AutoShotsPerParameter: true}, frames, sink, mk)
	if err := c.ConnectCamera(context.Background()); err != nil {
		t.Fatal(err)
	}
	var pe PolicyError
	if err := c.Start(); !errors.As(err, &pe) {
		t.Errorf("expected PolicyError, got %v", err)
	}

	// manual grouping with a zero group size
	c, _ = New(Config{FramesPerShot: 1, ShotsPerParameter: 0}, frames2(t), sink, mk)
	if err := c.ConnectCamera(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); !errors.As(err, &pe) {
		t.Errorf("expected PolicyError, got %v", err)
	}
}

func frames2(t *testing.T) *fakeFrames {
	t.Helper()
	return newFakeFrames()
}

func TestMutationRejectedUnlessIdle(t *testing.T) {
	c, _, _, _ := rig(t, Config{FramesPerShot: 1, ShotsPerParameter: 1})

	var nie NotIdleError
	if err := c.SetConfig(Config{FramesPerShot: 2, ShotsPerParameter: 1}); !errors.As(err, &nie) {
		t.Errorf("SetConfig while running: %v", err)
	}
	if err := c.SetFileFormat(".npz"); !errors.As(err, &nie) {
		t.Errorf("SetFileFormat while running: %v", err)
	}
	if err := c.DisconnectCamera(); !errors.As(err, &nie) {
		t.Errorf("DisconnectCamera while running: %v", err)
	}
	if err := c.Start(); !errors.As(err, &nie) {
		t.Errorf("double start: %v", err)
	}

	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := c.SetConfig(Config{FramesPerShot: 2, ShotsPerParameter: 4}); err != nil {
		t.Errorf("SetConfig while idle: %v", err)
	}
	if got := c.GetConfig(); got.FramesPerShot != 2 || got.ShotsPerParameter != 4 {
		t.Errorf("config not applied: %+v", got)
	}
}

func TestShotLimitStopsRun(t *testing.T) {
	c, frames, recs, sink := rig(t, Config{FramesPerShot: 1, ShotsPerParameter: 1, MaxShots: 2})

	for i := 0; i < 3; i++ {
		frames.frames <- batch()
		recs.records <- record(0, 0)
	}
	c.tick()
	if c.State() != Idle {
		t.Fatalf("state %s after hitting the shot limit", c.State())
	}
	if got := c.CountersNow(); got.TotalShots < 2 {
		t.Errorf("stopped before the limit: %+v", got)
	}
	if sink.stops != 1 {
		t.Errorf("sink stopped %d times", sink.stops)
	}
}

func TestDisconnectAbandonsStalledLoop(t *testing.T) {
	frames := newFakeFrames()
	frames.stall = true
	sink := &fakeSink{}
	c, err := New(Config{FramesPerShot: 1, ShotsPerParameter: 1}, frames, sink,
		func() (RecordSource, error) { return newFakeRecs(), nil })
	if err != nil {
		t.Fatal(err)
	}
	c.drainWait = 5 * time.Millisecond
	if err := c.ConnectCamera(context.Background()); err != nil {
		t.Fatal(err)
	}

	// the loop never signals done; disconnect gives up after the wait
	if err := c.DisconnectCamera(); err != nil {
		t.Fatal(err)
	}
	if cam, _ := c.ConnectionStates(); cam != camera.Disconnected {
		t.Errorf("camera state %s after abandoning the loop", cam)
	}
}

func TestStatusSnapshotsFlowThrough(t *testing.T) {
	c, frames, _, _ := rig(t, Config{FramesPerShot: 1, ShotsPerParameter: 1})

	frames.status <- camera.Status{Temperature: -69.5, TemperatureStatus: "Stabilised"}
	c.tick()
	if got := c.Status(); got.Temperature != -69.5 {
		t.Errorf("status %+v", got)
	}
	found := false
	for _, ev := range drainEvents(c) {
		if ev.Kind == EventStatus && ev.Status.Temperature == -69.5 {
			found = true
		}
	}
	if !found {
		t.Error("no status event emitted")
	}
}
