/*
Package controller orchestrates the acquisition pipeline: it pairs frame
batches with parameter records in arrival order, maintains the shot and
repetition counters, triggers grouped saves, and owns the lifecycle of the
camera and parameter socket connections.

The orchestrator is a polling loop in the manner of the acquisition
producer.  It is the sole consumer of the frame and record channels, so a
channel-length peek followed by a receive never blocks.
*/
package controller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/jack-mango/CameraControl/acquire"
	"github.com/jack-mango/CameraControl/camera"
	"github.com/jack-mango/CameraControl/params"
	"github.com/jack-mango/CameraControl/persist"
)

// DefaultInterval is the orchestrator's polling period
const DefaultInterval = 100 * time.Millisecond

// how long disconnect waits for a loop to wind down before abandoning it
const defaultDrainWait = 2 * time.Second

// State is the orchestrator's acquisition state.
type State int

// The acquisition states.  Starting and Stopping are transient; external
// observers may never see them.
const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// NotIdleError indicates an operation that requires the idle state.
type NotIdleError struct {
	// Op is the rejected operation
	Op string

	// State is the state the orchestrator was in
	State State
}

func (e NotIdleError) Error() string {
	return fmt.Sprintf("controller: %s requires idle state, currently %s", e.Op, e.State)
}

// PolicyError indicates a start attempt with an unsatisfiable save policy.
type PolicyError struct {
	// Reason describes what is missing
	Reason string
}

func (e PolicyError) Error() string {
	return "controller: cannot start: " + e.Reason
}

// Config is the orchestrator's acquisition policy.
type Config struct {
	// DeviceID selects the camera device
	DeviceID int `yaml:"deviceID"`

	// FramesPerShot is the number of frames pulled as one batch
	FramesPerShot int `yaml:"framesPerShot"`

	// ShotsPerParameter is the group size for the manual save policy
	ShotsPerParameter int `yaml:"shotsPerParameter"`

	// AutoShotsPerParameter selects the automatic save policy, driven by
	// the repetition bookkeeping carried in parameter records
	AutoShotsPerParameter bool `yaml:"autoShotsPerParameter"`

	// MaxShots, when positive, stops acquisition after this many total
	// paired shots
	MaxShots int `yaml:"maxShots"`

	// FileFormat is the output file extension
	FileFormat string `yaml:"fileFormat"`
}

// Counters are the orchestrator's progress counters.
type Counters struct {
	// Shots counts paired shots in the current repetition group.  Under
	// the automatic policy it tracks the repetition index carried in the
	// parameter records instead of a local increment
	Shots int `json:"shots"`

	// Reps counts completed repetition groups in the current run
	Reps int `json:"reps"`

	// TotalShots counts paired shots in the current run
	TotalShots int `json:"totalShots"`

	// Saved counts files written in the current run
	Saved int `json:"saved"`
}

// FrameSource is the orchestrator's view of the acquisition producer.
type FrameSource interface {
	Connect(deviceID int) error
	Run(ctx context.Context)
	Enable()
	Disable()
	SetFramesPerShot(n int)
	Apply(settings []acquire.Setting)
	Frames() <-chan camera.FrameBatch
	Status() <-chan camera.Status
	Done() <-chan struct{}
	Close() error
}

// RecordSource is the orchestrator's view of the parameter listener.
type RecordSource interface {
	Connect() error
	Run(ctx context.Context)
	Records() <-chan params.Record
	Done() <-chan struct{}
	Close() error
}

// Sink is the orchestrator's view of the file writer.
type Sink interface {
	Start() error
	Enqueue(u persist.ShotUnit) error
	Flush(n int) (int, error)
	Stop() error
	Len() int
	SetFormat(ext string) error
}

// Controller is the pipeline orchestrator.  All methods are safe for
// concurrent use; the polling loop runs in Run.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	frames  FrameSource
	sink    Sink
	mkRecs  func() (RecordSource, error)
	records RecordSource

	clock     clockz.Clock
	interval  time.Duration
	drainWait time.Duration

	state      State
	counters   Counters
	camState   camera.ConnectionState
	sockState  camera.ConnectionState
	lastStatus camera.Status

	camCancel  context.CancelFunc
	sockCancel context.CancelFunc

	events chan Event
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock substitutes the clock driving the poll loop
func WithClock(c clockz.Clock) Option {
	return func(ct *Controller) { ct.clock = c }
}

// WithInterval sets the polling period
func WithInterval(d time.Duration) Option {
	return func(ct *Controller) { ct.interval = d }
}

// New returns an orchestrator over the given producer and writer.  mkRecs
// builds a fresh parameter listener per socket connection, since a listener
// is single-use.
func New(cfg Config, frames FrameSource, sink Sink, mkRecs func() (RecordSource, error), opts ...Option) (*Controller, error) {
	if cfg.FramesPerShot < 1 {
		cfg.FramesPerShot = 1
	}
	c := &Controller{
		cfg:       cfg,
		frames:    frames,
		sink:      sink,
		mkRecs:    mkRecs,
		clock:     clockz.RealClock,
		interval:  DefaultInterval,
		drainWait: defaultDrainWait,
		events:    make(chan Event, 64),
	}
	for _, o := range opts {
		o(c)
	}
	if cfg.FileFormat != "" {
		if err := sink.SetFormat(cfg.FileFormat); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Events is the notification channel.  Consumers that fall behind lose
// events; nothing the orchestrator does depends on them being read.
func (c *Controller) Events() <-chan Event { return c.events }

// State reports the acquisition state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status reports the most recent camera status snapshot.
func (c *Controller) Status() camera.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus
}

// CountersNow reports the progress counters.
func (c *Controller) CountersNow() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// ConnectionStates reports the camera and socket connection states.
func (c *Controller) ConnectionStates() (cam, sock camera.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camState, c.sockState
}

// GetConfig reports the acquisition policy.
func (c *Controller) GetConfig() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetConfig replaces the acquisition policy.  Only permitted while idle.
func (c *Controller) SetConfig(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return NotIdleError{Op: "configure", State: c.state}
	}
	if cfg.FramesPerShot < 1 {
		return fmt.Errorf("controller: framesPerShot must be positive, got %d", cfg.FramesPerShot)
	}
	if cfg.FileFormat != "" && cfg.FileFormat != c.cfg.FileFormat {
		if err := c.sink.SetFormat(cfg.FileFormat); err != nil {
			return err
		}
	}
	c.cfg = cfg
	return nil
}

// SetFileFormat changes the output format.  Only permitted while idle.
func (c *Controller) SetFileFormat(ext string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return NotIdleError{Op: "set format", State: c.state}
	}
	if err := c.sink.SetFormat(ext); err != nil {
		return err
	}
	c.cfg.FileFormat = ext
	return nil
}

// ApplySettings forwards a camera configuration delta to the producer.  The
// delta is applied asynchronously; failures surface in later status
// snapshots.
func (c *Controller) ApplySettings(settings []acquire.Setting) {
	c.frames.Apply(settings)
}

// ConnectCamera brings up the camera: device open, configuration snapshot,
// and the producer's polling loop.
func (c *Controller) ConnectCamera(ctx context.Context) error {
	c.mu.Lock()
	if c.camState != camera.Disconnected {
		st := c.camState
		c.mu.Unlock()
		return fmt.Errorf("controller: camera is %s, not disconnected", st)
	}
	c.camState = camera.Connecting
	deviceID := c.cfg.DeviceID
	c.mu.Unlock()
	c.emit(Event{Kind: EventCameraConn, Conn: camera.Connecting})

	if err := c.frames.Connect(deviceID); err != nil {
		c.mu.Lock()
		c.camState = camera.Disconnected
		c.mu.Unlock()
		c.emit(Event{Kind: EventCameraConn, Conn: camera.Disconnected})
		return err
	}
	sub, cancel := context.WithCancel(ctx)
	go c.frames.Run(sub)

	c.mu.Lock()
	c.camCancel = cancel
	c.camState = camera.Connected
	c.mu.Unlock()
	c.emit(Event{Kind: EventCameraConn, Conn: camera.Connected})
	return nil
}

// DisconnectCamera winds down the producer and releases the device.  Not
// permitted while acquiring.
func (c *Controller) DisconnectCamera() error {
	c.mu.Lock()
	if c.state != Idle {
		st := c.state
		c.mu.Unlock()
		return NotIdleError{Op: "disconnect camera", State: st}
	}
	if c.camState != camera.Connected {
		st := c.camState
		c.mu.Unlock()
		return fmt.Errorf("controller: camera is %s, not connected", st)
	}
	c.camState = camera.Disconnecting
	cancel := c.camCancel
	c.camCancel = nil
	c.mu.Unlock()
	c.emit(Event{Kind: EventCameraConn, Conn: camera.Disconnecting})

	cancel()
	select {
	case <-c.frames.Done():
	case <-c.clock.After(c.drainWait):
		log.Println("controller: camera loop did not exit in time, abandoning")
	}
	err := c.frames.Close()

	c.mu.Lock()
	c.camState = camera.Disconnected
	c.mu.Unlock()
	c.emit(Event{Kind: EventCameraConn, Conn: camera.Disconnected})
	return err
}

// ConnectSocket brings up the parameter listener.
func (c *Controller) ConnectSocket(ctx context.Context) error {
	c.mu.Lock()
	if c.sockState != camera.Disconnected {
		st := c.sockState
		c.mu.Unlock()
		return fmt.Errorf("controller: socket is %s, not disconnected", st)
	}
	c.sockState = camera.Connecting
	c.mu.Unlock()
	c.emit(Event{Kind: EventSocketConn, Conn: camera.Connecting})

	recs, err := c.mkRecs()
	if err == nil {
		err = recs.Connect()
	}
	if err != nil {
		c.mu.Lock()
		c.sockState = camera.Disconnected
		c.mu.Unlock()
		c.emit(Event{Kind: EventSocketConn, Conn: camera.Disconnected})
		return err
	}
	sub, cancel := context.WithCancel(ctx)
	go recs.Run(sub)

	c.mu.Lock()
	c.records = recs
	c.sockCancel = cancel
	c.sockState = camera.Connected
	c.mu.Unlock()
	c.emit(Event{Kind: EventSocketConn, Conn: camera.Connected})
	return nil
}

// DisconnectSocket winds down the parameter listener.  Not permitted while
// acquiring.
func (c *Controller) DisconnectSocket() error {
	c.mu.Lock()
	if c.state != Idle {
		st := c.state
		c.mu.Unlock()
		return NotIdleError{Op: "disconnect socket", State: st}
	}
	if c.sockState != camera.Connected {
		st := c.sockState
		c.mu.Unlock()
		return fmt.Errorf("controller: socket is %s, not connected", st)
	}
	c.sockState = camera.Disconnecting
	cancel := c.sockCancel
	recs := c.records
	c.sockCancel, c.records = nil, nil
	c.mu.Unlock()
	c.emit(Event{Kind: EventSocketConn, Conn: camera.Disconnecting})

	cancel()
	recs.Close()
	select {
	case <-recs.Done():
	case <-c.clock.After(c.drainWait):
		log.Println("controller: socket loop did not exit in time, abandoning")
	}

	c.mu.Lock()
	c.sockState = camera.Disconnected
	c.mu.Unlock()
	c.emit(Event{Kind: EventSocketConn, Conn: camera.Disconnected})
	return nil
}

// Start begins an acquisition run: counters reset, a save session opens,
// and the producer is enabled.  The camera must be connected, and the save
// policy must be satisfiable: the automatic policy needs the parameter
// socket for its repetition bookkeeping, the manual policy needs a positive
// group size.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return NotIdleError{Op: "start", State: c.state}
	}
	if c.camState != camera.Connected {
		return PolicyError{Reason: "camera not connected"}
	}
	if c.cfg.AutoShotsPerParameter {
		if c.sockState != camera.Connected {
			return PolicyError{Reason: "automatic grouping needs the parameter socket connected"}
		}
	} else if c.cfg.ShotsPerParameter < 1 {
		return PolicyError{Reason: fmt.Sprintf("manual grouping needs a positive group size, have %d", c.cfg.ShotsPerParameter)}
	}
	c.state = Starting
	if err := c.sink.Start(); err != nil {
		c.state = Idle
		return err
	}
	c.counters = Counters{}
	c.drainQueues()
	c.frames.SetFramesPerShot(c.cfg.FramesPerShot)
	c.frames.Enable()
	c.state = Running
	log.Printf("controller: acquisition started, %d frames per shot", c.cfg.FramesPerShot)
	return nil
}

// Stop ends the acquisition run.  Buffered units not yet part of a complete
// group are flushed into one final file.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != Running {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("controller: stop requires running state, currently %s", st)
	}
	c.state = Stopping
	c.mu.Unlock()

	c.frames.Disable()
	err := c.sink.Stop()

	c.mu.Lock()
	c.drainQueues()
	c.state = Idle
	c.mu.Unlock()
	log.Println("controller: acquisition stopped")
	return err
}

// drainQueues discards batches and records queued outside a run, so a new
// session never pairs leftovers from before it started.  Callers hold c.mu.
func (c *Controller) drainQueues() {
	for len(c.frames.Frames()) > 0 {
		<-c.frames.Frames()
	}
	if c.records == nil {
		return
	}
	for len(c.records.Records()) > 0 {
		<-c.records.Records()
	}
}

// Run executes the orchestration loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.interval):
		}
		c.tick()
	}
}

// tick drains pending status snapshots and pairs as many shot units as both
// channels can supply.
func (c *Controller) tick() {
	c.drainStatus()
	for c.pairOnce() {
	}
	c.mu.Lock()
	over := c.cfg.MaxShots > 0 && c.counters.TotalShots >= c.cfg.MaxShots && c.state == Running
	c.mu.Unlock()
	if over {
		log.Printf("controller: shot limit %d reached, stopping", c.cfg.MaxShots)
		if err := c.Stop(); err != nil {
			log.Printf("controller: stop at shot limit: %v", err)
		}
	}
}

func (c *Controller) drainStatus() {
	for {
		select {
		case st := <-c.frames.Status():
			c.mu.Lock()
			c.lastStatus = st
			c.mu.Unlock()
			c.emit(Event{Kind: EventStatus, Status: st})
		default:
			return
		}
	}
}

// pairOnce consumes one batch and one record when both are waiting and runs
// the save policy.  It reports whether a pair was consumed.
func (c *Controller) pairOnce() bool {
	c.mu.Lock()
	running := c.state == Running
	var recCh <-chan params.Record
	if c.records != nil {
		recCh = c.records.Records()
	}
	auto := c.cfg.AutoShotsPerParameter
	spp := c.cfg.ShotsPerParameter
	c.mu.Unlock()
	if !running || recCh == nil {
		return false
	}
	if len(c.frames.Frames()) == 0 || len(recCh) == 0 {
		return false
	}
	batch := <-c.frames.Frames()
	rec := <-recCh

	if err := c.sink.Enqueue(persist.ShotUnit{Batch: batch, Rec: rec}); err != nil {
		log.Printf("controller: dropping shot: %v", err)
		return true
	}

	c.mu.Lock()
	if auto && rec.HasRep {
		// the record's own repetition index is authoritative, so joining
		// a scan mid-way or losing a record does not skew the counter
		c.counters.Shots = rec.Rep
	} else {
		c.counters.Shots++
	}
	c.counters.TotalShots++
	shots := c.counters.Shots
	c.mu.Unlock()
	c.emit(Event{Kind: EventShot, Shots: shots})

	save := false
	flushN := shots
	if auto {
		save = rec.HasRep && rec.Rep == rec.NReps-1
		flushN = rec.Rep + 1
	} else {
		save = shots%spp == 0
	}
	if !save {
		return true
	}
	if _, err := c.sink.Flush(flushN); err != nil {
		log.Printf("controller: save failed, units held for retry: %v", err)
		return true
	}
	c.mu.Lock()
	c.counters.Shots = 0
	c.counters.Reps++
	c.counters.Saved++
	reps := c.counters.Reps
	c.mu.Unlock()
	c.emit(Event{Kind: EventRep, Reps: reps})
	return true
}

// NoteSaved publishes a save notification.  Wire it to the file writer's
// OnSaved hook.
func (c *Controller) NoteSaved(path string, units int) {
	c.emit(Event{Kind: EventSaved, Path: path, Units: units})
}
