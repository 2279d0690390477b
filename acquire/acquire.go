/*
Package acquire contains the acquisition producer: the single owner of the
camera driver.

The producer runs a cooperative polling loop.  On each tick it emits a status
snapshot, reconciles queued configuration deltas against the last applied
state, and services acquisition: starting or stopping the hardware to match
the enabled flag and pulling a frames-per-shot sized batch whenever the
driver has accumulated one.  Configuration failures never abort the loop;
they are recorded and surfaced on the next status emission, so callers must
poll status to detect them.
*/
package acquire

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/zoobzio/clockz"
	"golang.org/x/time/rate"

	"github.com/jack-mango/CameraControl/camera"
)

const (
	// DefaultInterval is the producer's polling period
	DefaultInterval = 100 * time.Millisecond

	roiComplete = 0x3F // all six ROI sub-fields seen
)

// ApplyError names the setting whose hardware call failed.
type ApplyError struct {
	// ID is the setting that failed to apply
	ID SettingID

	// Value is the value that was being applied
	Value Value

	// Err is the underlying driver error
	Err error
}

func (e ApplyError) Error() string {
	return fmt.Sprintf("acquire: apply %s=%s: %v", e.ID, e.Value, e.Err)
}

// Unwrap returns the driver error
func (e ApplyError) Unwrap() error { return e.Err }

// Producer owns a camera driver and supplies frame batches and status
// snapshots over bounded channels.  Construct with New, then Connect, then
// run the loop in its own goroutine; after Run starts, the driver must not
// be touched by anyone else.
type Producer struct {
	drv      camera.Driver
	clock    clockz.Clock
	interval time.Duration

	frames  chan camera.FrameBatch
	status  chan camera.Status
	updates chan []Setting
	done    chan struct{}

	enabled       atomic.Bool
	framesPerShot atomic.Int64

	// loop-goroutine state; untouched by other goroutines
	connected   bool
	lastApplied map[SettingID]Value
	pendingROI  camera.ROI
	roiMask     int
	roiDirty    bool
	lastErr     string

	initial []Setting
	logLim  *rate.Limiter
}

// Option configures a Producer.
type Option func(*Producer)

// WithClock substitutes the clock driving the poll loop
func WithClock(c clockz.Clock) Option {
	return func(p *Producer) { p.clock = c }
}

// WithInterval sets the polling period
func WithInterval(d time.Duration) Option {
	return func(p *Producer) { p.interval = d }
}

// New returns a producer owning drv.  The initial settings form the
// configuration snapshot applied key-by-key at connect time.
func New(drv camera.Driver, initial []Setting, opts ...Option) *Producer {
	p := &Producer{
		drv:         drv,
		clock:       clockz.RealClock,
		interval:    DefaultInterval,
		frames:      make(chan camera.FrameBatch, 16),
		status:      make(chan camera.Status, 4),
		updates:     make(chan []Setting, 16),
		done:        make(chan struct{}),
		lastApplied: make(map[SettingID]Value),
		initial:     initial,
		logLim:      rate.NewLimiter(rate.Every(time.Second), 3),
	}
	p.framesPerShot.Store(1)
	for _, o := range opts {
		o(p)
	}
	return p
}

// Frames is the batch output channel; the orchestrator is the sole consumer
func (p *Producer) Frames() <-chan camera.FrameBatch { return p.frames }

// Status is the best-effort status channel; emissions are dropped when full
func (p *Producer) Status() <-chan camera.Status { return p.status }

// Done is closed when the run loop has exited
func (p *Producer) Done() <-chan struct{} { return p.done }

// Enable requests that hardware acquisition be running
func (p *Producer) Enable() { p.enabled.Store(true) }

// Disable requests that hardware acquisition be stopped
func (p *Producer) Disable() { p.enabled.Store(false) }

// SetFramesPerShot sets the number of frames pulled as one batch
func (p *Producer) SetFramesPerShot(n int) {
	if n < 1 {
		n = 1
	}
	p.framesPerShot.Store(int64(n))
}

// Apply queues a configuration delta for the loop to reconcile.  There is no
// synchronous error: hardware failures appear in the LastError field of a
// later status emission.  If the queue is full the delta is dropped and
// logged, which only happens when the loop is not running.
func (p *Producer) Apply(settings []Setting) {
	select {
	case p.updates <- settings:
	default:
		log.Printf("acquire: config queue full, dropping %d settings", len(settings))
	}
}

// Connect opens the device and pushes the full configuration snapshot
// key-by-key.  Any single key's failure aborts the connect and the error
// names the key and value.  The device open is retried briefly with
// exponential backoff; the driver dislikes connection thrash.
//
// Connect must be called before Run.
func (p *Producer) Connect(deviceID int) error {
	op := func() error { return p.drv.Connect(deviceID) }
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	})
	if err != nil {
		p.lastErr = err.Error()
		return fmt.Errorf("acquire: connect device %d: %w", deviceID, err)
	}
	p.connected = true
	p.lastApplied = make(map[SettingID]Value)
	p.roiMask, p.roiDirty = 0, false

	byID := make(map[SettingID]Value, len(p.initial))
	for _, s := range p.initial {
		byID[s.ID] = s.Value
	}
	for _, id := range settingOrder {
		v, ok := byID[id]
		if !ok {
			continue
		}
		if id.IsROI() {
			p.stageROI(id, v)
			continue
		}
		if err := appliers[id](p.drv, v); err != nil {
			p.drv.Close()
			p.connected = false
			return ApplyError{ID: id, Value: v, Err: err}
		}
		p.lastApplied[id] = v
	}
	if p.roiMask == roiComplete {
		if err := p.drv.SetRoi(p.pendingROI); err != nil {
			p.drv.Close()
			p.connected = false
			return ApplyError{ID: SettingROILeft, Value: Int(p.pendingROI.Left), Err: err}
		}
		p.commitROI()
	}
	p.roiDirty = false
	return nil
}

// Close releases the driver.  Call only after the run loop has exited.
func (p *Producer) Close() error {
	if !p.connected {
		return nil
	}
	p.connected = false
	return p.drv.Close()
}

// Run executes the poll loop until ctx is cancelled.  The cancellation is
// observed within one tick.
func (p *Producer) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.interval):
		}
		p.tick(ctx)
	}
}

func (p *Producer) tick(ctx context.Context) {
	p.emitStatus()
	p.applyPending()
	p.service(ctx)
}

// emitStatus gathers a snapshot and pushes it best-effort.  Gather errors
// land in LastError rather than suppressing the emission.
func (p *Producer) emitStatus() {
	if !p.connected && p.lastErr == "" {
		return
	}
	st := camera.Status{LastError: p.lastErr}
	if p.connected {
		var errs []string
		var err error
		if st.Temperature, err = p.drv.GetTemperature(); err != nil {
			errs = append(errs, err.Error())
		}
		if st.TemperatureStatus, err = p.drv.GetTemperatureStatus(); err != nil {
			errs = append(errs, err.Error())
		}
		if st.ShutterMode, err = p.drv.GetShutterMode(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			p.lastErr = strings.Join(errs, "; ")
			st.LastError = p.lastErr
		}
	}
	select {
	case p.status <- st:
	default:
	}
}

// applyPending drains every queued delta, coalescing so only the most recent
// value per key reaches hardware.  ROI sub-fields are exempt from loss: they
// accumulate into the pending compound ROI before coalescing discards
// anything, and the hardware call fires only once all six are known.
func (p *Producer) applyPending() {
	coalesced := make(map[SettingID]Value)
	for {
		select {
		case delta := <-p.updates:
			for _, s := range delta {
				if s.ID.IsROI() {
					p.stageROI(s.ID, s.Value)
				} else {
					coalesced[s.ID] = s.Value
				}
			}
			continue
		default:
		}
		break
	}
	if len(coalesced) == 0 && !(p.roiDirty && p.roiMask == roiComplete) {
		return
	}
	if !p.connected {
		return
	}
	for _, id := range settingOrder {
		v, ok := coalesced[id]
		if !ok || p.lastApplied[id] == v {
			continue
		}
		if err := appliers[id](p.drv, v); err != nil {
			p.fail(ApplyError{ID: id, Value: v, Err: err})
			continue
		}
		p.lastApplied[id] = v
	}
	if p.roiDirty && p.roiMask == roiComplete {
		if err := p.drv.SetRoi(p.pendingROI); err != nil {
			p.fail(fmt.Errorf("acquire: apply roi %+v: %w", p.pendingROI, err))
		} else {
			p.commitROI()
		}
		p.roiDirty = false
	}
}

// stageROI folds one sub-field into the pending compound ROI
func (p *Producer) stageROI(id SettingID, v Value) {
	switch id {
	case SettingROILeft:
		p.pendingROI.Left = v.Int
	case SettingROIRight:
		p.pendingROI.Right = v.Int
	case SettingROIBottom:
		p.pendingROI.Bottom = v.Int
	case SettingROITop:
		p.pendingROI.Top = v.Int
	case SettingROIBinX:
		p.pendingROI.BinX = v.Int
	case SettingROIBinY:
		p.pendingROI.BinY = v.Int
	}
	bit := 1 << uint(id-SettingROILeft)
	p.roiMask |= bit
	if prev, ok := p.lastApplied[id]; !ok || prev != v {
		p.roiDirty = true
	}
	p.lastApplied[id] = v
}

// commitROI records the six sub-fields as applied
func (p *Producer) commitROI() {
	p.lastApplied[SettingROILeft] = Int(p.pendingROI.Left)
	p.lastApplied[SettingROIRight] = Int(p.pendingROI.Right)
	p.lastApplied[SettingROIBottom] = Int(p.pendingROI.Bottom)
	p.lastApplied[SettingROITop] = Int(p.pendingROI.Top)
	p.lastApplied[SettingROIBinX] = Int(p.pendingROI.BinX)
	p.lastApplied[SettingROIBinY] = Int(p.pendingROI.BinY)
}

func (p *Producer) fail(err error) {
	p.lastErr = err.Error()
	if p.logLim.Allow() {
		log.Println(err)
	}
}

// service reconciles the hardware acquisition state with the enabled flag
// and pulls a batch when one is ready.
func (p *Producer) service(ctx context.Context) {
	if !p.connected {
		return
	}
	acq, err := p.drv.IsAcquiring()
	if err != nil {
		p.fail(fmt.Errorf("acquire: query acquisition state: %w", err))
		return
	}
	enabled := p.enabled.Load()
	switch {
	case enabled && !acq:
		if err := p.drv.StartAcquisition(); err != nil {
			p.fail(fmt.Errorf("acquire: start acquisition: %w", err))
		}
	case !enabled && acq:
		if err := p.drv.StopAcquisition(); err != nil {
			p.fail(fmt.Errorf("acquire: stop acquisition: %w", err))
		}
	case enabled && acq:
		if len(p.frames) == cap(p.frames) {
			// the consumer is behind; leave frames in the device ring
			// rather than block the loop, which must keep emitting
			// status and applying config
			if p.logLim.Allow() {
				log.Println("acquire: batch queue full, frames left on device")
			}
			return
		}
		fps := int(p.framesPerShot.Load())
		n, err := p.drv.CountUnreadFrames()
		if err != nil {
			p.fail(fmt.Errorf("acquire: count unread frames: %w", err))
			return
		}
		if n < fps {
			return
		}
		batch, err := p.drv.ReadFrames(0, fps-1)
		if err != nil {
			p.fail(fmt.Errorf("acquire: read %d frames: %w", fps, err))
			return
		}
		select {
		case p.frames <- batch:
		case <-ctx.Done():
		}
	}
}
