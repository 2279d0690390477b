package camera

import (
	"fmt"
	"sync"
	"time"
)

// Sim is an in-memory camera with the same surface as a real driver.  It is
// used by tests and by the demo binary.  Frames are synthesized on demand by
// Trigger, standing in for the external hardware trigger that fires the real
// sensor.
//
// Unlike real drivers, Sim is safe for concurrent use so tests may Trigger
// from one goroutine while the producer polls from another.
type Sim struct {
	mu sync.Mutex

	// FailSetters maps setter names (e.g. "SetTemperature") to errors which
	// the corresponding call will return.  Used by tests to inject per-key
	// configuration failures.
	FailSetters map[string]error

	// Calls records the driver operations invoked, in order
	Calls []string

	connected bool
	acquiring bool

	width, height int
	pending       []uint16
	unread        int
	seq           uint16

	setpoint float64
	shutter  string
}

// NewSim returns a simulated camera with the given sensor dimensions.
func NewSim(width, height int) *Sim {
	return &Sim{width: width, height: height, shutter: "auto", setpoint: 20}
}

func (s *Sim) record(op string) error {
	s.Calls = append(s.Calls, op)
	if err, ok := s.FailSetters[op]; ok {
		return err
	}
	return nil
}

// Connect opens the simulated device
func (s *Sim) Connect(deviceID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("Connect"); err != nil {
		return err
	}
	if deviceID < 0 {
		return fmt.Errorf("camera: no device at index %d", deviceID)
	}
	s.connected = true
	return nil
}

// Close releases the simulated device
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Close")
	s.connected = false
	s.acquiring = false
	s.pending = nil
	s.unread = 0
	return nil
}

// Trigger synthesizes n frames as if an external trigger fired, appending
// them to the unread ring.  Frames are ignored unless acquisition is running,
// matching hardware behavior.
func (s *Sim) Trigger(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquiring {
		return
	}
	px := s.width * s.height
	for i := 0; i < n; i++ {
		s.seq++
		frame := make([]uint16, px)
		for j := range frame {
			frame[j] = s.seq*1000 + uint16(j%s.width)
		}
		s.pending = append(s.pending, frame...)
		s.unread++
	}
}

// GetTemperature reports the setpoint; the simulator cools instantly
func (s *Sim) GetTemperature() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, ErrNotConnected{Op: "GetTemperature"}
	}
	return s.setpoint, nil
}

// GetTemperatureStatus always reports a stabilised sensor
func (s *Sim) GetTemperatureStatus() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", ErrNotConnected{Op: "GetTemperatureStatus"}
	}
	return "Stabilised", nil
}

// GetShutterMode returns the last programmed shutter mode
func (s *Sim) GetShutterMode() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", ErrNotConnected{Op: "GetShutterMode"}
	}
	return s.shutter, nil
}

// SetTemperature sets the cooling setpoint
func (s *Sim) SetTemperature(t float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetTemperature"); err != nil {
		return err
	}
	s.setpoint = t
	return nil
}

// SetAmpMode selects the output amplifier
func (s *Sim) SetAmpMode(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetAmpMode")
}

// SetVerticalSpeed selects the vertical shift speed
func (s *Sim) SetVerticalSpeed(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetVerticalSpeed")
}

// SetHorizontalSpeed selects the horizontal shift speed
func (s *Sim) SetHorizontalSpeed(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetHorizontalSpeed")
}

// SetPreampGain selects the preamp gain
func (s *Sim) SetPreampGain(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetPreampGain")
}

// SetExposure sets the exposure time
func (s *Sim) SetExposure(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetExposure")
}

// SetTriggerMode sets the trigger mode
func (s *Sim) SetTriggerMode(mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetTriggerMode")
}

// SetGain sets the EM gain
func (s *Sim) SetGain(g int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetGain")
}

// SetHighGain toggles the extended EM gain range
func (s *Sim) SetHighGain(b bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetHighGain")
}

// SetShutterMode sets the shutter mode
func (s *Sim) SetShutterMode(mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetShutterMode"); err != nil {
		return err
	}
	s.shutter = mode
	return nil
}

// SetFanMode sets the fan mode
func (s *Sim) SetFanMode(mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetFanMode")
}

// SetAcquisitionMode sets the acquisition mode
func (s *Sim) SetAcquisitionMode(mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("SetAcquisitionMode")
}

// SetRoi programs the region of interest, resizing synthesized frames
func (s *Sim) SetRoi(r ROI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetRoi"); err != nil {
		return err
	}
	if r.Right < r.Left || r.Top < r.Bottom || r.BinX < 1 || r.BinY < 1 {
		return fmt.Errorf("camera: invalid ROI %+v", r)
	}
	s.width = (r.Right - r.Left + 1) / r.BinX
	s.height = (r.Top - r.Bottom + 1) / r.BinY
	return nil
}

// StartAcquisition begins accepting triggers
func (s *Sim) StartAcquisition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("StartAcquisition"); err != nil {
		return err
	}
	if !s.connected {
		return ErrNotConnected{Op: "StartAcquisition"}
	}
	s.acquiring = true
	return nil
}

// StopAcquisition stops accepting triggers and drops unread frames
func (s *Sim) StopAcquisition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("StopAcquisition"); err != nil {
		return err
	}
	s.acquiring = false
	s.pending = nil
	s.unread = 0
	return nil
}

// IsAcquiring queries whether acquisition is running
func (s *Sim) IsAcquiring() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return false, ErrNotConnected{Op: "IsAcquiring"}
	}
	return s.acquiring, nil
}

// CountUnreadFrames returns the number of frames waiting in the ring
func (s *Sim) CountUnreadFrames() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, ErrNotConnected{Op: "CountUnreadFrames"}
	}
	return s.unread, nil
}

// ReadFrames pops the oldest unread frames in [first, last] inclusive
func (s *Sim) ReadFrames(first, last int) (FrameBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return FrameBatch{}, ErrNotConnected{Op: "ReadFrames"}
	}
	n := last - first + 1
	if first != 0 || n < 1 || n > s.unread {
		return FrameBatch{}, fmt.Errorf("camera: read range [%d, %d] outside %d unread frames", first, last, s.unread)
	}
	px := s.width * s.height
	out := make([]uint16, n*px)
	copy(out, s.pending[:n*px])
	s.pending = s.pending[n*px:]
	s.unread -= n
	return FrameBatch{Pix: out, Frames: n, Width: s.width, Height: s.height}, nil
}
