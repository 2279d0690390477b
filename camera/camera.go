/*
Package camera describes the boundary to a scientific camera driver and the
data types which cross it.

The Driver interface captures the subset of a vendor SDK (Andor iXon style
EMCCDs) needed by the acquisition pipeline: connection lifecycle, per-setting
setters, thermal and shutter status, and kinetic-series frame readout.  Real
drivers wrap a cgo SDK; the Sim type in this package is an in-memory stand-in
with the same behavior, akin to the software simulator cameras the Andor SDK
itself exposes.
*/
package camera

import (
	"fmt"
	"time"
)

// ConnectionState represents the lifecycle of a link to an external
// collaborator (the camera driver, or the parameter socket).
type ConnectionState int

const (
	// Disconnected means no link exists
	Disconnected ConnectionState = iota

	// Connecting means a link is being established
	Connecting

	// Connected means the link is up
	Connected

	// Disconnecting means a teardown is in flight
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// Status is a periodic health snapshot of the camera.  When the camera is not
// connected the metric fields are zero and LastError explains why.
type Status struct {
	// Temperature is the sensor temperature in Celcius
	Temperature float64 `json:"temperature"`

	// TemperatureStatus is the cooling state, e.g. "Stabilised" or "Cooling"
	TemperatureStatus string `json:"temperatureStatus"`

	// ShutterMode is the current shutter mode, e.g. "auto"
	ShutterMode string `json:"shutterMode"`

	// LastError holds the most recent driver error as text, empty if none
	LastError string `json:"lastError"`
}

// ROI describes a compound region of interest setting.  All six fields must
// be known before a driver call can be made; partial updates are accumulated
// by the acquisition producer.
type ROI struct {
	// Left is the first column index, 1-based
	Left int `json:"left"`

	// Right is the last column index, 1-based
	Right int `json:"right"`

	// Bottom is the first row index, 1-based
	Bottom int `json:"bottom"`

	// Top is the last row index, 1-based
	Top int `json:"top"`

	// BinX is the horizontal binning factor
	BinX int `json:"binX"`

	// BinY is the vertical binning factor
	BinY int `json:"binY"`
}

// FrameBatch is an ordered sequence of same-shape 2D frames pulled from the
// camera in one shot.  The data is a contiguous strided buffer, the same
// layout the SDKs return for a kinetic series; frame k occupies
// Pix[k*Width*Height : (k+1)*Width*Height], each frame strided by Width.
// A batch is immutable once emitted by the producer.
type FrameBatch struct {
	// Pix is the pixel data for all frames, frame-major
	Pix []uint16

	// Frames is the number of frames in the batch
	Frames int

	// Width is the width of each frame in pixels
	Width int

	// Height is the height of each frame in pixels
	Height int
}

// Driver is the boundary to a vendor camera SDK.  Every setter may fail;
// failures are converted by the caller to per-key error strings and never
// propagate as a crash.  Implementations are not safe for concurrent use;
// the acquisition producer owns the driver exclusively.
type Driver interface {
	// Connect opens the device at the given index
	Connect(deviceID int) error

	// Close releases the device
	Close() error

	// GetTemperature gets the sensor temperature in Celcius
	GetTemperature() (float64, error)

	// GetTemperatureStatus gets the cooling state as a string
	GetTemperatureStatus() (string, error)

	// GetShutterMode gets the current shutter mode
	GetShutterMode() (string, error)

	// SetTemperature sets the cooling setpoint in Celcius
	SetTemperature(float64) error

	// SetAmpMode selects the output amplifier by index
	SetAmpMode(int) error

	// SetVerticalSpeed selects the vertical shift speed by index
	SetVerticalSpeed(int) error

	// SetHorizontalSpeed selects the horizontal shift speed by index
	SetHorizontalSpeed(int) error

	// SetPreampGain selects the preamp gain by index
	SetPreampGain(int) error

	// SetExposure sets the exposure time
	SetExposure(time.Duration) error

	// SetTriggerMode sets the trigger mode, e.g. "ext" or "ext_exp"
	SetTriggerMode(string) error

	// SetGain sets the EM gain
	SetGain(int) error

	// SetHighGain toggles the extended EM gain range
	SetHighGain(bool) error

	// SetShutterMode sets the shutter mode, e.g. "auto", "open", "closed"
	SetShutterMode(string) error

	// SetFanMode sets the fan mode, e.g. "full", "low", "off"
	SetFanMode(string) error

	// SetAcquisitionMode sets the acquisition mode, e.g. "kinetic"
	SetAcquisitionMode(string) error

	// SetRoi programs the compound region of interest
	SetRoi(ROI) error

	// StartAcquisition begins hardware acquisition
	StartAcquisition() error

	// StopAcquisition halts hardware acquisition
	StopAcquisition() error

	// IsAcquiring queries whether hardware acquisition is running
	IsAcquiring() (bool, error)

	// CountUnreadFrames returns the number of frames accumulated in the
	// driver's ring buffer which have not been read out yet
	CountUnreadFrames() (int, error)

	// ReadFrames reads the oldest unread frames in [first, last] inclusive
	// as one batch
	ReadFrames(first, last int) (FrameBatch, error)
}

// ErrNotConnected is returned by drivers when an operation requires an open
// device and there is none.
type ErrNotConnected struct {
	// Op is the operation that was attempted
	Op string
}

func (e ErrNotConnected) Error() string {
	return fmt.Sprintf("camera: %s: not connected", e.Op)
}
