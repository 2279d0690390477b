package acquire

import (
	"fmt"
	"time"

	"github.com/jack-mango/CameraControl/camera"
)

// SettingID identifies a camera setting.  The set is closed: unknown wire
// keys are rejected at parse time with ErrUnknownSetting instead of being
// dispatched dynamically.
type SettingID int

const (
	// SettingTemperature is the cooling setpoint in Celcius (float)
	SettingTemperature SettingID = iota

	// SettingAmpMode is the output amplifier index (int)
	SettingAmpMode

	// SettingVerticalSpeed is the vertical shift speed index (int)
	SettingVerticalSpeed

	// SettingHorizontalSpeed is the horizontal shift speed index (int)
	SettingHorizontalSpeed

	// SettingPreampGain is the preamp gain index (int)
	SettingPreampGain

	// SettingExposure is the exposure time (duration)
	SettingExposure

	// SettingTriggerMode is the trigger mode (string)
	SettingTriggerMode

	// SettingGain is the EM gain (int)
	SettingGain

	// SettingHighGain is the extended EM gain range flag (bool)
	SettingHighGain

	// SettingShutterMode is the shutter mode (string)
	SettingShutterMode

	// SettingFanMode is the fan mode (string)
	SettingFanMode

	// SettingAcquisitionMode is the acquisition mode (string)
	SettingAcquisitionMode

	// SettingROILeft is the first ROI column, 1-based (int)
	SettingROILeft

	// SettingROIRight is the last ROI column, 1-based (int)
	SettingROIRight

	// SettingROIBottom is the first ROI row, 1-based (int)
	SettingROIBottom

	// SettingROITop is the last ROI row, 1-based (int)
	SettingROITop

	// SettingROIBinX is the horizontal ROI binning factor (int)
	SettingROIBinX

	// SettingROIBinY is the vertical ROI binning factor (int)
	SettingROIBinY
)

// Kind tags the payload type carried by a Value.
type Kind int

const (
	// KindFloat tags a float64 payload
	KindFloat Kind = iota

	// KindInt tags an int payload
	KindInt

	// KindString tags a string payload
	KindString

	// KindBool tags a bool payload
	KindBool

	// KindDuration tags a time.Duration payload
	KindDuration
)

// Value is a tagged scalar.  Only the field matching Kind is meaningful.
// Values are comparable, which the producer exploits to skip hardware calls
// for unchanged settings.
type Value struct {
	Kind  Kind
	Float float64
	Int   int
	Str   string
	Bool  bool
	Dur   time.Duration
}

// Float wraps a float64 in a Value
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// Int wraps an int in a Value
func Int(i int) Value { return Value{Kind: KindInt, Int: i} }

// Str wraps a string in a Value
func Str(s string) Value { return Value{Kind: KindString, Str: s} }

// Bool wraps a bool in a Value
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Dur wraps a duration in a Value
func Dur(d time.Duration) Value { return Value{Kind: KindDuration, Dur: d} }

func (v Value) String() string {
	switch v.Kind {
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindString:
		return v.Str
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindDuration:
		return v.Dur.String()
	}
	return "<invalid>"
}

// Setting pairs an identifier with its value.
type Setting struct {
	ID    SettingID
	Value Value
}

// settingMeta binds a wire key and expected kind to each identifier.  The
// wire keys follow the original control protocol.
var settingMeta = map[SettingID]struct {
	key  string
	kind Kind
}{
	SettingTemperature:     {"temperature", KindFloat},
	SettingAmpMode:         {"oamp", KindInt},
	SettingVerticalSpeed:   {"vsspeed", KindInt},
	SettingHorizontalSpeed: {"hsspeed", KindInt},
	SettingPreampGain:      {"preamp", KindInt},
	SettingExposure:        {"exposure-ms", KindDuration},
	SettingTriggerMode:     {"trigger-mode", KindString},
	SettingGain:            {"em-gain", KindInt},
	SettingHighGain:        {"high-em-gain", KindBool},
	SettingShutterMode:     {"shutter-mode", KindString},
	SettingFanMode:         {"fan-mode", KindString},
	SettingAcquisitionMode: {"acquisition-mode", KindString},
	SettingROILeft:         {"roi-left", KindInt},
	SettingROIRight:        {"roi-right", KindInt},
	SettingROIBottom:       {"roi-bottom", KindInt},
	SettingROITop:          {"roi-top", KindInt},
	SettingROIBinX:         {"roi-bin-x", KindInt},
	SettingROIBinY:         {"roi-bin-y", KindInt},
}

// settingOrder fixes the order settings are applied in when a full snapshot
// is pushed to hardware at connect time.  ROI fields come last so the
// compound call sees the final geometry.
var settingOrder = []SettingID{
	SettingTemperature,
	SettingAmpMode,
	SettingVerticalSpeed,
	SettingHorizontalSpeed,
	SettingPreampGain,
	SettingExposure,
	SettingTriggerMode,
	SettingGain,
	SettingHighGain,
	SettingShutterMode,
	SettingFanMode,
	SettingAcquisitionMode,
	SettingROILeft,
	SettingROIRight,
	SettingROIBottom,
	SettingROITop,
	SettingROIBinX,
	SettingROIBinY,
}

func (id SettingID) String() string {
	if m, ok := settingMeta[id]; ok {
		return m.key
	}
	return fmt.Sprintf("SettingID(%d)", int(id))
}

// IsROI reports whether the identifier is one of the six ROI sub-fields,
// which are accumulated and applied as a single compound hardware call.
func (id SettingID) IsROI() bool {
	return id >= SettingROILeft && id <= SettingROIBinY
}

// appliers maps each non-ROI setting to its typed driver call.  ROI fields
// have no individual applier; they are aggregated by the producer and sent
// through Driver.SetRoi.
var appliers = map[SettingID]func(camera.Driver, Value) error{
	SettingTemperature:     func(d camera.Driver, v Value) error { return d.SetTemperature(v.Float) },
	SettingAmpMode:         func(d camera.Driver, v Value) error { return d.SetAmpMode(v.Int) },
	SettingVerticalSpeed:   func(d camera.Driver, v Value) error { return d.SetVerticalSpeed(v.Int) },
	SettingHorizontalSpeed: func(d camera.Driver, v Value) error { return d.SetHorizontalSpeed(v.Int) },
	SettingPreampGain:      func(d camera.Driver, v Value) error { return d.SetPreampGain(v.Int) },
	SettingExposure:        func(d camera.Driver, v Value) error { return d.SetExposure(v.Dur) },
	SettingTriggerMode:     func(d camera.Driver, v Value) error { return d.SetTriggerMode(v.Str) },
	SettingGain:            func(d camera.Driver, v Value) error { return d.SetGain(v.Int) },
	SettingHighGain:        func(d camera.Driver, v Value) error { return d.SetHighGain(v.Bool) },
	SettingShutterMode:     func(d camera.Driver, v Value) error { return d.SetShutterMode(v.Str) },
	SettingFanMode:         func(d camera.Driver, v Value) error { return d.SetFanMode(v.Str) },
	SettingAcquisitionMode: func(d camera.Driver, v Value) error { return d.SetAcquisitionMode(v.Str) },
}

// ErrUnknownSetting is generated when a wire key does not name a setting in
// the closed set.
type ErrUnknownSetting struct {
	// Key is the offending wire key
	Key string
}

func (e ErrUnknownSetting) Error() string {
	return fmt.Sprintf("acquire: unknown setting %q", e.Key)
}

// ErrBadSettingValue is generated when a wire value has the wrong type for
// its key.
type ErrBadSettingValue struct {
	// Key is the wire key
	Key string

	// Value is the offending wire value
	Value interface{}
}

func (e ErrBadSettingValue) Error() string {
	return fmt.Sprintf("acquire: bad value %v for setting %q", e.Value, e.Key)
}

// keyToID is the inverse of settingMeta, built at init
var keyToID = func() map[string]SettingID {
	m := make(map[string]SettingID, len(settingMeta))
	for id, meta := range settingMeta {
		m[meta.key] = id
	}
	return m
}()

// ParseSettings converts a wire map (e.g. a decoded JSON object) into typed
// settings, preserving nothing of the map's iteration order; callers which
// care about application order get it from the producer, which applies in
// settingOrder.  Unknown keys and mistyped values are rejected.
//
// JSON numbers arrive as float64; keys whose kind is int accept any float64
// with no fractional part.  The exposure key is a float in milliseconds.
func ParseSettings(wire map[string]interface{}) ([]Setting, error) {
	out := make([]Setting, 0, len(wire))
	for k, raw := range wire {
		id, ok := keyToID[k]
		if !ok {
			return nil, ErrUnknownSetting{Key: k}
		}
		var v Value
		switch settingMeta[id].kind {
		case KindFloat:
			f, ok := asFloat(raw)
			if !ok {
				return nil, ErrBadSettingValue{Key: k, Value: raw}
			}
			v = Float(f)
		case KindInt:
			f, ok := asFloat(raw)
			if !ok || f != float64(int(f)) {
				return nil, ErrBadSettingValue{Key: k, Value: raw}
			}
			v = Int(int(f))
		case KindString:
			s, ok := raw.(string)
			if !ok {
				return nil, ErrBadSettingValue{Key: k, Value: raw}
			}
			v = Str(s)
		case KindBool:
			b, ok := raw.(bool)
			if !ok {
				return nil, ErrBadSettingValue{Key: k, Value: raw}
			}
			v = Bool(b)
		case KindDuration:
			f, ok := asFloat(raw)
			if !ok || f < 0 {
				return nil, ErrBadSettingValue{Key: k, Value: raw}
			}
			v = Dur(time.Duration(f * float64(time.Millisecond)))
		}
		out = append(out, Setting{ID: id, Value: v})
	}
	return out, nil
}

func asFloat(raw interface{}) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
