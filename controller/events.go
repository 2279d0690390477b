package controller

import "github.com/jack-mango/CameraControl/camera"

// EventKind discriminates the Event union.
type EventKind int

// The kinds of event the orchestrator emits.
const (
	// EventShot announces one paired shot
	EventShot EventKind = iota

	// EventRep announces a completed repetition group
	EventRep

	// EventStatus carries a fresh camera status snapshot
	EventStatus

	// EventCameraConn announces a camera connection state change
	EventCameraConn

	// EventSocketConn announces a parameter socket state change
	EventSocketConn

	// EventSaved announces a file written to disk
	EventSaved
)

func (k EventKind) String() string {
	switch k {
	case EventShot:
		return "shot"
	case EventRep:
		return "rep"
	case EventStatus:
		return "status"
	case EventCameraConn:
		return "camera-connection"
	case EventSocketConn:
		return "socket-connection"
	case EventSaved:
		return "saved"
	}
	return "unknown"
}

// Event is one notification from the orchestrator.  Which fields are
// meaningful depends on Kind.
type Event struct {
	Kind EventKind `json:"kind"`

	// Shots and Reps are the counters after the event, for EventShot and
	// EventRep
	Shots int `json:"shots,omitempty"`
	Reps  int `json:"reps,omitempty"`

	// Status is the snapshot for EventStatus
	Status camera.Status `json:"status,omitempty"`

	// Conn is the new state for the connection events
	Conn camera.ConnectionState `json:"conn,omitempty"`

	// Path and Units describe the file for EventSaved
	Path  string `json:"path,omitempty"`
	Units int    `json:"units,omitempty"`
}

// emit pushes an event best-effort; a full channel drops the event rather
// than stalling the orchestrator.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
