/*
Package persist buffers correlated shot units and saves them to disk in
grouped files.

Units accumulate in arrival order until the orchestrator triggers a flush;
one flush produces one file holding the group's image cube plus the
parameter set of its final unit.  Four on-disk formats are supported, chosen
by file extension, and every save is atomic: the codec writes a temporary
file renamed into place only on success, so a failed save leaves the buffer
intact for a later retry.
*/
package persist

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/jack-mango/CameraControl/camera"
	"github.com/jack-mango/CameraControl/params"
)

// ShotUnit is one correlated pair of an image batch and the parameter
// record describing it.
type ShotUnit struct {
	// Batch is the frames of one shot
	Batch camera.FrameBatch

	// Rec is the parameter record paired with the batch
	Rec params.Record
}

// ShapeError indicates a unit whose frame geometry disagrees with the
// units already buffered.
type ShapeError struct {
	// Have describes the buffered geometry as frames, height, width
	Have [3]int

	// Got describes the offending unit
	Got [3]int
}

func (e ShapeError) Error() string {
	return fmt.Sprintf("persist: unit shape %v does not match buffered shape %v", e.Got, e.Have)
}

// Writer accumulates shot units and writes them in groups.  All methods are
// safe for concurrent use.
type Writer struct {
	sync.Mutex
	rec     *Recorder
	buf     []ShotUnit
	ext     string
	session string

	// OnSaved, when non-nil, is called after each successful save with the
	// file path and the number of units it holds
	OnSaved func(path string, units int)
}

// NewWriter returns a writer saving via rec in the given format.
func NewWriter(rec *Recorder, format string) (*Writer, error) {
	if _, ok := formats[format]; !ok {
		return nil, UnknownFormatError{Ext: format}
	}
	return &Writer{rec: rec, ext: format}, nil
}

// Start opens a save session: the output folder is created, the filename
// counter seeks past existing files, and a fresh session ID is minted for
// the files' metadata.
func (w *Writer) Start() error {
	w.Lock()
	defer w.Unlock()
	w.session = uuid.New().String()
	w.rec.Incr()
	if _, err := w.rec.mkDir(); err != nil {
		return err
	}
	log.Printf("persist: session %s saving to %s as %s", w.session, w.rec.Root, w.ext)
	return nil
}

// Enqueue appends one unit to the buffer.  A unit whose geometry disagrees
// with the buffered units is rejected.
func (w *Writer) Enqueue(u ShotUnit) error {
	w.Lock()
	defer w.Unlock()
	if len(w.buf) > 0 {
		b0 := w.buf[0].Batch
		if b0.Frames != u.Batch.Frames || b0.Height != u.Batch.Height || b0.Width != u.Batch.Width {
			return ShapeError{
				Have: [3]int{b0.Frames, b0.Height, b0.Width},
				Got:  [3]int{u.Batch.Frames, u.Batch.Height, u.Batch.Width},
			}
		}
	}
	w.buf = append(w.buf, u)
	return nil
}

// Len reports the number of buffered units.
func (w *Writer) Len() int {
	w.Lock()
	defer w.Unlock()
	return len(w.buf)
}

// SetFormat changes the output format for subsequent saves.
func (w *Writer) SetFormat(ext string) error {
	if _, ok := formats[ext]; !ok {
		return UnknownFormatError{Ext: ext}
	}
	w.Lock()
	w.ext = ext
	w.Unlock()
	return nil
}

// Format reports the current output format.
func (w *Writer) Format() string {
	w.Lock()
	defer w.Unlock()
	return w.ext
}

// Flush writes the oldest n buffered units as one file and reports how many
// were written.  When the buffer holds fewer than n units the whole buffer
// is written with a warning; an empty buffer is a no-op.  The buffer keeps
// the units on failure so a retriggered flush retries them.
//
// The file's parameter set is that of the group's final unit, which in
// normal operation announced the flush.  When that unit carries an explicit
// filename it overrides the generated one.
func (w *Writer) Flush(n int) (int, error) {
	w.Lock()
	defer w.Unlock()
	if len(w.buf) == 0 || n <= 0 {
		return 0, nil
	}
	if n > len(w.buf) {
		log.Printf("persist: flush of %d requested with %d buffered, saving %d", n, len(w.buf), len(w.buf))
		n = len(w.buf)
	}
	group := w.buf[:n]
	last := group[n-1]

	c := cube{
		shots:  n,
		frames: last.Batch.Frames,
		height: last.Batch.Height,
		width:  last.Batch.Width,
	}
	c.pix = make([]uint16, 0, c.size())
	for _, u := range group {
		c.pix = append(c.pix, u.Batch.Pix...)
	}

	meta := make(map[string]interface{}, len(last.Rec.Floats)+len(last.Rec.Strings)+3)
	for k, v := range last.Rec.Floats {
		meta[k] = v
	}
	for k, v := range last.Rec.Strings {
		meta[k] = v
	}
	meta["array_axes"] = "shots,frames,height,width"
	meta["num_shots"] = int64(n)
	meta["session_id"] = w.session

	var (
		path string
		err  error
	)
	if last.Rec.Filename != "" {
		path, err = w.rec.Named(last.Rec.Filename, w.ext)
	} else {
		path, err = w.rec.Next(w.ext)
	}
	if err != nil {
		return 0, err
	}
	if err := encode(w.ext, path, c, meta); err != nil {
		return 0, fmt.Errorf("persist: save %s: %w", path, err)
	}
	w.buf = w.buf[n:]
	log.Printf("persist: saved %d shots to %s", n, path)
	if w.OnSaved != nil {
		w.OnSaved(path, n)
	}
	return n, nil
}

// Stop closes the session, flushing any remaining units into a final file.
func (w *Writer) Stop() error {
	n := w.Len()
	if n == 0 {
		return nil
	}
	_, err := w.Flush(n)
	return err
}
