package persist

import (
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

// Recorder generates incrementing output filenames in yyyy-mm-dd subfolders.
// It is not thread safe; the Writer serializes access to it.
type Recorder struct {
	// counter is the internally incrementing counter
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format.
	timeFldr string
}

// updateFolder checks the current time and updates the folder as needed
func (r *Recorder) updateFolder() {
	now := time.Now()
	y, m, d := now.Year(), now.Month(), now.Day()
	r.timeFldr = fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := path.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Next returns the full path for the next output file with the given
// extension and advances the counter.  ext includes the leading dot.
func (r *Recorder) Next(ext string) (string, error) {
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	fn := fmt.Sprintf("%s%06d%s", r.Prefix, r.counter, ext)
	r.counter++
	return path.Join(fldr, fn), nil
}

// Named returns the full path for an explicitly named output file in the
// current date folder, forcing the given extension.  The counter does not
// advance.
func (r *Recorder) Named(name, ext string) (string, error) {
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	name = path.Base(name)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return path.Join(fldr, name+ext), nil
}

// Incr seeks the filename counter past any existing files; it scans the
// folder to do so.  If there is an error, the counter is not changed.
func (r *Recorder) Incr() {
	r.updateFolder()
	dn, _ := r.mkDir()
	files, err := ioutil.ReadDir(dn)
	if err != nil {
		return
	}
	count := -1
	for _, file := range files {
		// skip directories and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimPrefix(fn, r.Prefix)
		if i := strings.IndexByte(bit, '.'); i >= 0 {
			bit = bit[:i]
		}
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}
