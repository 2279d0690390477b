package persist

import (
	"fmt"
	"os"
	"sort"
)

// cube is the 4-D image block handed to a codec: shots of frames of
// height x width pixels, stored row major with width fastest.
type cube struct {
	pix                          []uint16
	shots, frames, height, width int
}

func (c cube) dims() []int { return []int{c.shots, c.frames, c.height, c.width} }

func (c cube) size() int { return c.shots * c.frames * c.height * c.width }

// codec writes one shot group to path.  Metadata values are float64, int64
// or string.
type codec func(path string, c cube, meta map[string]interface{}) error

var formats = map[string]codec{
	".h5":   encodeHDF5,
	".hdf5": encodeHDF5,
	".npz":  encodeNPZ,
	".mat":  encodeMAT,
	".fits": encodeFITS,
}

// UnknownFormatError indicates a file extension with no codec.
type UnknownFormatError struct {
	// Ext is the offending extension
	Ext string
}

func (e UnknownFormatError) Error() string {
	return fmt.Sprintf("persist: no codec for %q; known formats are %v", e.Ext, Formats())
}

// Formats lists the supported file extensions in sorted order.
func Formats() []string {
	exts := make([]string, 0, len(formats))
	for k := range formats {
		exts = append(exts, k)
	}
	sort.Strings(exts)
	return exts
}

// encode writes one shot group atomically: the codec targets a temporary
// file which is renamed into place only on success, so a crash or write
// error never leaves a partial file at the final path.
func encode(ext, path string, c cube, meta map[string]interface{}) error {
	enc, ok := formats[ext]
	if !ok {
		return UnknownFormatError{Ext: ext}
	}
	tmp := path + ".tmp"
	if err := enc(tmp, c, meta); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// metaKeys returns meta's keys sorted, for deterministic file layout
func metaKeys(meta map[string]interface{}) []string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
