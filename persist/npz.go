package persist

import (
	"archive/zip"
	"fmt"
	"os"
	"strings"

	"github.com/sbinet/npyio"
)

// encodeNPZ writes a numpy zip archive.  The pixel block is stored flat as
// "images.npy" with its shape alongside in "images_shape.npy"; each
// metadata key becomes its own one-element member, strings as raw bytes
// under a ".str.npy" suffix.
func encodeNPZ(path string, c cube, meta map[string]interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zw := zip.NewWriter(f)

	write := func(name string, val interface{}) error {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		return npyio.Write(w, val)
	}

	shape := make([]int64, 4)
	for i, d := range c.dims() {
		shape[i] = int64(d)
	}
	if err := write("images.npy", c.pix); err != nil {
		return err
	}
	if err := write("images_shape.npy", shape); err != nil {
		return err
	}
	for _, k := range metaKeys(meta) {
		var err error
		switch v := meta[k].(type) {
		case float64:
			err = write(k+".npy", []float64{v})
		case int64:
			// numeric metadata is uniformly double precision on disk
			err = write(k+".npy", []float64{float64(v)})
		case string:
			err = write(k+".str.npy", []uint8(v))
		default:
			err = fmt.Errorf("persist: npz: unsupported metadata type %T for %q", v, k)
		}
		if err != nil {
			return err
		}
	}
	return zw.Close()
}

// decodeNPZ reads back an archive written by encodeNPZ.
func decodeNPZ(path string) (cube, map[string]interface{}, error) {
	var c cube
	zr, err := zip.OpenReader(path)
	if err != nil {
		return c, nil, err
	}
	defer zr.Close()
	meta := make(map[string]interface{})
	for _, zf := range zr.File {
		rc, err := zf.Open()
		if err != nil {
			return c, nil, err
		}
		switch {
		case zf.Name == "images.npy":
			err = npyio.Read(rc, &c.pix)
		case zf.Name == "images_shape.npy":
			var shape []int64
			if err = npyio.Read(rc, &shape); err == nil {
				if len(shape) != 4 {
					err = fmt.Errorf("persist: npz: shape has %d dims, want 4", len(shape))
				} else {
					c.shots, c.frames = int(shape[0]), int(shape[1])
					c.height, c.width = int(shape[2]), int(shape[3])
				}
			}
		case strings.HasSuffix(zf.Name, ".str.npy"):
			var raw []uint8
			if err = npyio.Read(rc, &raw); err == nil {
				meta[strings.TrimSuffix(zf.Name, ".str.npy")] = string(raw)
			}
		case strings.HasSuffix(zf.Name, ".npy"):
			var vals []float64
			if err = npyio.Read(rc, &vals); err == nil && len(vals) == 1 {
				meta[strings.TrimSuffix(zf.Name, ".npy")] = vals[0]
			}
		}
		rc.Close()
		if err != nil {
			return c, nil, fmt.Errorf("persist: npz: member %s: %w", zf.Name, err)
		}
	}
	if c.size() != len(c.pix) {
		return c, nil, fmt.Errorf("persist: npz: %d pixels but shape wants %d", len(c.pix), c.size())
	}
	return c, meta, nil
}
