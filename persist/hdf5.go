package persist

import (
	"fmt"

	"gonum.org/v1/hdf5"
)

// encodeHDF5 writes the pixel block as a 4-D uint16 dataset "images" and
// the metadata as one-element datasets in a "params" group.
func encodeHDF5(path string, c cube, meta map[string]interface{}) error {
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return err
	}
	defer f.Close()

	dims := make([]uint, 4)
	for i, d := range c.dims() {
		dims[i] = uint(d)
	}
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return err
	}
	defer space.Close()
	dset, err := f.CreateDataset("images", hdf5.T_NATIVE_USHORT, space)
	if err != nil {
		return err
	}
	if err := dset.Write(&c.pix); err != nil {
		dset.Close()
		return err
	}
	if err := dset.Close(); err != nil {
		return err
	}

	grp, err := f.CreateGroup("params")
	if err != nil {
		return err
	}
	defer grp.Close()
	for _, k := range metaKeys(meta) {
		if err := writeParam(grp, k, meta[k]); err != nil {
			return fmt.Errorf("persist: hdf5: param %q: %w", k, err)
		}
	}
	return nil
}

func writeParam(grp *hdf5.Group, k string, v interface{}) error {
	space, err := hdf5.CreateSimpleDataspace([]uint{1}, nil)
	if err != nil {
		return err
	}
	defer space.Close()
	var (
		dt  *hdf5.Datatype
		ptr interface{}
	)
	switch t := v.(type) {
	case float64:
		dt, ptr = hdf5.T_NATIVE_DOUBLE, &t
	case int64:
		dt, ptr = hdf5.T_NATIVE_LLONG, &t
	case string:
		dt, ptr = hdf5.T_GO_STRING, &t
	default:
		return fmt.Errorf("unsupported metadata type %T", v)
	}
	dset, err := grp.CreateDataset(k, dt, space)
	if err != nil {
		return err
	}
	defer dset.Close()
	return dset.Write(ptr)
}

// decodeHDF5 reads back a file written by encodeHDF5.  keys names the
// params to read; each is dispatched on its stored datatype class.
func decodeHDF5(path string, keys []string) (cube, map[string]interface{}, error) {
	var c cube
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return c, nil, err
	}
	defer f.Close()

	dset, err := f.OpenDataset("images")
	if err != nil {
		return c, nil, err
	}
	space := dset.Space()
	dims, _, err := space.SimpleExtentDims()
	space.Close()
	if err != nil {
		dset.Close()
		return c, nil, err
	}
	if len(dims) != 4 {
		dset.Close()
		return c, nil, fmt.Errorf("persist: hdf5: images has %d dims, want 4", len(dims))
	}
	c.shots, c.frames = int(dims[0]), int(dims[1])
	c.height, c.width = int(dims[2]), int(dims[3])
	c.pix = make([]uint16, c.size())
	err = dset.Read(&c.pix)
	dset.Close()
	if err != nil {
		return c, nil, err
	}

	grp, err := f.OpenGroup("params")
	if err != nil {
		return c, nil, err
	}
	defer grp.Close()
	meta := make(map[string]interface{})
	for _, name := range keys {
		if err := readParam(grp, name, meta); err != nil {
			return c, nil, fmt.Errorf("persist: hdf5: param %q: %w", name, err)
		}
	}
	return c, meta, nil
}

func readParam(grp *hdf5.Group, name string, meta map[string]interface{}) error {
	dset, err := grp.OpenDataset(name)
	if err != nil {
		return err
	}
	defer dset.Close()
	dt, err := dset.Datatype()
	if err != nil {
		return err
	}
	defer dt.Close()
	switch dt.Class() {
	case hdf5.T_FLOAT:
		var v float64
		if err := dset.Read(&v); err != nil {
			return err
		}
		meta[name] = v
	case hdf5.T_INTEGER:
		var v int64
		if err := dset.Read(&v); err != nil {
			return err
		}
		meta[name] = v
	case hdf5.T_STRING:
		var v string
		if err := dset.Read(&v); err != nil {
			return err
		}
		meta[name] = v
	default:
		return fmt.Errorf("unsupported datatype class %v", dt.Class())
	}
	return nil
}
