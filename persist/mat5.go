package persist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"unicode/utf16"
)

// Level 5 MAT-file constants.  Only the subset this codec emits is listed.
const (
	miINT8       = 1
	miUINT16     = 4
	miINT32      = 5
	miUINT32     = 6
	miDOUBLE     = 9
	miMATRIX     = 14
	mxCharClass  = 4
	mxDoubleClas = 6
	mxUint16Clas = 11
)

// encodeMAT writes an uncompressed level 5 MAT-file.  The pixel block is
// the 4-D uint16 variable "images"; metadata keys become 1x1 doubles or
// char rows.  MAT-files are column major, so the pixel data is permuted on
// the way out and back.
func encodeMAT(path string, c cube, meta map[string]interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var hdr [128]byte
	copy(hdr[:], "MATLAB 5.0 MAT-file, written by camctl")
	for i := len("MATLAB 5.0 MAT-file, written by camctl"); i < 116; i++ {
		hdr[i] = ' '
	}
	binary.LittleEndian.PutUint16(hdr[124:], 0x0100)
	hdr[126], hdr[127] = 'I', 'M'
	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}

	if err := writeMatrix(f, "images", matUint16Cube(c)); err != nil {
		return err
	}
	for _, k := range metaKeys(meta) {
		var body matVar
		switch v := meta[k].(type) {
		case float64:
			body = matScalar(v)
		case int64:
			body = matScalar(float64(v))
		case string:
			body = matString(v)
		default:
			return fmt.Errorf("persist: mat: unsupported metadata type %T for %q", v, k)
		}
		if err := writeMatrix(f, matName(k), body); err != nil {
			return err
		}
	}
	return nil
}

// matVar describes one array body: its class, dimensions, and raw data
// subelement.
type matVar struct {
	class    uint32
	dims     []int32
	dataType uint32
	data     []byte
}

func matUint16Cube(c cube) matVar {
	// row major in, column major out
	perm := make([]byte, 2*c.size())
	s, fr, h, w := c.shots, c.frames, c.height, c.width
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			for j := 0; j < fr; j++ {
				for i := 0; i < s; i++ {
					src := ((i*fr+j)*h+y)*w + x
					dst := i + s*(j+fr*(y+h*x))
					binary.LittleEndian.PutUint16(perm[2*dst:], c.pix[src])
				}
			}
		}
	}
	return matVar{
		class:    mxUint16Clas,
		dims:     []int32{int32(s), int32(fr), int32(h), int32(w)},
		dataType: miUINT16,
		data:     perm,
	}
}

func matScalar(v float64) matVar {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, math.Float64bits(v))
	return matVar{class: mxDoubleClas, dims: []int32{1, 1}, dataType: miDOUBLE, data: data}
}

func matString(s string) matVar {
	units := utf16.Encode([]rune(s))
	data := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(data[2*i:], u)
	}
	return matVar{class: mxCharClass, dims: []int32{1, int32(len(units))}, dataType: miUINT16, data: data}
}

// writeMatrix emits one miMATRIX element with its three bookkeeping
// subelements followed by the data subelement, each padded to 8 bytes.
func writeMatrix(f *os.File, name string, v matVar) error {
	var body bytes.Buffer

	// array flags
	writeTag(&body, miUINT32, 8)
	var flags [8]byte
	binary.LittleEndian.PutUint32(flags[:], v.class)
	body.Write(flags[:])

	// dimensions
	writeTag(&body, miINT32, 4*len(v.dims))
	for _, d := range v.dims {
		binary.Write(&body, binary.LittleEndian, d)
	}
	pad(&body)

	// name
	writeTag(&body, miINT8, len(name))
	body.WriteString(name)
	pad(&body)

	// data
	writeTag(&body, int(v.dataType), len(v.data))
	body.Write(v.data)
	pad(&body)

	var tag [8]byte
	binary.LittleEndian.PutUint32(tag[:4], miMATRIX)
	binary.LittleEndian.PutUint32(tag[4:], uint32(body.Len()))
	if _, err := f.Write(tag[:]); err != nil {
		return err
	}
	_, err := f.Write(body.Bytes())
	return err
}

func writeTag(b *bytes.Buffer, typ, nbytes int) {
	var tag [8]byte
	binary.LittleEndian.PutUint32(tag[:4], uint32(typ))
	binary.LittleEndian.PutUint32(tag[4:], uint32(nbytes))
	b.Write(tag[:])
}

func pad(b *bytes.Buffer) {
	for b.Len()%8 != 0 {
		b.WriteByte(0)
	}
}

// matName maps a parameter key to a legal MATLAB identifier
func matName(k string) string {
	out := make([]byte, 0, len(k))
	for i := 0; i < len(k); i++ {
		ch := k[i]
		if ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' ||
			ch >= '0' && ch <= '9' || ch == '_' {
			out = append(out, ch)
		} else {
			out = append(out, '_')
		}
	}
	first := byte(0)
	if len(out) > 0 {
		first = out[0]
	}
	if !(first >= 'a' && first <= 'z' || first >= 'A' && first <= 'Z') {
		out = append([]byte("p_"), out...)
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return string(out)
}

// decodeMAT reads back a file written by encodeMAT.  It understands exactly
// the uncompressed subset the encoder emits.
func decodeMAT(path string) (cube, map[string]interface{}, error) {
	var c cube
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, nil, err
	}
	if len(raw) < 128 {
		return c, nil, fmt.Errorf("persist: mat: %s: truncated header", path)
	}
	if raw[126] != 'I' || raw[127] != 'M' {
		return c, nil, fmt.Errorf("persist: mat: %s: not little endian", path)
	}
	meta := make(map[string]interface{})
	rest := raw[128:]
	for len(rest) >= 8 {
		typ := binary.LittleEndian.Uint32(rest[:4])
		n := int(binary.LittleEndian.Uint32(rest[4:8]))
		if typ != miMATRIX || 8+n > len(rest) {
			return c, nil, fmt.Errorf("persist: mat: %s: unexpected element type %d", path, typ)
		}
		if err := readMatrix(rest[8:8+n], &c, meta); err != nil {
			return c, nil, fmt.Errorf("persist: mat: %s: %w", path, err)
		}
		rest = rest[8+pad8(n):]
	}
	return c, meta, nil
}

func readMatrix(b []byte, c *cube, meta map[string]interface{}) error {
	flags, b, err := subelement(b, miUINT32)
	if err != nil {
		return err
	}
	class := binary.LittleEndian.Uint32(flags) & 0xFF
	dimRaw, b, err := subelement(b, miINT32)
	if err != nil {
		return err
	}
	dims := make([]int, len(dimRaw)/4)
	for i := range dims {
		dims[i] = int(int32(binary.LittleEndian.Uint32(dimRaw[4*i:])))
	}
	nameRaw, b, err := subelement(b, miINT8)
	if err != nil {
		return err
	}
	name := string(nameRaw)
	switch class {
	case mxUint16Clas:
		data, _, err := subelement(b, miUINT16)
		if err != nil {
			return err
		}
		if name != "images" || len(dims) != 4 {
			return fmt.Errorf("unexpected uint16 array %q", name)
		}
		c.shots, c.frames, c.height, c.width = dims[0], dims[1], dims[2], dims[3]
		c.pix = make([]uint16, c.size())
		s, fr, h, w := c.shots, c.frames, c.height, c.width
		for idx := 0; idx < len(c.pix); idx++ {
			i := idx % s
			j := idx / s % fr
			y := idx / (s * fr) % h
			x := idx / (s * fr * h)
			c.pix[((i*fr+j)*h+y)*w+x] = binary.LittleEndian.Uint16(data[2*idx:])
		}
	case mxDoubleClas:
		data, _, err := subelement(b, miDOUBLE)
		if err != nil {
			return err
		}
		meta[name] = math.Float64frombits(binary.LittleEndian.Uint64(data))
	case mxCharClass:
		data, _, err := subelement(b, miUINT16)
		if err != nil {
			return err
		}
		units := make([]uint16, len(data)/2)
		for i := range units {
			units[i] = binary.LittleEndian.Uint16(data[2*i:])
		}
		meta[name] = string(utf16.Decode(units))
	default:
		return fmt.Errorf("unexpected array class %d", class)
	}
	return nil
}

// subelement pops one full-tag subelement, checking its type
func subelement(b []byte, want uint32) (data, rest []byte, err error) {
	if len(b) < 8 {
		return nil, nil, fmt.Errorf("truncated subelement")
	}
	typ := binary.LittleEndian.Uint32(b[:4])
	n := int(binary.LittleEndian.Uint32(b[4:8]))
	if typ != want {
		return nil, nil, fmt.Errorf("subelement type %d, want %d", typ, want)
	}
	if 8+n > len(b) {
		return nil, nil, fmt.Errorf("subelement overruns element")
	}
	end := 8 + pad8(n)
	if end > len(b) {
		end = len(b)
	}
	return b[8 : 8+n], b[end:], nil
}

func pad8(n int) int {
	if r := n % 8; r != 0 {
		return n + 8 - r
	}
	return n
}
