package persist

import (
	"fmt"
	"os"
	"strings"

	"github.com/astrogo/fitsio"
)

// encodeFITS writes the cube as a 16-bit primary image HDU with BZERO 32768,
// the usual convention for unsigned data.  Metadata keys become header
// cards, truncated and uppercased to fit the 8-character card name limit.
func encodeFITS(path string, c cube, meta map[string]interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cards := []fitsio.Card{
		{Name: "BZERO", Value: 32768},
		{Name: "BSCALE", Value: 1.0},
	}
	seen := map[string]bool{"BZERO": true, "BSCALE": true}
	for _, k := range metaKeys(meta) {
		name := cardName(k)
		if seen[name] {
			continue
		}
		seen[name] = true
		cards = append(cards, fitsio.Card{Name: name, Value: meta[k], Comment: k})
	}

	fits, err := fitsio.Create(f)
	if err != nil {
		return err
	}
	defer fits.Close()

	// fits dimensions run fastest-first
	dims := []int{c.width, c.height, c.frames, c.shots}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	ints := make([]int16, c.size())
	for i, v := range c.pix {
		ints[i] = int16(v - 32768)
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}

// decodeFITS reads back a file written by encodeFITS.
func decodeFITS(path string) (cube, map[string]interface{}, error) {
	var c cube
	f, err := os.Open(path)
	if err != nil {
		return c, nil, err
	}
	defer f.Close()
	fits, err := fitsio.Open(f)
	if err != nil {
		return c, nil, err
	}
	defer fits.Close()
	hdu := fits.HDU(0)
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return c, nil, fmt.Errorf("persist: %s: primary HDU is not an image", path)
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) != 4 {
		return c, nil, fmt.Errorf("persist: %s: expected 4 axes, got %d", path, len(axes))
	}
	c.width, c.height, c.frames, c.shots = axes[0], axes[1], axes[2], axes[3]
	// fitsio's Read sets the slice length in place, so the caller must
	// supply the capacity up front.
	raw := make([]int16, c.size())
	if err := img.Read(&raw); err != nil {
		return c, nil, err
	}
	c.pix = make([]uint16, len(raw))
	for i, v := range raw {
		c.pix[i] = uint16(v) + 32768
	}
	meta := make(map[string]interface{})
	for _, name := range hdr.Keys() {
		card := hdr.Get(name)
		if card == nil {
			continue
		}
		switch card.Name {
		case "SIMPLE", "BITPIX", "NAXIS", "NAXIS1", "NAXIS2", "NAXIS3", "NAXIS4",
			"BZERO", "BSCALE", "EXTEND", "END":
			continue
		}
		key := card.Name
		if card.Comment != "" {
			key = card.Comment
		}
		switch v := card.Value.(type) {
		case float64:
			meta[key] = v
		case int:
			meta[key] = int64(v)
		case int64:
			meta[key] = v
		case string:
			meta[key] = v
		}
	}
	return c, meta, nil
}

// cardName maps a parameter key to a legal FITS card name
func cardName(k string) string {
	clean := make([]byte, 0, 8)
	for i := 0; i < len(k) && len(clean) < 8; i++ {
		ch := k[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			clean = append(clean, ch-'a'+'A')
		case ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			clean = append(clean, ch)
		}
	}
	if len(clean) == 0 {
		return "PARAM"
	}
	return strings.ToUpper(string(clean))
}
