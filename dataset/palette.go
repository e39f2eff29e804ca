package dataset

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// MaxClasses is the largest number of classes a label image can encode.
const MaxClasses = 256

// DefaultPalette returns the PASCAL VOC color map for n classes.
func DefaultPalette(n int) color.Palette {
	p := make(color.Palette, n)
	for i := 0; i < n; i++ {
		var r, g, b uint8
		c := i
		for j := 0; j < 8; j++ {
			r |= uint8((c>>0)&1) << (7 - j)
			g |= uint8((c>>1)&1) << (7 - j)
			b |= uint8((c>>2)&1) << (7 - j)
			c >>= 3
		}
		p[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}

	return p
}

// paletteIndexer maps label colors to class indices. Paletted and 8-bit gray
// images keep their own indices. Other images are matched against the palette by exact
// RGB value, appending unseen colors as new classes.
type paletteIndexer struct {
	palette color.Palette
	lookup  map[[3]uint8]int
}

func newPaletteIndexer(seed color.Palette) *paletteIndexer {
	pi := &paletteIndexer{lookup: make(map[[3]uint8]int)}
	for _, c := range seed {
		pi.add(c)
	}

	return pi
}

func rgbKey(c color.Color) [3]uint8 {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return [3]uint8{n.R, n.G, n.B}
}

func (pi *paletteIndexer) add(c color.Color) (int, error) {
	key := rgbKey(c)
	if idx, ok := pi.lookup[key]; ok {
		return idx, nil
	}
	if len(pi.palette) >= MaxClasses {
		return 0, errors.Errorf("label images use more than %d distinct colors", MaxClasses)
	}
	idx := len(pi.palette)
	pi.palette = append(pi.palette, color.RGBA{R: key[0], G: key[1], B: key[2], A: 255})
	pi.lookup[key] = idx

	return idx, nil
}

// grow extends the palette with default colors up to n entries.
func (pi *paletteIndexer) grow(n int) {
	if len(pi.palette) >= n {
		return
	}
	for _, c := range DefaultPalette(n)[len(pi.palette):] {
		pi.palette = append(pi.palette, c)
		if _, seen := pi.lookup[rgbKey(c)]; !seen {
			pi.lookup[rgbKey(c)] = len(pi.palette) - 1
		}
	}
}

// index converts a segmented image into a class-index image.
func (pi *paletteIndexer) index(img image.Image) (*image.Gray, error) {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	if p, ok := img.(*image.Paletted); ok {
		if len(pi.palette) < len(p.Palette) {
			for _, c := range p.Palette[len(pi.palette):] {
				// Keep indices aligned with the file palette even when
				// two entries share a color.
				pi.palette = append(pi.palette, c)
				if _, seen := pi.lookup[rgbKey(c)]; !seen {
					pi.lookup[rgbKey(c)] = len(pi.palette) - 1
				}
			}
		}
		for y := 0; y < b.Dy(); y++ {
			copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], p.Pix[y*p.Stride:y*p.Stride+b.Dx()])
		}
		return out, nil
	}

	if g, ok := img.(*image.Gray); ok {
		maxIdx := 0
		for y := 0; y < b.Dy(); y++ {
			row := g.Pix[y*g.Stride : y*g.Stride+b.Dx()]
			copy(out.Pix[y*out.Stride:], row)
			for _, v := range row {
				if int(v) > maxIdx {
					maxIdx = int(v)
				}
			}
		}
		pi.grow(maxIdx + 1)
		return out, nil
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			idx, err := pi.add(img.At(b.Min.X+x, b.Min.Y+y))
			if err != nil {
				return nil, err
			}
			out.Pix[y*out.Stride+x] = uint8(idx)
		}
	}

	return out, nil
}
