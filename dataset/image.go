package dataset

import (
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// imageExts lists the file extensions ReadImage understands.
var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

// ReadImage reads image from file. PNG, JPEG and TIFF are supported.
func ReadImage(filename string) (image.Image, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", filename)
	}
	defer f.Close()

	var img image.Image
	switch ext {
	case ".png":
		img, err = png.Decode(f)
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(f)
	case ".tiff", ".tif":
		img, err = tiff.Decode(f)
	default:
		return nil, errors.Errorf("unsupported image format %q for %q", ext, filename)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %q", filename)
	}

	return img, nil
}

// resizeInput scales an input image to w x h with Lanczos3 and converts it
// to NRGBA.
func resizeInput(img image.Image, w, h int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() != w || b.Dy() != h {
		img = resize.Resize(uint(w), uint(h), img, resize.Lanczos3)
	}

	return imaging.Clone(img)
}

// resizeLabel scales a class-index image with nearest neighbour sampling
// so no new class values are invented.
func resizeLabel(lbl *image.Gray, w, h int) *image.Gray {
	b := lbl.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return lbl
	}

	return grayFromNRGBA(imaging.Resize(lbl, w, h, imaging.NearestNeighbor))
}

// grayFromNRGBA recovers a class-index image from the red channel of an
// NRGBA produced by imaging transforms of a Gray label.
func grayFromNRGBA(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		dst := out.Pix[y*out.Stride : y*out.Stride+b.Dx()]
		for x := range dst {
			dst[x] = src[x*4]
		}
	}

	return out
}

// toNRGBA converts any image to a zero-origin NRGBA.
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)

	return out
}

// ClassImage renders a class-index map of w x h as an RGBA image using
// palette colors. Classes without a palette entry are drawn black.
func ClassImage(classes []int, w, h int, palette color.Palette) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, c := range classes {
		if i >= w*h {
			break
		}
		col := color.NRGBA{A: 255}
		if c >= 0 && c < len(palette) {
			col = color.NRGBAModel.Convert(palette[c]).(color.NRGBA)
			col.A = 255
		}
		out.SetNRGBA(i%w, i/w, col)
	}

	return out
}
