package report

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Overlay blends mask over img with the given opacity (0-255).
func Overlay(img, mask image.Image, opacity uint8) *image.NRGBA {
	b := img.Bounds()
	rec := image.Rect(0, 0, b.Dx(), b.Dy())
	dst := image.NewNRGBA(rec)
	draw.Draw(dst, rec, img, b.Min, draw.Src)

	alpha := image.NewUniform(color.Alpha{A: opacity})
	draw.DrawMask(dst, rec, mask, mask.Bounds().Min, alpha, image.Point{}, draw.Over)

	return dst
}
