package dataset

import (
	"image"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Augmenter applies random, label-consistent spatial transforms. Every
// transform is drawn once per sample and applied to both the input and the
// label, so pixel (x, y) of the input keeps its class.
type Augmenter struct {
	rng *rand.Rand

	// FlipProb is the probability of each of the horizontal and vertical flips.
	FlipProb float64
	// RotateProb is the probability of a quarter turn (square images only).
	RotateProb float64
	// CropProb is the probability of a random crop scaled back to size.
	CropProb float64
	// MinCropScale is the smallest crop side relative to the image side.
	MinCropScale float64
}

// NewAugmenter creates an Augmenter with default probabilities.
func NewAugmenter(rng *rand.Rand) *Augmenter {
	return &Augmenter{
		rng:          rng,
		FlipProb:     0.5,
		RotateProb:   0.25,
		CropProb:     0.5,
		MinCropScale: 0.75,
	}
}

// Apply returns a transformed copy of s. The original images are untouched.
func (a *Augmenter) Apply(s Sample) Sample {
	in := image.Image(s.Input)
	lbl := image.Image(s.Label)
	b := s.Input.Bounds()
	w, h := b.Dx(), b.Dy()

	if a.rng.Float64() < a.FlipProb {
		in, lbl = imaging.FlipH(in), imaging.FlipH(lbl)
	}
	if a.rng.Float64() < a.FlipProb {
		in, lbl = imaging.FlipV(in), imaging.FlipV(lbl)
	}
	if w == h && a.rng.Float64() < a.RotateProb {
		in, lbl = imaging.Rotate90(in), imaging.Rotate90(lbl)
	}
	if a.rng.Float64() < a.CropProb && a.MinCropScale < 1 {
		scale := a.MinCropScale + a.rng.Float64()*(1-a.MinCropScale)
		cw, ch := int(float64(w)*scale), int(float64(h)*scale)
		if cw > 0 && ch > 0 && (cw < w || ch < h) {
			x0 := a.rng.Intn(w - cw + 1)
			y0 := a.rng.Intn(h - ch + 1)
			rect := image.Rect(x0, y0, x0+cw, y0+ch)
			in = imaging.Resize(imaging.Crop(in, rect), w, h, imaging.Lanczos)
			lbl = imaging.Resize(imaging.Crop(lbl, rect), w, h, imaging.NearestNeighbor)
		}
	}

	return Sample{
		Name:  s.Name,
		Input: toNRGBA(in),
		Label: toGray(lbl),
	}
}

// toGray converts a transformed label back into a class-index image.
func toGray(img image.Image) *image.Gray {
	switch v := img.(type) {
	case *image.Gray:
		return v
	case *image.NRGBA:
		return grayFromNRGBA(v)
	default:
		return grayFromNRGBA(toNRGBA(img))
	}
}
