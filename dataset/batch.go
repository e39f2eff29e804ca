package dataset

import (
	"image"

	"github.com/pkg/errors"
)

// Channels is the number of input channels (RGB).
const Channels = 3

// Batch is a group of samples packed for the network.
type Batch struct {
	N        int
	Height   int
	Width    int
	Channels int
	Classes  int

	// Inputs is laid out [N, Channels, Height, Width], values in [0, 1].
	Inputs []float32
	// Labels holds one class index per pixel, laid out [N, Height, Width].
	Labels []int
	// Indices are the positions of the samples in their DataSet.
	Indices []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.N
}

// Units returns the number of labelled pixels per sample.
func (b *Batch) Units() int {
	return b.Height * b.Width
}

// Teacher returns the one-hot encoding of Labels laid out
// [N, Classes, Height, Width].
func (b *Batch) Teacher() []float32 {
	units := b.Units()
	out := make([]float32, b.N*b.Classes*units)
	for i := 0; i < b.N; i++ {
		for u := 0; u < units; u++ {
			c := b.Labels[i*units+u]
			out[(i*b.Classes+c)*units+u] = 1
		}
	}

	return out
}

// Sub returns a batch holding only the i-th sample.
func (b *Batch) Sub(i int) *Batch {
	return b.Slice(i, i+1)
}

// Slice returns the samples [start, end) as a batch sharing b's storage.
func (b *Batch) Slice(start, end int) *Batch {
	units := b.Units()
	plane := b.Channels * units
	sub := &Batch{
		N:        end - start,
		Height:   b.Height,
		Width:    b.Width,
		Channels: b.Channels,
		Classes:  b.Classes,
		Inputs:   b.Inputs[start*plane : end*plane],
		Labels:   b.Labels[start*units : end*units],
	}
	if len(b.Indices) >= end {
		sub.Indices = b.Indices[start:end]
	}

	return sub
}

// newBatch packs samples. All samples must share one size.
func newBatch(samples []Sample, indices []int, classes int) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("cannot build an empty batch")
	}
	bounds := samples[0].Input.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	units := w * h

	b := &Batch{
		N:        len(samples),
		Height:   h,
		Width:    w,
		Channels: Channels,
		Classes:  classes,
		Inputs:   make([]float32, len(samples)*Channels*units),
		Labels:   make([]int, len(samples)*units),
		Indices:  indices,
	}

	for i, s := range samples {
		if err := s.check(w, h); err != nil {
			return nil, errors.WithMessagef(err, "sample %d", i)
		}
		packInput(b.Inputs[i*Channels*units:(i+1)*Channels*units], s.Input)
		for y := 0; y < h; y++ {
			row := s.Label.Pix[y*s.Label.Stride : y*s.Label.Stride+w]
			for x, c := range row {
				if int(c) >= classes {
					return nil, errors.Errorf("sample %d has class %d at (%d,%d), expected < %d", i, c, x, y, classes)
				}
				b.Labels[i*units+y*w+x] = int(c)
			}
		}
	}

	return b, nil
}

// packInput writes an NRGBA image into a CHW plane scaled to [0, 1].
func packInput(dst []float32, img *image.NRGBA) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	units := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := y*img.Stride + x*4
			for c := 0; c < Channels; c++ {
				dst[c*units+y*w+x] = float32(img.Pix[off+c]) / 255.0
			}
		}
	}
}
