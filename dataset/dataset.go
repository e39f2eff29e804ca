package dataset

import (
	"image"
	"image/color"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/sugarme/unetseg/dutil"
)

// Sample is an input image paired with its class-index label image.
type Sample struct {
	Name  string
	Input *image.NRGBA
	Label *image.Gray
}

func (s Sample) check(w, h int) error {
	if s.Input == nil || s.Label == nil {
		return errors.Errorf("sample %q is missing its input or label image", s.Name)
	}
	ib, lb := s.Input.Bounds(), s.Label.Bounds()
	if ib.Dx() != w || ib.Dy() != h {
		return errors.Errorf("sample %q input is %dx%d, expected %dx%d", s.Name, ib.Dx(), ib.Dy(), w, h)
	}
	if lb.Dx() != w || lb.Dy() != h {
		return errors.Errorf("sample %q label is %dx%d, expected %dx%d", s.Name, lb.Dx(), lb.Dy(), w, h)
	}
	if ib.Min != (image.Point{}) || lb.Min != (image.Point{}) {
		return errors.Errorf("sample %q images must have a zero origin", s.Name)
	}

	return nil
}

// DataSet is one split of paired samples. It implements dutil.Dataset.
type DataSet struct {
	samples []Sample
	classes int
	rng     *rand.Rand

	// Palette maps class index to display color. It is only used for
	// visualization.
	Palette color.Palette
}

var _ dutil.Dataset[Sample] = (*DataSet)(nil)

// New creates a DataSet after checking that every sample has an input and
// a label of one common size.
func New(samples []Sample, palette color.Palette, classes int) (*DataSet, error) {
	if len(samples) == 0 {
		return nil, errors.New("empty dataset split")
	}
	if classes < 1 || classes > MaxClasses {
		return nil, errors.Errorf("invalid number of classes %d", classes)
	}
	if samples[0].Input == nil {
		return nil, errors.Errorf("sample %q has no input image", samples[0].Name)
	}
	b := samples[0].Input.Bounds()
	for _, s := range samples {
		if err := s.check(b.Dx(), b.Dy()); err != nil {
			return nil, err
		}
	}

	return &DataSet{
		samples: samples,
		classes: classes,
		rng:     rand.New(rand.NewSource(rand.Int63())),
		Palette: palette,
	}, nil
}

// Validate re-checks the split: one common size and every label below the
// class count.
func (ds *DataSet) Validate() error {
	if len(ds.samples) == 0 {
		return errors.New("empty dataset split")
	}
	h, w := ds.Shape()
	for _, s := range ds.samples {
		if err := s.check(w, h); err != nil {
			return err
		}
		for _, c := range s.Label.Pix {
			if int(c) >= ds.classes {
				return errors.Errorf("sample %q has class %d, expected < %d", s.Name, c, ds.classes)
			}
		}
	}

	return nil
}

// WithRand sets the random source used for shuffling and augmentation.
func (ds *DataSet) WithRand(rng *rand.Rand) *DataSet {
	ds.rng = rng
	return ds
}

// Len implements dutil.Dataset.
func (ds *DataSet) Len() int {
	return len(ds.samples)
}

// Item implements dutil.Dataset.
func (ds *DataSet) Item(idx int) (Sample, error) {
	if idx < 0 || idx >= len(ds.samples) {
		return Sample{}, errors.Errorf("index %d out of range [0, %d)", idx, len(ds.samples))
	}
	return ds.samples[idx], nil
}

// Classes returns the number of segmentation classes.
func (ds *DataSet) Classes() int {
	return ds.classes
}

// Shape returns the common image height and width.
func (ds *DataSet) Shape() (height, width int) {
	b := ds.samples[0].Input.Bounds()
	return b.Dy(), b.Dx()
}

// Perm returns the sub-split [start, end), clamped to the split size. The
// samples are shared, not copied.
func (ds *DataSet) Perm(start, end int) (*DataSet, error) {
	if start < 0 || start >= len(ds.samples) {
		return nil, errors.Errorf("perm start %d out of range [0, %d)", start, len(ds.samples))
	}
	if end > len(ds.samples) {
		end = len(ds.samples)
	}
	if end <= start {
		return nil, errors.Errorf("empty perm [%d, %d)", start, end)
	}

	return &DataSet{
		samples: ds.samples[start:end],
		classes: ds.classes,
		rng:     ds.rng,
		Palette: ds.Palette,
	}, nil
}

// All packs every sample, in order, into one batch.
func (ds *DataSet) All() (*Batch, error) {
	idx := make([]int, len(ds.samples))
	for i := range idx {
		idx[i] = i
	}
	return newBatch(ds.samples, idx, ds.classes)
}

// Batch packs the samples at the given indices.
func (ds *DataSet) Batch(indices ...int) (*Batch, error) {
	samples := make([]Sample, 0, len(indices))
	for _, i := range indices {
		s, err := ds.Item(i)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return newBatch(samples, indices, ds.classes)
}

// Batches starts one epoch: the split is shuffled and partitioned into
// batches of batchSize, the last one possibly smaller. With augment set each
// sample goes through a random transform applied identically to its input
// and label.
func (ds *DataSet) Batches(batchSize int, augment bool) (*Batches, error) {
	s, err := dutil.NewBatchSampler(ds.Len(), batchSize, false, true)
	if err != nil {
		return nil, err
	}
	s.WithRand(ds.rng)
	dl, err := dutil.NewDataLoader[Sample](ds, s)
	if err != nil {
		return nil, err
	}

	it := &Batches{loader: dl, classes: ds.classes}
	if augment {
		it.augmenter = NewAugmenter(ds.rng)
	}

	return it, nil
}

// Batches iterates over the batches of one epoch.
type Batches struct {
	loader    *dutil.DataLoader[Sample]
	augmenter *Augmenter
	classes   int
}

// Len returns the number of batches in the epoch.
func (it *Batches) Len() int {
	return it.loader.Len()
}

// HasNext reports whether batches remain.
func (it *Batches) HasNext() bool {
	return it.loader.HasNext()
}

// Next returns the next batch.
func (it *Batches) Next() (*Batch, error) {
	samples, err := it.loader.Next()
	if err != nil {
		return nil, err
	}
	if it.augmenter != nil {
		for i := range samples {
			samples[i] = it.augmenter.Apply(samples[i])
		}
	}
	indices := append([]int(nil), it.loader.Indices()...)

	return newBatch(samples, indices, it.classes)
}
