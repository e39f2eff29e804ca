package dataset

import (
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Loader reads paired original/segmented images from two directories.
// Files are paired by base name without extension, so "a.jpg" in the
// original directory pairs with "a.png" in the segmented one.
type Loader struct {
	OriginalDir  string
	SegmentedDir string

	// Width and Height every image is resized to.
	Width  int
	Height int

	// Classes fixes the number of classes. Zero infers it from the labels.
	Classes int
	// Palette seeds the class colors. Paletted label files bring their own.
	Palette color.Palette

	rng *rand.Rand
}

// Option configures a Loader.
type Option func(*Loader)

// WithSize sets the image size samples are resized to.
func WithSize(width, height int) Option {
	return func(l *Loader) {
		l.Width, l.Height = width, height
	}
}

// WithClasses fixes the number of classes.
func WithClasses(n int) Option {
	return func(l *Loader) {
		l.Classes = n
	}
}

// WithPalette seeds the class colors.
func WithPalette(p color.Palette) Option {
	return func(l *Loader) {
		l.Palette = p
	}
}

// WithSeed makes shuffling and augmentation reproducible.
func WithSeed(seed int64) Option {
	return func(l *Loader) {
		l.rng = rand.New(rand.NewSource(seed))
	}
}

// NewLoader creates a Loader. Images default to 128x128.
func NewLoader(originalDir, segmentedDir string, opts ...Option) *Loader {
	l := &Loader{
		OriginalDir:  originalDir,
		SegmentedDir: segmentedDir,
		Width:        128,
		Height:       128,
		rng:          rand.New(rand.NewSource(rand.Int63())),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// listImages maps base name (without extension) to file path.
func listImages(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q", dir)
	}
	files := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !imageExts[ext] {
			continue
		}
		files[strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))] = filepath.Join(dir, e.Name())
	}

	return files, nil
}

// Load reads every pair, splits the samples by trainRate (shuffled first
// when shuffle is set) and returns the train and test splits.
func (l *Loader) Load(trainRate float64, shuffle bool) (train, test *DataSet, err error) {
	if trainRate <= 0 || trainRate >= 1 {
		return nil, nil, errors.Errorf("train rate must be in (0, 1), got %g", trainRate)
	}
	if l.Width <= 0 || l.Height <= 0 {
		return nil, nil, errors.Errorf("invalid image size %dx%d", l.Width, l.Height)
	}

	originals, err := listImages(l.OriginalDir)
	if err != nil {
		return nil, nil, err
	}
	segmented, err := listImages(l.SegmentedDir)
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(originals))
	for name := range originals {
		if _, ok := segmented[name]; !ok {
			return nil, nil, errors.Errorf("no segmented image for %q in %q", name, l.SegmentedDir)
		}
		names = append(names, name)
	}
	if len(names) < 2 {
		return nil, nil, errors.Errorf("need at least 2 image pairs, found %d in %q", len(names), l.OriginalDir)
	}
	sort.Strings(names)

	indexer := newPaletteIndexer(l.Palette)
	samples := make([]Sample, 0, len(names))
	maxClass := 0
	for _, name := range names {
		s, err := l.readPair(name, originals[name], segmented[name], indexer)
		if err != nil {
			return nil, nil, err
		}
		for _, c := range s.Label.Pix {
			if int(c) > maxClass {
				maxClass = int(c)
			}
		}
		samples = append(samples, s)
	}

	classes := l.Classes
	if classes == 0 {
		classes = maxClass + 1
		if classes < 2 {
			classes = 2
		}
	}
	if maxClass >= classes {
		return nil, nil, errors.Errorf("labels use class %d but only %d classes are configured", maxClass, classes)
	}

	palette := indexer.palette
	if len(palette) < classes {
		palette = append(palette, DefaultPalette(classes)[len(palette):]...)
	}

	if shuffle {
		l.rng.Shuffle(len(samples), func(i, j int) {
			samples[i], samples[j] = samples[j], samples[i]
		})
	}

	nTrain := int(float64(len(samples)) * trainRate)
	if nTrain == 0 || nTrain == len(samples) {
		return nil, nil, errors.Errorf("train rate %g leaves an empty split for %d samples", trainRate, len(samples))
	}

	if train, err = New(samples[:nTrain], palette, classes); err != nil {
		return nil, nil, errors.WithMessage(err, "train split")
	}
	if test, err = New(samples[nTrain:], palette, classes); err != nil {
		return nil, nil, errors.WithMessage(err, "test split")
	}
	train.WithRand(l.rng)
	test.WithRand(l.rng)

	if klog.V(1).Enabled() {
		bytes := uint64(len(samples) * l.Width * l.Height * (4 + 1))
		klog.Infof("loaded %d pairs (%s in memory), %d classes, %dx%d: train=%d test=%d",
			len(samples), humanize.Bytes(bytes), classes, l.Width, l.Height, train.Len(), test.Len())
	}

	return train, test, nil
}

func (l *Loader) readPair(name, originalPath, segmentedPath string, indexer *paletteIndexer) (Sample, error) {
	orig, err := ReadImage(originalPath)
	if err != nil {
		return Sample{}, err
	}
	seg, err := ReadImage(segmentedPath)
	if err != nil {
		return Sample{}, err
	}
	lbl, err := indexer.index(seg)
	if err != nil {
		return Sample{}, errors.WithMessagef(err, "indexing %q", segmentedPath)
	}

	return Sample{
		Name:  name,
		Input: resizeInput(orig, l.Width, l.Height),
		Label: resizeLabel(lbl, l.Width, l.Height),
	}, nil
}
