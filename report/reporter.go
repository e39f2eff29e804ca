package report

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/sugarme/unetseg/dataset"
	"github.com/sugarme/unetseg/metric"
)

// Triple is one sample for visualization: the input image, the network
// scores laid out [Classes, H, W] and the ground-truth class map.
type Triple struct {
	Input   *image.NRGBA
	Scores  []float32
	Truth   []int
	Classes int
}

// Reporter owns a result directory: figures, sample images and the run
// information all land there.
type Reporter struct {
	dir      string
	imageDir string
	figures  []*Figure
}

// New creates <root>/<timestamp>/ and its image/ subdirectory.
func New(root string) (*Reporter, error) {
	return NewAt(root, time.Now())
}

// NewAt is New with an explicit timestamp.
func NewAt(root string, t time.Time) (*Reporter, error) {
	dir := filepath.Join(root, t.Format("20060102_150405"))
	imageDir := filepath.Join(dir, "image")
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create result directory %q", dir)
	}
	klog.V(1).Infof("reporting to %s", dir)

	return &Reporter{dir: dir, imageDir: imageDir}, nil
}

// Dir returns the result directory.
func (r *Reporter) Dir() string {
	return r.dir
}

// WriteInfo writes the run parameters, one "key: value" per line sorted by
// key, to info.txt.
func (r *Reporter) WriteInfo(params map[string]string) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, params[k])
	}
	path := filepath.Join(r.dir, "info.txt")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}

	return nil
}

// CreateFigure registers a new figure saved under the result directory.
func (r *Reporter) CreateFigure(title string, axis [2]string, legend []string) (*Figure, error) {
	f, err := newFigure(r.dir, title, axis, legend)
	if err != nil {
		return nil, err
	}
	r.figures = append(r.figures, f)

	return f, nil
}

// Figures returns the figures created so far.
func (r *Reporter) Figures() []*Figure {
	return r.figures
}

// SaveSamples writes image/epoch_<epoch>.png: the train triple on the top
// row, the test triple below. Each row shows input, prediction, ground truth
// and the prediction blended over the input. Pixels of class voidIndex are
// drawn as class 0.
func (r *Reporter) SaveSamples(train, test Triple, palette color.Palette, epoch, voidIndex int) error {
	top, err := sampleRow(train, palette, voidIndex)
	if err != nil {
		return errors.WithMessage(err, "train sample")
	}
	bottom, err := sampleRow(test, palette, voidIndex)
	if err != nil {
		return errors.WithMessage(err, "test sample")
	}

	w := top.Bounds().Dx()
	if bw := bottom.Bounds().Dx(); bw > w {
		w = bw
	}
	sheet := imaging.New(w, top.Bounds().Dy()+bottom.Bounds().Dy(), color.NRGBA{A: 255})
	sheet = imaging.Paste(sheet, top, image.Pt(0, 0))
	sheet = imaging.Paste(sheet, bottom, image.Pt(0, top.Bounds().Dy()))

	path := filepath.Join(r.imageDir, fmt.Sprintf("epoch_%d.png", epoch))
	if err := imaging.Save(sheet, path); err != nil {
		return errors.Wrapf(err, "failed to save sample sheet %q", path)
	}
	klog.V(1).Infof("saved sample sheet %s", path)

	return nil
}

func sampleRow(t Triple, palette color.Palette, voidIndex int) (*image.NRGBA, error) {
	if t.Input == nil {
		return nil, errors.New("missing input image")
	}
	b := t.Input.Bounds()
	w, h := b.Dx(), b.Dy()
	if len(t.Truth) != w*h {
		return nil, errors.Errorf("ground truth has %d pixels, expected %d", len(t.Truth), w*h)
	}
	pred, err := metric.Argmax(t.Scores, t.Classes, w*h)
	if err != nil {
		return nil, err
	}
	if len(pred) != w*h {
		return nil, errors.Errorf("prediction has %d pixels, expected %d", len(pred), w*h)
	}

	predImg := dataset.ClassImage(maskVoid(pred, voidIndex), w, h, palette)
	truthImg := dataset.ClassImage(maskVoid(t.Truth, voidIndex), w, h, palette)

	row := imaging.New(4*w, h, color.NRGBA{A: 255})
	row = imaging.Paste(row, t.Input, image.Pt(0, 0))
	row = imaging.Paste(row, predImg, image.Pt(w, 0))
	row = imaging.Paste(row, truthImg, image.Pt(2*w, 0))
	row = imaging.Paste(row, Overlay(t.Input, predImg, 128), image.Pt(3*w, 0))

	return row, nil
}

// maskVoid maps the void class to class 0.
func maskVoid(classes []int, voidIndex int) []int {
	out := make([]int, len(classes))
	for i, c := range classes {
		if c == voidIndex {
			c = 0
		}
		out[i] = c
	}

	return out
}
