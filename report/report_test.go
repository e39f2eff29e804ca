package report_test

import (
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/unetseg/dataset"
	"github.com/sugarme/unetseg/report"
)

func newReporter(t *testing.T) *report.Reporter {
	r, err := report.NewAt(t.TempDir(), time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "20240501_100000", filepath.Base(r.Dir()))
	return r
}

func TestFigure(t *testing.T) {
	r := newReporter(t)
	fig, err := r.CreateFigure("Loss", [2]string{"epoch", "loss"}, []string{"train", "test"})
	require.NoError(t, err)

	require.NoError(t, fig.Add([]float64{0.9, 1.1}, false))
	require.NoError(t, fig.Add([]float64{0.5, math.NaN()}, true))
	assert.Equal(t, 2, fig.Len())
	assert.Equal(t, []float64{0.9, 0.5}, fig.Series(0))

	assert.FileExists(t, filepath.Join(r.Dir(), "loss.png"))
	data, err := os.ReadFile(filepath.Join(r.Dir(), "loss.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "index,train,test", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,0.9"))
	assert.Contains(t, lines[2], "NaN")

	assert.Error(t, fig.Add([]float64{1}, false))
	_, err = r.CreateFigure("Empty", [2]string{"x", "y"}, nil)
	assert.Error(t, err)
	assert.Len(t, r.Figures(), 1)
}

func TestWriteInfo(t *testing.T) {
	r := newReporter(t)
	require.NoError(t, r.WriteInfo(map[string]string{"epoch": "3", "batchsize": "2"}))
	data, err := os.ReadFile(filepath.Join(r.Dir(), "info.txt"))
	require.NoError(t, err)
	assert.Equal(t, "batchsize: 2\nepoch: 3\n", string(data))
}

func triple(w, h int) report.Triple {
	in := imaging.New(w, h, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	scores := make([]float32, 2*w*h)
	truth := make([]int, w*h)
	for u := 0; u < w*h; u++ {
		scores[w*h+u] = 1 // class 1 everywhere
		truth[u] = u % 2
	}
	return report.Triple{Input: in, Scores: scores, Truth: truth, Classes: 2}
}

func TestSaveSamples(t *testing.T) {
	r := newReporter(t)
	palette := dataset.DefaultPalette(2)

	require.NoError(t, r.SaveSamples(triple(4, 3), triple(4, 3), palette, 3, 0))

	img, err := imaging.Open(filepath.Join(r.Dir(), "image", "epoch_3.png"))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(16, 6), img.Bounds().Size())

	// Second column is the prediction: class 1 everywhere.
	want := color.NRGBAModel.Convert(palette[1]).(color.NRGBA)
	got := color.NRGBAModel.Convert(img.At(5, 1)).(color.NRGBA)
	assert.Equal(t, want, got)

	bad := triple(4, 3)
	bad.Truth = bad.Truth[:5]
	assert.Error(t, r.SaveSamples(bad, triple(4, 3), palette, 4, 0))
}

func TestSaveSamplesVoid(t *testing.T) {
	r := newReporter(t)
	palette := dataset.DefaultPalette(2)

	// Class 1 is void: the prediction column is drawn as class 0.
	require.NoError(t, r.SaveSamples(triple(2, 2), triple(2, 2), palette, 0, 1))
	img, err := imaging.Open(filepath.Join(r.Dir(), "image", "epoch_0.png"))
	require.NoError(t, err)
	want := color.NRGBAModel.Convert(palette[0]).(color.NRGBA)
	got := color.NRGBAModel.Convert(img.At(2, 0)).(color.NRGBA)
	assert.Equal(t, want, got)
}

func TestOverlay(t *testing.T) {
	base := imaging.New(2, 2, color.NRGBA{R: 200, A: 255})
	mask := imaging.New(2, 2, color.NRGBA{B: 200, A: 255})

	full := report.Overlay(base, mask, 255)
	assert.Equal(t, color.NRGBA{B: 200, A: 255}, full.NRGBAAt(0, 0))

	none := report.Overlay(base, mask, 0)
	assert.Equal(t, color.NRGBA{R: 200, A: 255}, none.NRGBAAt(1, 1))

	half := report.Overlay(base, mask, 128)
	px := half.NRGBAAt(0, 0)
	assert.InDelta(t, 100, int(px.R), 2)
	assert.InDelta(t, 100, int(px.B), 2)
}
