package train_test

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/unetseg/dataset"
	"github.com/sugarme/unetseg/report"
	"github.com/sugarme/unetseg/train"
)

const (
	side    = 4
	classes = 3
)

func sample(i int) dataset.Sample {
	in := imaging.New(side, side, color.NRGBA{R: uint8(10 * i), A: 255})
	lbl := image.NewGray(image.Rect(0, 0, side, side))
	for p := range lbl.Pix {
		lbl.Pix[p] = uint8((p + i) % classes)
	}
	return dataset.Sample{Name: fmt.Sprintf("s%d", i), Input: in, Label: lbl}
}

type memLoader struct {
	samples []dataset.Sample
	calls   int
}

func newLoader(n int) *memLoader {
	l := &memLoader{}
	for i := 0; i < n; i++ {
		l.samples = append(l.samples, sample(i))
	}
	return l
}

func (l *memLoader) Load(rate float64, shuffle bool) (*dataset.DataSet, *dataset.DataSet, error) {
	l.calls++
	n := int(float64(len(l.samples)) * rate)
	tr, err := dataset.New(l.samples[:n], nil, classes)
	if err != nil {
		return nil, nil, err
	}
	te, err := dataset.New(l.samples[n:], nil, classes)
	if err != nil {
		return nil, nil, err
	}
	return tr, te, nil
}

// fakeModel predicts the ground truth, except that wrongPixel (when >= 0)
// of the second sample of every evaluated batch is off by one class.
type fakeModel struct {
	batches    [][]int
	evals      int
	predicts   int
	closed     int
	stepErr    error
	wrongPixel int
	loss       *float64 // overrides the step and evaluation losses
	cfg        train.ModelConfig
}

func (m *fakeModel) Step(b *dataset.Batch) (float64, error) {
	if m.stepErr != nil {
		return 0, m.stepErr
	}
	m.batches = append(m.batches, append([]int(nil), b.Indices...))
	if m.loss != nil {
		return *m.loss, nil
	}
	return 1.0 / float64(len(m.batches)), nil
}

func (m *fakeModel) Evaluate(b *dataset.Batch) (train.Evaluation, error) {
	m.evals++
	pred := append([]int(nil), b.Labels...)
	if m.wrongPixel >= 0 && b.N > 1 {
		u := b.Units() + m.wrongPixel
		pred[u] = (pred[u] + 1) % b.Classes
	}
	loss := 0.5
	if m.loss != nil {
		loss = *m.loss
	}
	return train.Evaluation{Loss: loss, Predictions: pred}, nil
}

func (m *fakeModel) Predict(b *dataset.Batch) ([]float32, error) {
	m.predicts++
	return b.Teacher(), nil
}

func (m *fakeModel) Close() error {
	m.closed++
	return nil
}

func builderFor(m *fakeModel) train.Builder {
	return func(cfg train.ModelConfig) (train.Model, error) {
		m.cfg = cfg
		return m, nil
	}
}

type fakeFigure struct {
	legend []string
	points [][]float64
}

func (f *fakeFigure) Add(values []float64, persist bool) error {
	f.points = append(f.points, values)
	return nil
}

type fakeReporter struct {
	figures map[string]*fakeFigure
	samples []int
}

func newReporter() *fakeReporter {
	return &fakeReporter{figures: map[string]*fakeFigure{}}
}

func (r *fakeReporter) CreateFigure(title string, axis [2]string, legend []string) (train.Figure, error) {
	f := &fakeFigure{legend: legend}
	r.figures[title] = f
	return f, nil
}

func (r *fakeReporter) SaveSamples(tr, te report.Triple, palette color.Palette, epoch, voidIndex int) error {
	if len(tr.Truth) != side*side || len(te.Scores) != classes*side*side {
		return errors.New("malformed triple")
	}
	r.samples = append(r.samples, epoch)
	return nil
}

func config(epochs, batch int, rate float64) train.Config {
	cfg := train.DefaultConfig()
	cfg.Epochs = epochs
	cfg.BatchSize = batch
	cfg.TrainRate = rate
	cfg.Seed = 1
	return cfg
}

func TestToyRun(t *testing.T) {
	loader := newLoader(4)
	model := &fakeModel{wrongPixel: -1}
	rep := newReporter()

	tr, err := train.New(config(1, 2, 0.5), loader, builderFor(model), rep)
	require.NoError(t, err)
	res, err := tr.Run()
	require.NoError(t, err)

	assert.Equal(t, 1, res.Steps)
	assert.Len(t, model.batches, 1)
	assert.Len(t, model.batches[0], 2)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 0, res.Records[0].Epoch)
	assert.Equal(t, 1.0, res.Test.Accuracy)
	assert.Equal(t, 1.0, res.Test.MeanAccuracy)
	assert.Equal(t, 1.0, res.MeanIoU)
	assert.Equal(t, []float64{1, 1, 1}, res.ClassAccuracies)
	assert.Equal(t, []float64{1, 1, 1}, res.Dice)
	assert.Equal(t, 1, model.closed)
	assert.Equal(t, []int{0}, rep.samples)
	assert.Len(t, rep.figures["Accuracy"].points, 1)
	assert.Len(t, rep.figures["Loss"].points, 1)

	assert.Equal(t, train.ModelConfig{
		Classes: classes, Channels: 3, Height: side, Width: side,
		L2Reg: 0.001, LearningRate: 0.001,
	}, model.cfg)
}

func TestRecordsEveryEvalPeriod(t *testing.T) {
	model := &fakeModel{wrongPixel: -1}
	rep := newReporter()
	cfg := config(5, 2, 0.5)
	cfg.EvalEvery = 2

	tr, err := train.New(cfg, newLoader(6), builderFor(model), rep)
	require.NoError(t, err)
	res, err := tr.Run()
	require.NoError(t, err)

	var epochs []int
	for _, r := range res.Records {
		epochs = append(epochs, r.Epoch)
	}
	assert.Equal(t, []int{0, 2, 4}, epochs)
	// Samples only on evaluation epochs divisible by SampleEvery.
	assert.Equal(t, []int{0}, rep.samples)
	assert.Len(t, rep.figures["Loss"].points, 3)
	// Two subsets per record plus the final test evaluation.
	assert.Equal(t, 2*3+1, model.evals)
	assert.Equal(t, 2, model.predicts)
}

func TestBatchesPartitionEveryEpoch(t *testing.T) {
	model := &fakeModel{wrongPixel: -1}
	// 10 samples at rate 0.5: 5 train samples, batches of 2, 2 and 1.
	tr, err := train.New(config(3, 2, 0.5), newLoader(10), builderFor(model), newReporter())
	require.NoError(t, err)
	res, err := tr.Run()
	require.NoError(t, err)

	assert.Equal(t, 9, res.Steps)
	require.Len(t, model.batches, 9)
	for e := 0; e < 3; e++ {
		var seen []int
		for i, b := range model.batches[3*e : 3*e+3] {
			if i < 2 {
				assert.Len(t, b, 2)
			} else {
				assert.Len(t, b, 1)
			}
			seen = append(seen, b...)
		}
		sort.Ints(seen)
		assert.Equal(t, []int{0, 1, 2, 3, 4}, seen, "epoch %d", e)
	}
}

func TestBatchLargerThanTrainSet(t *testing.T) {
	model := &fakeModel{wrongPixel: -1}
	tr, err := train.New(config(2, 100, 0.5), newLoader(6), builderFor(model), newReporter())
	require.NoError(t, err)
	res, err := tr.Run()
	require.NoError(t, err)

	assert.Equal(t, 2, res.Steps)
	for _, b := range model.batches {
		assert.Len(t, b, 3)
	}
}

func TestMeanAccuracyDiffersFromPixelAccuracy(t *testing.T) {
	model := &fakeModel{wrongPixel: 5}
	rep := newReporter()
	tr, err := train.New(config(1, 2, 0.5), newLoader(4), builderFor(model), rep)
	require.NoError(t, err)
	res, err := tr.Run()
	require.NoError(t, err)

	// Two test samples of 16 pixels, one pixel wrong.
	assert.InDelta(t, 31.0/32.0, res.Test.Accuracy, 1e-9)
	assert.Equal(t, 0.5, res.Test.MeanAccuracy)
	assert.Equal(t, res.Test, res.Records[0].Test)

	acc := rep.figures["Accuracy"]
	assert.Equal(t, []string{"train", "test", "train_mean", "test_mean"}, acc.legend)
	require.Len(t, acc.points, 1)
	rec := res.Records[0]
	assert.Equal(t, []float64{rec.Train.Accuracy, rec.Test.Accuracy, rec.Train.MeanAccuracy, rec.Test.MeanAccuracy}, acc.points[0])
	assert.Equal(t, 0.5, acc.points[0][3])
}

func TestNonFiniteLossKeepsTraining(t *testing.T) {
	nan := math.NaN()
	model := &fakeModel{wrongPixel: -1, loss: &nan}
	rep := newReporter()
	tr, err := train.New(config(3, 2, 0.5), newLoader(4), builderFor(model), rep)
	require.NoError(t, err)
	res, err := tr.Run()
	require.NoError(t, err)

	assert.Equal(t, 3, res.Steps)
	require.Len(t, res.Records, 3)
	for _, r := range res.Records {
		assert.True(t, math.IsNaN(r.Train.Loss))
		assert.True(t, math.IsNaN(r.Test.Loss))
		assert.Equal(t, 1.0, r.Test.Accuracy)
	}
	assert.True(t, math.IsNaN(res.Test.Loss))

	loss := rep.figures["Loss"]
	require.Len(t, loss.points, 3)
	for _, p := range loss.points {
		assert.True(t, math.IsNaN(p[0]))
		assert.True(t, math.IsNaN(p[1]))
	}
}

func TestNonFiniteLossIsReported(t *testing.T) {
	if testing.Short() {
		t.Skip("writes plots")
	}
	r, err := report.NewAt(t.TempDir(), time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	inf := math.Inf(1)
	model := &fakeModel{wrongPixel: -1, loss: &inf}
	tr, err := train.New(config(2, 2, 0.5), newLoader(4), builderFor(model), train.ReportTo(r))
	require.NoError(t, err)
	_, err = tr.Run()
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(r.Dir(), "loss.png"))
	csv, err := os.ReadFile(filepath.Join(r.Dir(), "loss.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(csv), "Inf")
}

func TestInvalidConfigFailsBeforeLoading(t *testing.T) {
	tests := map[string]func(*train.Config){
		"epochs":     func(c *train.Config) { c.Epochs = 0 },
		"batch size": func(c *train.Config) { c.BatchSize = -1 },
		"train rate": func(c *train.Config) { c.TrainRate = 1 },
		"zero rate":  func(c *train.Config) { c.TrainRate = 0 },
		"l2":         func(c *train.Config) { c.L2Reg = -0.1 },
		"eval":       func(c *train.Config) { c.EvalEvery = 0 },
		"lr":         func(c *train.Config) { c.LearningRate = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := train.DefaultConfig()
			mutate(&cfg)
			loader := newLoader(4)
			_, err := train.New(cfg, loader, builderFor(&fakeModel{}), newReporter())
			assert.Error(t, err)
			assert.Equal(t, 0, loader.calls)
		})
	}

	assert.NoError(t, train.DefaultConfig().Validate())
}

func TestModelClosedOnError(t *testing.T) {
	model := &fakeModel{stepErr: errors.New("boom"), wrongPixel: -1}
	tr, err := train.New(config(2, 2, 0.5), newLoader(4), builderFor(model), newReporter())
	require.NoError(t, err)

	_, err = tr.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, model.closed)
}

func TestEmptySplit(t *testing.T) {
	model := &fakeModel{wrongPixel: -1}
	// One sample at rate 0.5 leaves an empty train split.
	tr, err := train.New(config(1, 2, 0.5), newLoader(1), builderFor(model), newReporter())
	require.NoError(t, err)

	_, err = tr.Run()
	assert.Error(t, err)
	assert.Equal(t, 0, model.closed)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	model := &fakeModel{wrongPixel: 3}
	tr, err := train.New(config(1, 2, 0.5), newLoader(4), builderFor(model), newReporter(),
		train.WithRand(rand.New(rand.NewSource(7))))
	require.NoError(t, err)

	ds, _, err := newLoader(4).Load(0.5, false)
	require.NoError(t, err)
	first, err := tr.Evaluate(model, ds)
	require.NoError(t, err)
	second, err := tr.Evaluate(model, ds)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Empty(t, model.batches)
}

func TestRunWritesReport(t *testing.T) {
	if testing.Short() {
		t.Skip("writes plots")
	}
	r, err := report.NewAt(t.TempDir(), time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	model := &fakeModel{wrongPixel: -1}
	tr, err := train.New(config(1, 2, 0.5), newLoader(4), builderFor(model), train.ReportTo(r))
	require.NoError(t, err)
	_, err = tr.Run()
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(r.Dir(), "accuracy.png"))
	assert.FileExists(t, filepath.Join(r.Dir(), "loss.csv"))
	assert.FileExists(t, filepath.Join(r.Dir(), "image", "epoch_0.png"))
}
