package train

import (
	"fmt"
	"image/color"
	"io"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/sugarme/unetseg/dataset"
	"github.com/sugarme/unetseg/metric"
	"github.com/sugarme/unetseg/report"
)

// Evaluation is the output of Model.Evaluate: the mean loss and one
// predicted class per pixel laid out [N, H, W].
type Evaluation struct {
	Loss        float64
	Predictions []int
}

// Model is a trainable segmentation network.
type Model interface {
	// Step runs one optimizer step in training mode and returns the loss.
	Step(b *dataset.Batch) (float64, error)
	// Evaluate runs in inference mode and leaves the parameters untouched.
	Evaluate(b *dataset.Batch) (Evaluation, error)
	// Predict returns class scores laid out [N, Classes, H, W].
	Predict(b *dataset.Batch) ([]float32, error)
	// Close releases the compute resources.
	Close() error
}

// Builder creates the Model. It is called once per run, after the dataset is
// loaded.
type Builder func(ModelConfig) (Model, error)

// Loader provides the train and test splits.
type Loader interface {
	Load(trainRate float64, shuffle bool) (train, test *dataset.DataSet, err error)
}

// Figure is a metric series sink.
type Figure interface {
	Add(values []float64, persist bool) error
}

// Reporter receives figures and sample images.
type Reporter interface {
	CreateFigure(title string, axis [2]string, legend []string) (Figure, error)
	SaveSamples(train, test report.Triple, palette color.Palette, epoch, voidIndex int) error
}

type reportAdapter struct {
	r *report.Reporter
}

func (a reportAdapter) CreateFigure(title string, axis [2]string, legend []string) (Figure, error) {
	f, err := a.r.CreateFigure(title, axis, legend)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (a reportAdapter) SaveSamples(train, test report.Triple, palette color.Palette, epoch, voidIndex int) error {
	return a.r.SaveSamples(train, test, palette, epoch, voidIndex)
}

// ReportTo adapts a report.Reporter to Reporter.
func ReportTo(r *report.Reporter) Reporter {
	return reportAdapter{r}
}

// Scores are the metrics of one evaluation.
type Scores struct {
	Loss     float64
	Accuracy float64
	// MeanAccuracy is the fraction of samples with every pixel correct.
	MeanAccuracy float64
}

func (s Scores) String() string {
	return fmt.Sprintf("loss %.4f acc %.4f mean_acc %.4f", s.Loss, s.Accuracy, s.MeanAccuracy)
}

// Record is the evaluation of one epoch.
type Record struct {
	Epoch int
	Train Scores
	Test  Scores
}

// Result summarizes a finished run.
type Result struct {
	// Test is the final evaluation of the fixed test subset.
	Test            Scores
	ClassAccuracies []float64
	// Dice holds one Dice coefficient per class.
	Dice    []float64
	MeanIoU float64
	// Steps counts optimizer steps.
	Steps   int
	Records []Record
}

// Trainer runs the training loop.
type Trainer struct {
	cfg      Config
	loader   Loader
	build    Builder
	reporter Reporter
	progress io.Writer
	rng      *rand.Rand
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithProgress renders a per-epoch progress bar to w. Nil disables it.
func WithProgress(w io.Writer) Option {
	return func(t *Trainer) {
		t.progress = w
	}
}

// WithRand sets the random source, overriding Config.Seed.
func WithRand(rng *rand.Rand) Option {
	return func(t *Trainer) {
		t.rng = rng
	}
}

// New creates a Trainer. The configuration is validated here, before any
// data is read or resource allocated.
func New(cfg Config, loader Loader, build Builder, reporter Reporter, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if loader == nil || build == nil || reporter == nil {
		return nil, errors.New("trainer needs a loader, a model builder and a reporter")
	}

	t := &Trainer{
		cfg:      cfg,
		loader:   loader,
		build:    build,
		reporter: reporter,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		t.rng = rand.New(rand.NewSource(seed))
	}

	return t, nil
}

// split holds the loaded data and the fixed evaluation subsets.
type split struct {
	train     *dataset.DataSet
	test      *dataset.DataSet
	validAll  *dataset.Batch
	testAll   *dataset.Batch
	palette   color.Palette
	classes   int
	height    int
	width     int
	trainPick int
	testPick  int
}

func (t *Trainer) load() (*split, error) {
	trainSet, testSet, err := t.loader.Load(t.cfg.TrainRate, true)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load dataset")
	}
	if trainSet == nil || testSet == nil {
		return nil, errors.New("loader returned an empty split")
	}
	for name, ds := range map[string]*dataset.DataSet{"train": trainSet, "test": testSet} {
		if err := ds.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "invalid %s split", name)
		}
	}
	th, tw := trainSet.Shape()
	eh, ew := testSet.Shape()
	if th != eh || tw != ew {
		return nil, errors.Errorf("train images are %dx%d but test images are %dx%d", tw, th, ew, eh)
	}
	if trainSet.Classes() != testSet.Classes() {
		return nil, errors.Errorf("train has %d classes but test has %d", trainSet.Classes(), testSet.Classes())
	}
	trainSet.WithRand(t.rng)

	valid, err := trainSet.Perm(0, t.cfg.ValidSize)
	if err != nil {
		return nil, err
	}
	testEval, err := testSet.Perm(0, t.cfg.TestSize)
	if err != nil {
		return nil, err
	}
	if valid.Len() < t.cfg.ValidSize {
		klog.Warningf("validation subset clamped to %d samples", valid.Len())
	}
	if testEval.Len() < t.cfg.TestSize {
		klog.Warningf("test subset clamped to %d samples", testEval.Len())
	}

	s := &split{
		train:     trainSet,
		test:      testSet,
		palette:   trainSet.Palette,
		classes:   trainSet.Classes(),
		height:    th,
		width:     tw,
		trainPick: min(t.cfg.SampleTrainRange, trainSet.Len()),
		testPick:  min(t.cfg.SampleTestRange, testSet.Len()),
	}
	if len(s.palette) < s.classes {
		s.palette = dataset.DefaultPalette(s.classes)
	}
	if s.validAll, err = valid.All(); err != nil {
		return nil, err
	}
	if s.testAll, err = testEval.All(); err != nil {
		return nil, err
	}
	klog.Infof("train %d, test %d, valid subset %d, test subset %d, %d classes, %dx%d",
		trainSet.Len(), testSet.Len(), valid.Len(), testEval.Len(), s.classes, tw, th)

	return s, nil
}

// Run trains for Config.Epochs epochs and evaluates the result. The model is
// closed before Run returns, on success and on error.
func (t *Trainer) Run() (res *Result, err error) {
	data, err := t.load()
	if err != nil {
		return nil, err
	}

	model, err := t.build(ModelConfig{
		Classes:      data.classes,
		Channels:     dataset.Channels,
		Height:       data.height,
		Width:        data.width,
		L2Reg:        t.cfg.L2Reg,
		LearningRate: t.cfg.LearningRate,
		UseGPU:       t.cfg.UseGPU,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build model")
	}
	defer func() {
		if cerr := model.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "failed to release model")
		}
	}()

	accFig, err := t.reporter.CreateFigure("Accuracy", [2]string{"epoch", "accuracy"},
		[]string{"train", "test", "train_mean", "test_mean"})
	if err != nil {
		return nil, err
	}
	lossFig, err := t.reporter.CreateFigure("Loss", [2]string{"epoch", "loss"}, []string{"train", "test"})
	if err != nil {
		return nil, err
	}

	res = &Result{}
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		steps, err := t.trainEpoch(model, data.train, epoch)
		res.Steps += steps
		if err != nil {
			return nil, errors.WithMessagef(err, "epoch %d", epoch)
		}
		if epoch%t.cfg.EvalEvery != 0 {
			continue
		}

		rec := Record{Epoch: epoch}
		if rec.Train, err = t.score(model, data.validAll); err != nil {
			return nil, errors.WithMessagef(err, "epoch %d: validation", epoch)
		}
		if rec.Test, err = t.score(model, data.testAll); err != nil {
			return nil, errors.WithMessagef(err, "epoch %d: test", epoch)
		}
		res.Records = append(res.Records, rec)
		klog.Infof("Epoch %d [Train] %v [Test] %v", epoch, rec.Train, rec.Test)

		acc := []float64{rec.Train.Accuracy, rec.Test.Accuracy, rec.Train.MeanAccuracy, rec.Test.MeanAccuracy}
		if err := accFig.Add(acc, true); err != nil {
			return nil, err
		}
		if err := lossFig.Add([]float64{rec.Train.Loss, rec.Test.Loss}, true); err != nil {
			return nil, err
		}

		if epoch%t.cfg.SampleEvery == 0 {
			if err := t.saveSamples(model, data, epoch); err != nil {
				return nil, errors.WithMessagef(err, "epoch %d: samples", epoch)
			}
		}
	}

	ev, err := model.Evaluate(data.testAll)
	if err != nil {
		return nil, errors.WithMessage(err, "final evaluation")
	}
	if res.Test, err = scoresOf(ev, data.testAll); err != nil {
		return nil, err
	}
	if res.ClassAccuracies, err = metric.ClassAccuracies(ev.Predictions, data.testAll.Labels, data.classes); err != nil {
		return nil, err
	}
	if res.MeanIoU, err = metric.JaccardIndex(ev.Predictions, data.testAll.Labels, data.classes); err != nil {
		return nil, err
	}
	res.Dice = make([]float64, data.classes)
	for c := range res.Dice {
		if res.Dice[c], err = metric.DiceCoeff(ev.Predictions, data.testAll.Labels, c); err != nil {
			return nil, err
		}
	}
	klog.Infof("Result [Test] %v mIoU %.4f steps %d", res.Test, res.MeanIoU, res.Steps)
	for c, acc := range res.ClassAccuracies {
		klog.V(1).Infof("class %d accuracy %.4f dice %.4f", c, acc, res.Dice[c])
	}

	return res, nil
}

// trainEpoch runs one optimizer step per batch over a fresh shuffle of ds.
func (t *Trainer) trainEpoch(model Model, ds *dataset.DataSet, epoch int) (int, error) {
	it, err := ds.Batches(t.cfg.BatchSize, t.cfg.Augmentation)
	if err != nil {
		return 0, err
	}

	var bar *progressbar.ProgressBar
	if t.progress != nil {
		bar = progressbar.NewOptions(it.Len(),
			progressbar.OptionSetWriter(t.progress),
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d", epoch)),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	steps := 0
	for it.HasNext() {
		b, err := it.Next()
		if err != nil {
			return steps, err
		}
		loss, err := model.Step(b)
		if err != nil {
			return steps, err
		}
		steps++
		if !metric.IsFinite(loss) {
			klog.Warningf("epoch %d batch %d: non-finite loss %v", epoch, steps, loss)
		}
		klog.V(2).Infof("epoch %d batch %d/%d loss %.5f", epoch, steps, it.Len(), loss)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	return steps, nil
}

func (t *Trainer) score(model Model, b *dataset.Batch) (Scores, error) {
	ev, err := model.Evaluate(b)
	if err != nil {
		return Scores{}, err
	}
	s, err := scoresOf(ev, b)
	if err != nil {
		return Scores{}, err
	}
	if !metric.IsFinite(s.Loss) {
		klog.Warningf("non-finite evaluation loss %v", s.Loss)
	}

	return s, nil
}

// Evaluate scores model on every sample of ds in inference mode.
func (t *Trainer) Evaluate(model Model, ds *dataset.DataSet) (Scores, error) {
	b, err := ds.All()
	if err != nil {
		return Scores{}, err
	}
	return t.score(model, b)
}

func scoresOf(ev Evaluation, b *dataset.Batch) (Scores, error) {
	acc, err := metric.PixelAccuracy(ev.Predictions, b.Labels)
	if err != nil {
		return Scores{}, err
	}
	mean, err := metric.AllCorrect(ev.Predictions, b.Labels, b.Units())
	if err != nil {
		return Scores{}, err
	}

	return Scores{Loss: ev.Loss, Accuracy: acc, MeanAccuracy: mean}, nil
}

// saveSamples predicts one random train and one random test sample and hands
// them to the reporter.
func (t *Trainer) saveSamples(model Model, data *split, epoch int) error {
	trainTriple, err := t.triple(model, data.train, t.rng.Intn(data.trainPick))
	if err != nil {
		return err
	}
	testTriple, err := t.triple(model, data.test, t.rng.Intn(data.testPick))
	if err != nil {
		return err
	}

	return t.reporter.SaveSamples(trainTriple, testTriple, data.palette, epoch, t.cfg.VoidIndex)
}

func (t *Trainer) triple(model Model, ds *dataset.DataSet, idx int) (report.Triple, error) {
	sample, err := ds.Item(idx)
	if err != nil {
		return report.Triple{}, err
	}
	b, err := ds.Batch(idx)
	if err != nil {
		return report.Triple{}, err
	}
	scores, err := model.Predict(b)
	if err != nil {
		return report.Triple{}, err
	}

	return report.Triple{
		Input:   sample.Input,
		Scores:  scores,
		Truth:   b.Labels,
		Classes: b.Classes,
	}, nil
}
