package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/sugarme/unetseg/dataset"
	"github.com/sugarme/unetseg/report"
	"github.com/sugarme/unetseg/train"
	"github.com/sugarme/unetseg/unet"
)

// flag variables
var (
	OriginalDir  string
	SegmentedDir string
	OutDir       string
	Arch         string
	WeightsPath  string
	Checkpoint   string
	task         string
)

// hyperparameters
var (
	Epochs       int
	BatchSize    int
	TrainRate    float64
	Augmentation bool
	L2Reg        float64
	UseGPU       bool
	LR           float64
	ImageSize    int
	Classes      int
	BaseChannels int64
	SCSE         bool
	Seed         int64
)

func init() {
	def := train.DefaultConfig()

	flag.BoolVar(&UseGPU, "g", def.UseGPU, "use gpu (shorthand)")
	flag.BoolVar(&UseGPU, "gpu", def.UseGPU, "use gpu")
	flag.IntVar(&Epochs, "e", def.Epochs, "number of epochs (shorthand)")
	flag.IntVar(&Epochs, "epoch", def.Epochs, "number of epochs")
	flag.IntVar(&BatchSize, "b", def.BatchSize, "batch size (shorthand)")
	flag.IntVar(&BatchSize, "batchsize", def.BatchSize, "batch size")
	flag.Float64Var(&TrainRate, "t", def.TrainRate, "training rate (shorthand)")
	flag.Float64Var(&TrainRate, "trainrate", def.TrainRate, "training rate")
	flag.BoolVar(&Augmentation, "a", def.Augmentation, "data augmentation (shorthand)")
	flag.BoolVar(&Augmentation, "augmentation", def.Augmentation, "data augmentation")
	flag.Float64Var(&L2Reg, "r", def.L2Reg, "l2 regularization (shorthand)")
	flag.Float64Var(&L2Reg, "l2reg", def.L2Reg, "l2 regularization")

	flag.Float64Var(&LR, "lr", def.LearningRate, "specify learning rate")
	flag.Int64Var(&Seed, "seed", 0, "random seed, 0 picks one")
	flag.StringVar(&OriginalDir, "original", "dataset_unity/newBefore2", "specify input image directory")
	flag.StringVar(&SegmentedDir, "segmented", "dataset_unity/newAfter2", "specify label image directory")
	flag.IntVar(&ImageSize, "size", 128, "specify image size the dataset is resized to")
	flag.IntVar(&Classes, "classes", 0, "specify number of classes, 0 infers it from the labels")
	flag.StringVar(&Arch, "arch", unet.ArchVanilla, "specify model: vanilla, resnet18 or resnet34")
	flag.Int64Var(&BaseChannels, "width", 64, "specify vanilla U-Net base channels")
	flag.BoolVar(&SCSE, "scse", true, "use squeeze and excitation blocks in the resnet decoder")
	flag.StringVar(&WeightsPath, "weights", "", "specify '.ot' weights to load before training (e.g. resnet34.ot)")
	flag.StringVar(&OutDir, "out", "./result", "specify result root directory")
	flag.StringVar(&Checkpoint, "checkpoint", "", "specify path to save trained weights")
	flag.StringVar(&task, "task", "train", "specify task to run: train or model")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	var err error
	switch task {
	case "train":
		err = runTrain()
	case "model":
		err = runCheckModel()
	default:
		err = errors.Errorf("unknown task %q, expected 'train' or 'model'", task)
	}
	if err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func sessionConfig() unet.SessionConfig {
	return unet.SessionConfig{
		Config: unet.Config{
			Arch:         Arch,
			BaseChannels: BaseChannels,
			NoSCSE:       !SCSE,
		},
		Weights: WeightsPath,
	}
}

// validateFlags rejects flag values that would fail after the dataset is
// loaded or the result directory is created.
func validateFlags(cfg train.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if ImageSize < 1 {
		return errors.Errorf("invalid image size %d", ImageSize)
	}
	if Classes < 0 || Classes == 1 || Classes > dataset.MaxClasses {
		return errors.Errorf("invalid number of classes %d, expected 0 or 2..%d", Classes, dataset.MaxClasses)
	}

	mc := sessionConfig().Config
	mc.InChannels = dataset.Channels
	mc.Classes = int64(Classes)
	if mc.Classes == 0 {
		// Inferred from the labels later, any valid count will do here.
		mc.Classes = 2
	}
	if err := mc.Validate(); err != nil {
		return err
	}

	for _, dir := range []string{OriginalDir, SegmentedDir} {
		fi, err := os.Stat(dir)
		if err != nil {
			return errors.Wrap(err, "dataset directory")
		}
		if !fi.IsDir() {
			return errors.Errorf("%q is not a directory", dir)
		}
	}
	if WeightsPath != "" {
		if _, err := os.Stat(WeightsPath); err != nil {
			return errors.Wrap(err, "weights")
		}
	}

	return nil
}

func runTrain() error {
	cfg := train.DefaultConfig()
	cfg.Epochs = Epochs
	cfg.BatchSize = BatchSize
	cfg.TrainRate = TrainRate
	cfg.Augmentation = Augmentation
	cfg.L2Reg = L2Reg
	cfg.UseGPU = UseGPU
	cfg.LearningRate = LR
	cfg.Seed = Seed
	if err := validateFlags(cfg); err != nil {
		return err
	}

	opts := []dataset.Option{dataset.WithSize(ImageSize, ImageSize)}
	if Classes > 0 {
		opts = append(opts, dataset.WithClasses(Classes))
	}
	if Seed != 0 {
		opts = append(opts, dataset.WithSeed(Seed))
	}
	loader := dataset.NewLoader(absPath(OriginalDir), absPath(SegmentedDir), opts...)

	rep, err := report.New(OutDir)
	if err != nil {
		return err
	}
	params := cfg.Params()
	params["original"] = OriginalDir
	params["segmented"] = SegmentedDir
	params["size"] = fmt.Sprint(ImageSize)
	params["arch"] = Arch
	params["scse"] = fmt.Sprint(SCSE)
	if err := rep.WriteInfo(params); err != nil {
		return err
	}

	build := unet.Builder(sessionConfig())
	keep := func(mc train.ModelConfig) (train.Model, error) {
		m, err := build(mc)
		if err != nil {
			return nil, err
		}
		return &checkpointed{Session: m.(*unet.Session)}, nil
	}

	trainer, err := train.New(cfg, loader, keep, train.ReportTo(rep), train.WithProgress(os.Stderr))
	if err != nil {
		return err
	}
	res, err := trainer.Run()
	if err != nil {
		return err
	}

	fmt.Printf("Result [Test] %v mIoU %.4f\n", res.Test, res.MeanIoU)
	for c, acc := range res.ClassAccuracies {
		fmt.Printf("class %2d: acc %.4f dice %.4f\n", c, acc, res.Dice[c])
	}
	klog.Infof("results written to %s", rep.Dir())

	return nil
}

// checkpointed saves the weights the run ended with right before the
// session is released.
type checkpointed struct {
	*unet.Session
}

func (c *checkpointed) Close() error {
	if Checkpoint != "" {
		if err := c.Session.Save(absPath(Checkpoint)); err != nil {
			c.Session.Close()
			return err
		}
	}
	return c.Session.Close()
}

// runCheckModel builds the model and prints its variables.
func runCheckModel() error {
	sc := sessionConfig()
	sc.InChannels = dataset.Channels
	sc.Classes = int64(Classes)
	if sc.Classes == 0 {
		sc.Classes = 2
	}
	sc.LearningRate = LR
	sc.UseGPU = UseGPU

	s, err := unet.NewSession(sc)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.WriteVariables(os.Stdout)
}

// helper to get absolute file path
func absPath(p string) string {
	fullpath, err := filepath.Abs(p)
	if err != nil {
		klog.Fatal(err)
	}
	return fullpath
}
