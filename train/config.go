package train

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Config holds the hyperparameters of a training run.
type Config struct {
	Epochs       int
	BatchSize    int
	TrainRate    float64
	Augmentation bool
	L2Reg        float64
	UseGPU       bool
	LearningRate float64

	// EvalEvery is the evaluation period in epochs.
	EvalEvery int
	// SampleEvery is the sample image period in epochs. Samples are only
	// written on evaluation epochs.
	SampleEvery int
	// ValidSize and TestSize bound the fixed subsets evaluated each period.
	ValidSize int
	TestSize  int
	// Sample images are drawn from the first SampleTrainRange training and
	// SampleTestRange test samples.
	SampleTrainRange int
	SampleTestRange  int
	// VoidIndex is the class drawn as background in sample images.
	// Negative disables it.
	VoidIndex int
	// Seed seeds shuffling, augmentation and sample picks. Zero picks a
	// random seed.
	Seed int64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Epochs:           200,
		BatchSize:        32,
		TrainRate:        0.85,
		Augmentation:     false,
		L2Reg:            0.001,
		UseGPU:           false,
		LearningRate:     0.001,
		EvalEvery:        1,
		SampleEvery:      3,
		ValidSize:        30,
		TestSize:         150,
		SampleTrainRange: 10,
		SampleTestRange:  100,
		VoidIndex:        0,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"epoch", c.Epochs},
		{"batch size", c.BatchSize},
		{"evaluation period", c.EvalEvery},
		{"sample period", c.SampleEvery},
		{"validation size", c.ValidSize},
		{"test size", c.TestSize},
		{"train sample range", c.SampleTrainRange},
		{"test sample range", c.SampleTestRange},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return errors.Errorf("invalid %s %d: must be positive", p.name, p.v)
		}
	}

	if !(c.TrainRate > 0 && c.TrainRate < 1) {
		return errors.Errorf("invalid train rate %v: must be in (0, 1)", c.TrainRate)
	}
	if c.L2Reg < 0 || math.IsNaN(c.L2Reg) || math.IsInf(c.L2Reg, 0) {
		return errors.Errorf("invalid l2 regularization %v: must be finite and non-negative", c.L2Reg)
	}
	if !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0) {
		return errors.Errorf("invalid learning rate %v: must be finite and positive", c.LearningRate)
	}

	return nil
}

// Params returns the configuration as printable key/value pairs.
func (c Config) Params() map[string]string {
	return map[string]string{
		"epoch":        fmt.Sprint(c.Epochs),
		"batchsize":    fmt.Sprint(c.BatchSize),
		"trainrate":    fmt.Sprint(c.TrainRate),
		"augmentation": fmt.Sprint(c.Augmentation),
		"l2reg":        fmt.Sprint(c.L2Reg),
		"gpu":          fmt.Sprint(c.UseGPU),
		"lr":           fmt.Sprint(c.LearningRate),
		"eval_every":   fmt.Sprint(c.EvalEvery),
		"sample_every": fmt.Sprint(c.SampleEvery),
		"seed":         fmt.Sprint(c.Seed),
	}
}

// ModelConfig is what a Builder needs to construct a Model.
type ModelConfig struct {
	Classes      int
	Channels     int
	Height       int
	Width        int
	L2Reg        float64
	LearningRate float64
	UseGPU       bool
}
