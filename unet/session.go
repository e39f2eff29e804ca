package unet

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"

	"github.com/sugarme/unetseg/dataset"
	"github.com/sugarme/unetseg/metric"
	"github.com/sugarme/unetseg/train"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Config

	LearningRate float64
	// L2Reg is applied as Adam weight decay.
	L2Reg  float64
	UseGPU bool
	// EvalChunk bounds how many samples go through the network at once in
	// Evaluate and Predict. Zero means 16.
	EvalChunk int
	// Weights is an optional .ot file loaded before training. Variables
	// missing from the file keep their initial values, so torchvision
	// resnet34 weights can seed the encoder.
	Weights string
}

// Session owns the compute context of one training run: device, parameters
// and optimizer. It implements train.Model.
type Session struct {
	device    gotch.Device
	vs        *nn.VarStore
	net       ts.ModuleT
	opt       *nn.Optimizer
	classes   int
	evalChunk int
}

var _ train.Model = (*Session)(nil)

// NewSession builds the network and its Adam optimizer.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.LearningRate <= 0 {
		return nil, errors.Errorf("invalid learning rate %v", cfg.LearningRate)
	}
	if cfg.L2Reg < 0 {
		return nil, errors.Errorf("invalid l2 regularization %v", cfg.L2Reg)
	}

	device := gotch.CPU
	if cfg.UseGPU {
		device = gotch.CudaIfAvailable()
		if device == gotch.CPU {
			klog.Warning("gpu requested but cuda is not available, using cpu")
		}
	}

	vs := nn.NewVarStore(device)
	net, err := New(vs.Root(), cfg.Config)
	if err != nil {
		vs.Destroy()
		return nil, err
	}

	if cfg.Weights != "" {
		missing, err := vs.LoadPartial(cfg.Weights)
		if err != nil {
			vs.Destroy()
			return nil, errors.Wrapf(err, "failed to load weights %q", cfg.Weights)
		}
		klog.V(1).Infof("loaded %s, %d variables not found", cfg.Weights, len(missing))
	}

	optCfg := nn.DefaultAdamConfig()
	optCfg.Wd = cfg.L2Reg
	opt, err := optCfg.Build(vs, cfg.LearningRate)
	if err != nil {
		vs.Destroy()
		return nil, errors.Wrap(err, "failed to build optimizer")
	}

	chunk := cfg.EvalChunk
	if chunk <= 0 {
		chunk = 16
	}
	klog.V(1).Infof("model %q on %v, %d classes", cfg.Arch, device, cfg.Classes)

	return &Session{
		device:    device,
		vs:        vs,
		net:       net,
		opt:       opt,
		classes:   int(cfg.Classes),
		evalChunk: chunk,
	}, nil
}

// Builder returns a train.Builder creating Sessions from base. Classes,
// channels and the optimizer settings come from the train.ModelConfig.
func Builder(base SessionConfig) train.Builder {
	return func(mc train.ModelConfig) (train.Model, error) {
		cfg := base
		cfg.InChannels = int64(mc.Channels)
		cfg.Classes = int64(mc.Classes)
		cfg.LearningRate = mc.LearningRate
		cfg.L2Reg = mc.L2Reg
		cfg.UseGPU = mc.UseGPU
		return NewSession(cfg)
	}
}

func (s *Session) check(b *dataset.Batch) error {
	if b == nil || b.N == 0 {
		return errors.New("empty batch")
	}
	if b.Classes != s.classes {
		return errors.Errorf("batch has %d classes, model has %d", b.Classes, s.classes)
	}
	return nil
}

// tensors moves the batch input and its one-hot teacher to the device.
func (s *Session) tensors(b *dataset.Batch) (x, y *ts.Tensor, err error) {
	n, h, w := int64(b.N), int64(b.Height), int64(b.Width)
	if x, err = s.toDevice(b.Inputs, []int64{n, int64(b.Channels), h, w}); err != nil {
		return nil, nil, errors.WithMessage(err, "input")
	}
	if y, err = s.toDevice(b.Teacher(), []int64{n, int64(b.Classes), h, w}); err != nil {
		x.MustDrop()
		return nil, nil, errors.WithMessage(err, "teacher")
	}
	return x, y, nil
}

func (s *Session) toDevice(data []float32, shape []int64) (*ts.Tensor, error) {
	t, err := ts.OfSlice(data)
	if err != nil {
		return nil, err
	}
	if t, err = t.View(shape, true); err != nil {
		return nil, err
	}
	return t.To(s.device, true)
}

// Step runs one forward pass in training mode, backpropagates the loss and
// updates the parameters. It returns the batch loss.
func (s *Session) Step(b *dataset.Batch) (float64, error) {
	if err := s.check(b); err != nil {
		return 0, err
	}

	x, y, err := s.tensors(b)
	if err != nil {
		return 0, err
	}
	logits := s.net.ForwardT(x, true)
	l, err := CrossEntropy(logits, y)
	x.MustDrop()
	y.MustDrop()
	logits.MustDrop()
	if err != nil {
		return 0, err
	}
	defer l.MustDrop()

	if err := s.opt.ZeroGrad(); err != nil {
		return 0, errors.Wrap(err, "zero grad")
	}
	if err := l.Backward(); err != nil {
		return 0, errors.Wrap(err, "backward")
	}
	if err := s.opt.Step(); err != nil {
		return 0, errors.Wrap(err, "optimizer step")
	}

	return l.Float64Values()[0], nil
}

// forward runs the network in inference mode over one chunk and returns the
// loss and the softmax scores laid out [N, Classes, H, W].
func (s *Session) forward(b *dataset.Batch) (loss float64, scores []float32, err error) {
	ts.NoGrad(func() {
		var x, y *ts.Tensor
		if x, y, err = s.tensors(b); err != nil {
			return
		}
		logits := s.net.ForwardT(x, false)
		x.MustDrop()
		l, lerr := CrossEntropy(logits, y)
		y.MustDrop()
		if lerr != nil {
			logits.MustDrop()
			err = lerr
			return
		}
		loss = l.Float64Values(true)[0]

		prob, perr := logits.Softmax(1, gotch.Float, true)
		if perr != nil {
			err = errors.Wrap(perr, "softmax")
			return
		}
		vals := prob.Float64Values(true)
		scores = make([]float32, len(vals))
		for i, v := range vals {
			scores[i] = float32(v)
		}
	})

	return loss, scores, err
}

// scan forwards b in chunks and returns the unit-weighted mean loss and the
// concatenated scores.
func (s *Session) scan(b *dataset.Batch) (float64, []float32, error) {
	var (
		lossSum float64
		scores  = make([]float32, 0, b.N*b.Classes*b.Units())
	)
	for start := 0; start < b.N; start += s.evalChunk {
		end := start + s.evalChunk
		if end > b.N {
			end = b.N
		}
		l, sc, err := s.forward(b.Slice(start, end))
		if err != nil {
			return 0, nil, errors.WithMessagef(err, "samples %d-%d", start, end)
		}
		lossSum += l * float64(end-start)
		scores = append(scores, sc...)
	}

	return lossSum / float64(b.N), scores, nil
}

// Evaluate computes the loss and per-pixel predictions in inference mode.
// Parameters and batch-norm statistics are left untouched.
func (s *Session) Evaluate(b *dataset.Batch) (train.Evaluation, error) {
	if err := s.check(b); err != nil {
		return train.Evaluation{}, err
	}

	loss, scores, err := s.scan(b)
	if err != nil {
		return train.Evaluation{}, err
	}
	pred, err := metric.Argmax(scores, b.Classes, b.Units())
	if err != nil {
		return train.Evaluation{}, err
	}

	return train.Evaluation{Loss: loss, Predictions: pred}, nil
}

// Predict returns the softmax scores laid out [N, Classes, H, W].
func (s *Session) Predict(b *dataset.Batch) ([]float32, error) {
	if err := s.check(b); err != nil {
		return nil, err
	}

	_, scores, err := s.scan(b)
	return scores, err
}

// Save writes the parameters to path.
func (s *Session) Save(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := s.vs.Save(abs); err != nil {
		return errors.Wrapf(err, "failed to save weights to %q", abs)
	}
	klog.Infof("weights saved to %s", abs)

	return nil
}

// Close releases the parameters. The Session must not be used afterwards.
func (s *Session) Close() error {
	if s.vs == nil {
		return nil
	}
	s.vs.Destroy()
	s.vs = nil

	return nil
}

// WriteVariables prints every variable name and shape, sorted by name.
func (s *Session) WriteVariables(w io.Writer) error {
	vars := s.vs.Variables()
	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		v := vars[n]
		if _, err := fmt.Fprintf(w, "%v \t\t %v\n", n, v.MustSize()); err != nil {
			return err
		}
	}

	return nil
}
