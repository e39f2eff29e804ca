package base

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Identity is a nn.Module placeholder.
// It forwards the input tensor as such.
type Identity struct{}

// Forward implements nn.Module for Identity struct.
func (i *Identity) Forward(x *ts.Tensor) *ts.Tensor {
	return x.MustShallowClone()
}

// ForwardT implements nn.ModuleT for Identity struct.
func (i *Identity) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustShallowClone()
}

// NewIdentity creates a new Identity struct.
func NewIdentity() *Identity {
	return &Identity{}
}

// SCSE is concurrent spatial and channel squeeze and excitement module.
// Ref. https://arxiv.org/abs/1808.08127
type SCSE struct {
	cSE *nn.SequentialT
	sSE *nn.SequentialT
}

// ForwardT implements ts.ModuleT for SCSE struct.
func (m *SCSE) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	cse := m.cSE.ForwardT(x, train)
	sse := m.sSE.ForwardT(x, train)
	cmul := x.MustMul(cse, false)
	smul := x.MustMul(sse, false)
	res := cmul.MustAdd(smul, false)

	cse.MustDrop()
	sse.MustDrop()
	cmul.MustDrop()
	smul.MustDrop()

	return res
}

// NewSCSE creates new SCSE.
func NewSCSE(p *nn.Path, cIn int64, reductionOpt ...int64) *SCSE {
	var reduction int64 = 16
	if len(reductionOpt) > 0 {
		reduction = reductionOpt[0]
	}
	cMid := cIn / reduction
	if cMid < 1 {
		cMid = 1
	}

	// Channel squeeze excite
	chanSeq := nn.SeqT()
	chanSeq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustAdaptiveAvgPool2d([]int64{1, 1}, false)
	}))
	chanSeq.Add(Conv2d(p.Sub("sqzconv1"), cIn, cMid, 1, 0, 1))
	chanSeq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))
	chanSeq.Add(Conv2d(p.Sub("sqzconv2"), cMid, cIn, 1, 0, 1))
	chanSeq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustSigmoid(false)
	}))

	// Spatial squeeze excite
	spatSeq := nn.SeqT()
	spatSeq.Add(Conv2d(p.Sub("spatconv"), cIn, 1, 1, 0, 1))
	spatSeq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustSigmoid(false)
	}))

	return &SCSE{
		cSE: chanSeq,
		sSE: spatSeq,
	}
}

// Attention wraps an optional attention module. Without one it is an
// Identity.
type Attention struct {
	attn ts.ModuleT
}

// ForwardT implements ts.ModuleT.
func (a *Attention) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return a.attn.ForwardT(x, train)
}

// NewAttention creates a new Attention.
func NewAttention(scse *SCSE) *Attention {
	if scse == nil {
		return &Attention{NewIdentity()}
	}
	return &Attention{scse}
}

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNoBias creates Conv2D with no bias.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dRelu creates a SequentialT composing of Conv2D No bias, BatchNorm and
// a ReLU activation.
func Conv2dRelu(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.SequentialT {
	bnConfig := nn.DefaultBatchNormConfig()
	bnConfig.Eps = 0.001
	seq := nn.SeqT()
	seq.Add(Conv2dNoBias(p.Sub("conv"), cIn, cOut, ksize, padding, stride))
	seq.Add(nn.BatchNorm2D(p.Sub("bn"), cOut, bnConfig))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))

	return seq
}

// DoubleConv is (conv => BN => ReLU) * 2. cMid defaults to cOut.
func DoubleConv(p *nn.Path, cIn, cOut int64, cMidOpt ...int64) *nn.SequentialT {
	cMid := cOut
	if len(cMidOpt) > 0 {
		cMid = cMidOpt[0]
	}

	seq := nn.SeqT()
	seq.Add(Conv2dRelu(p.Sub("conv1"), cIn, cMid, 3, 1, 1))
	seq.Add(Conv2dRelu(p.Sub("conv2"), cMid, cOut, 3, 1, 1))

	return seq
}
