package encoder

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Residual stage depths of the supported ResNet variants.
var (
	ResNet18 = []int{2, 2, 2, 2}
	ResNet34 = []int{3, 4, 6, 3}
)

// stageWidths are the output channels of the four residual stages.
var stageWidths = []int64{64, 128, 256, 512}

// ResNetEncoder is a ResNet backbone built from basic residual blocks. It
// returns the normalized input, the stem output and every stage output.
type ResNetEncoder struct {
	stem   ts.ModuleT
	stages []ts.ModuleT
}

// NewResNetEncoder creates a ResNet encoder for RGB input with depths[i]
// basic blocks in stage i. Variable names follow torchvision, so pretrained
// resnet18/34 weights load with VarStore.LoadPartial.
func NewResNetEncoder(p *nn.Path, depths []int) (*ResNetEncoder, error) {
	if len(depths) != len(stageWidths) {
		return nil, errors.Errorf("expected %d stage depths, got %d", len(stageWidths), len(depths))
	}

	e := &ResNetEncoder{stem: stem(p)}
	cIn := int64(64)
	for i, depth := range depths {
		if depth < 1 {
			return nil, errors.Errorf("stage %d: invalid depth %d", i+1, depth)
		}
		// The first stage keeps the stem resolution, the others halve it.
		var stride int64 = 2
		if i == 0 {
			stride = 1
		}
		e.stages = append(e.stages, stage(p.Sub(fmt.Sprintf("layer%d", i+1)), cIn, stageWidths[i], stride, depth))
		cIn = stageWidths[i]
	}

	return e, nil
}

// ForwardAll implements Encoder. For a [B 3 H W] input:
//
//	0: [B   3 H    W   ] normalized input
//	1: [B  64 H/4  W/4 ] stem
//	2: [B  64 H/4  W/4 ]
//	3: [B 128 H/8  W/8 ]
//	4: [B 256 H/16 W/16]
//	5: [B 512 H/32 W/32]
func (e *ResNetEncoder) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	feats := make([]*ts.Tensor, 0, len(e.stages)+2)
	xn := normalizeRGB(x)
	feats = append(feats, xn, e.stem.ForwardT(xn, train))
	for _, s := range e.stages {
		feats = append(feats, s.ForwardT(feats[len(feats)-1], train))
	}

	return feats
}

// Channels implements Encoder.
func (e *ResNetEncoder) Channels() []int64 {
	return append([]int64{3, 64}, stageWidths...)
}

// ImageNet statistics of [0, 1] RGB input.
var (
	rgbMean = []float32{0.485, 0.456, 0.406}
	rgbStd  = []float32{0.229, 0.224, 0.225}
)

func normalizeRGB(x *ts.Tensor) *ts.Tensor {
	device := x.MustDevice()
	column := func(vals []float32) *ts.Tensor {
		return ts.MustOfSlice(vals).MustView([]int64{1, 3, 1, 1}, true).MustTo(device, true)
	}
	mean, std := column(rgbMean), column(rgbStd)
	defer mean.MustDrop()
	defer std.MustDrop()

	return x.MustSub(mean, false).MustDiv(std, true)
}

// stem is the 7x7 convolution and max pooling in front of the stages. Its
// variables sit at the root, like in torchvision.
func stem(p *nn.Path) ts.ModuleT {
	seq := nn.SeqT()
	seq.Add(convNoBias(p.Sub("conv1"), 3, 64, 7, 2))
	seq.Add(nn.BatchNorm2D(p.Sub("bn1"), 64, nn.DefaultBatchNormConfig()))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
	}))

	return seq
}

// stage stacks depth residual blocks. Only the first one changes width or
// resolution.
func stage(p *nn.Path, cIn, cOut, stride int64, depth int) ts.ModuleT {
	seq := nn.SeqT()
	for i := 0; i < depth; i++ {
		if i == 0 {
			seq.Add(NewBasicBlock(p.Sub("0"), cIn, cOut, stride))
			continue
		}
		seq.Add(NewBasicBlock(p.Sub(fmt.Sprint(i)), cOut, cOut, 1))
	}

	return seq
}

// convNoBias is a square convolution padded to keep the size at stride 1.
func convNoBias(p *nn.Path, cIn, cOut, ksize, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{ksize / 2, ksize / 2}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// BasicBlock is the two-convolution residual block of ResNet18/34.
type BasicBlock struct {
	conv1, conv2 *nn.Conv2D
	bn1, bn2     *nn.BatchNorm
	// shortcut projects the input when the block changes width or
	// resolution. It is nil otherwise.
	shortcut *nn.SequentialT
}

// NewBasicBlock creates a BasicBlock.
func NewBasicBlock(p *nn.Path, cIn, cOut, stride int64) *BasicBlock {
	b := &BasicBlock{
		conv1: convNoBias(p.Sub("conv1"), cIn, cOut, 3, stride),
		bn1:   nn.BatchNorm2D(p.Sub("bn1"), cOut, nn.DefaultBatchNormConfig()),
		conv2: convNoBias(p.Sub("conv2"), cOut, cOut, 3, 1),
		bn2:   nn.BatchNorm2D(p.Sub("bn2"), cOut, nn.DefaultBatchNormConfig()),
	}
	if stride != 1 || cIn != cOut {
		ds := p.Sub("downsample")
		b.shortcut = nn.SeqT()
		b.shortcut.Add(convNoBias(ds.Sub("0"), cIn, cOut, 1, stride))
		b.shortcut.Add(nn.BatchNorm2D(ds.Sub("1"), cOut, nn.DefaultBatchNormConfig()))
	}

	return b
}

// ForwardT implements ts.ModuleT.
func (b *BasicBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := b.conv1.ForwardT(x, train)
	a1 := b.bn1.ForwardT(c1, train).MustRelu(true)
	c1.MustDrop()
	c2 := b.conv2.ForwardT(a1, train)
	a1.MustDrop()
	h := b.bn2.ForwardT(c2, train)
	c2.MustDrop()

	var identity *ts.Tensor
	if b.shortcut != nil {
		identity = b.shortcut.ForwardT(x, train)
	} else {
		identity = x.MustShallowClone()
	}
	sum := identity.MustAdd(h, true)
	h.MustDrop()

	return sum.MustRelu(true)
}
