package unet

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetseg/base"
)

// DecoderLayer fuses an encoder feature map with the upsampled output of
// the previous decoder stage.
type DecoderLayer struct {
	Conv1 *nn.SequentialT
	Attn1 *base.Attention
	Conv2 *nn.SequentialT
	Attn2 *base.Attention
}

// interpolation using `nearest` algorithm
func upsample(x, ref *ts.Tensor) *ts.Tensor {
	xSize := x.MustSize()
	refSize := ref.MustSize()
	if reflect.DeepEqual(xSize[2:], refSize[2:]) {
		return x.MustShallowClone()
	}

	return x.MustUpsampleNearest2d(refSize[2:], nil, nil, false)
}

// ForwardSkip concatenates x and skip along channels (skip may be nil) and
// forwards the result.
func (d *DecoderLayer) ForwardSkip(x, skip *ts.Tensor, train bool) *ts.Tensor {
	var cat *ts.Tensor
	if skip != nil {
		cat = ts.MustCat([]*ts.Tensor{x, skip}, 1)
	} else {
		cat = x.MustShallowClone()
	}
	attn1 := d.Attn1.ForwardT(cat, train)
	cat.MustDrop()
	conv1 := d.Conv1.ForwardT(attn1, train)
	attn1.MustDrop()
	conv2 := d.Conv2.ForwardT(conv1, train)
	conv1.MustDrop()
	res := d.Attn2.ForwardT(conv2, train)
	conv2.MustDrop()

	return res
}

// NewDecoderLayer creates a DecoderLayer taking cIn+skip channels. Without
// scse both attention slots pass their input through.
func NewDecoderLayer(p *nn.Path, cIn, skip, cOut int64, scse bool) *DecoderLayer {
	var scse1, scse2 *base.SCSE
	if scse {
		scse1 = base.NewSCSE(p.Sub("attn1"), cIn+skip)
		scse2 = base.NewSCSE(p.Sub("attn2"), cOut)
	}
	conv1 := base.Conv2dRelu(p.Sub("conv1"), cIn+skip, cOut, 3, 1, 1)
	attn1 := base.NewAttention(scse1)
	conv2 := base.Conv2dRelu(p.Sub("conv2"), cOut, cOut, 3, 1, 1)
	attn2 := base.NewAttention(scse2)

	return &DecoderLayer{
		Conv1: conv1,
		Attn1: attn1,
		Conv2: conv2,
		Attn2: attn2,
	}
}

// UNetDecoder is Decoder struct for UNet model.
type UNetDecoder struct {
	center *nn.SequentialT
	// layers[i] decodes encoder feature len(layers)-1-i. The last layer
	// works on the upsampled output alone.
	layers []*DecoderLayer
}

// NewUNetDecoder creates UNetDecoder for the given encoder output channels
// (shallowest first, input included) and decoder output channels (one per
// stage, deepest first). It needs len(encoderChannels)-1 decoder stages.
func NewUNetDecoder(p *nn.Path, encoderChannels, decoderChannels []int64, scse bool) (*UNetDecoder, error) {
	stages := len(encoderChannels) - 1
	if stages < 1 || len(decoderChannels) != stages {
		return nil, errors.Errorf("expected %d decoder channels for %d encoder features, got %d", stages, len(encoderChannels), len(decoderChannels))
	}

	deepest := encoderChannels[stages]
	center := base.Conv2dRelu(p.Sub("center"), deepest, deepest, 3, 1, 1)

	layers := make([]*DecoderLayer, stages)
	prev := deepest
	for i := 0; i < stages-1; i++ {
		feat := encoderChannels[stages-1-i]
		layers[i] = NewDecoderLayer(p.Sub(fmt.Sprintf("decoder%d", i)), feat, prev, decoderChannels[i], scse)
		prev = decoderChannels[i]
	}
	layers[stages-1] = NewDecoderLayer(p.Sub(fmt.Sprintf("decoder%d", stages-1)), prev, 0, decoderChannels[stages-1], scse)

	return &UNetDecoder{center: center, layers: layers}, nil
}

// ForwardFeatures decodes encoder features, shallowest first. The output has
// the resolution of features[0].
func (n *UNetDecoder) ForwardFeatures(features []*ts.Tensor, train bool) *ts.Tensor {
	stages := len(n.layers)
	if len(features) != stages+1 {
		panic(fmt.Sprintf("expected %d features, got %d", stages+1, len(features)))
	}

	z := n.center.ForwardT(features[stages], train)
	for i := 0; i < stages-1; i++ {
		feat := features[stages-1-i]
		skip := upsample(z, feat)
		next := n.layers[i].ForwardSkip(feat, skip, train)
		skip.MustDrop()
		z.MustDrop()
		z = next
	}

	up := upsample(z, features[0])
	out := n.layers[stages-1].ForwardSkip(up, nil, train)
	up.MustDrop()
	z.MustDrop()

	return out
}
