package unet

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetseg/base"
	"github.com/sugarme/unetseg/encoder"
)

// ResNetUNet is a U-Net with a pretrained-compatible ResNet encoder.
// Ref: https://arxiv.org/abs/1505.04597
type ResNetUNet struct {
	encoder encoder.Encoder
	decoder *UNetDecoder
	segHead *nn.SequentialT
}

// ForwardT implements ts.ModuleT for ResNetUNet struct.
func (n *ResNetUNet) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	features := n.encoder.ForwardAll(x, train)
	out := n.decoder.ForwardFeatures(features, train)
	segHead := n.segHead.ForwardT(out, train)
	masks := upsample(segHead, x)

	for _, f := range features {
		f.MustDrop()
	}
	out.MustDrop()
	segHead.MustDrop()

	return masks
}

// NewResNetUNet creates a ResNet U-Net with depths residual blocks per
// encoder stage, producing one logit map per class. scse enables the
// squeeze and excitation blocks of the decoder.
func NewResNetUNet(p *nn.Path, depths []int, classes int64, scse bool) (*ResNetUNet, error) {
	enc, err := encoder.NewResNetEncoder(p, depths)
	if err != nil {
		return nil, err
	}
	decoderChannels := []int64{256, 128, 64, 32, 16}
	dec, err := NewUNetDecoder(p, enc.Channels(), decoderChannels, scse)
	if err != nil {
		return nil, err
	}

	// cIn=decoderChannels[-1], ksize=3
	head := base.NewSegmentationHead(p.Sub("logit"), decoderChannels[len(decoderChannels)-1], classes, 3)

	return &ResNetUNet{
		encoder: enc,
		decoder: dec,
		segHead: head,
	}, nil
}
