package base

import "github.com/sugarme/gotch/nn"

// NewSegmentationHead creates the final 1-to-1 projection from decoder
// features to one logit map per class.
func NewSegmentationHead(p *nn.Path, cIn, classes, ksize int64) *nn.SequentialT {
	seq := nn.SeqT()
	seq.Add(Conv2d(p, cIn, classes, ksize, ksize/2, 1))

	return seq
}
