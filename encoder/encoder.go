package encoder

import (
	"github.com/sugarme/gotch/ts"
)

// Encoder is encoder interface for a image segmentation model.
//
// ForwardAll returns the feature maps of every stage, shallowest first.
// The first entry is the (normalized) input itself.
type Encoder interface {
	ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor
	// Channels returns the channel count of each ForwardAll output.
	Channels() []int64
}
