package unet

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// CrossEntropy computes the mean softmax cross entropy between logits and a
// one-hot teacher, both shaped [B C H W]. The per-pixel entropies are
// summed over the class dimension and averaged over B*H*W.
//
// NOTE: teacher must be on the same device and of float dtype.
func CrossEntropy(logits, teacher *ts.Tensor) (*ts.Tensor, error) {
	size, err := logits.Size()
	if err != nil {
		return nil, err
	}
	if len(size) != 4 {
		return nil, errors.Errorf("expected [B C H W] logits, got %v", size)
	}
	units := size[0] * size[2] * size[3]

	logp, err := logits.LogSoftmax(1, gotch.Float, false)
	if err != nil {
		return nil, errors.Wrap(err, "log softmax")
	}
	prod, err := logp.Mul(teacher, true)
	if err != nil {
		return nil, errors.Wrap(err, "cross entropy")
	}
	sum, err := prod.Sum(gotch.Float, true)
	if err != nil {
		return nil, errors.Wrap(err, "cross entropy")
	}

	// mean = -sum / (B*H*W)
	return sum.MulScalar(ts.FloatScalar(-1.0/float64(units)), true)
}
