package metric

import (
	"math"

	"github.com/pkg/errors"
)

// Argmax returns the index of the highest scoring class for every unit of
// a score block laid out as [N, classes, spatial] (NCHW with H*W = spatial).
// Ties resolve to the lowest class index.
func Argmax(scores []float32, classes, spatial int) ([]int, error) {
	if classes <= 0 || spatial <= 0 {
		return nil, errors.Errorf("invalid score layout: classes=%d, spatial=%d", classes, spatial)
	}
	block := classes * spatial
	if len(scores)%block != 0 {
		return nil, errors.Errorf("score length %d is not a multiple of classes*spatial (%d)", len(scores), block)
	}

	n := len(scores) / block
	out := make([]int, n*spatial)
	for i := 0; i < n; i++ {
		base := i * block
		for u := 0; u < spatial; u++ {
			best := 0
			bestVal := scores[base+u]
			for c := 1; c < classes; c++ {
				v := scores[base+c*spatial+u]
				if v > bestVal {
					best, bestVal = c, v
				}
			}
			out[i*spatial+u] = best
		}
	}

	return out, nil
}

// Correct marks every unit whose predicted class equals the true class.
func Correct(pred, truth []int) ([]bool, error) {
	if len(pred) != len(truth) {
		return nil, errors.Errorf("prediction/label length mismatch: %d vs %d", len(pred), len(truth))
	}
	out := make([]bool, len(pred))
	for i := range pred {
		out[i] = pred[i] == truth[i]
	}

	return out, nil
}

// PixelAccuracy is the mean correctness over all evaluated units.
func PixelAccuracy(pred, truth []int) (float64, error) {
	correct, err := Correct(pred, truth)
	if err != nil {
		return 0, err
	}
	if len(correct) == 0 {
		return 0, errors.New("no units to evaluate")
	}

	var hit int
	for _, ok := range correct {
		if ok {
			hit++
		}
	}

	return float64(hit) / float64(len(correct)), nil
}

// AllCorrect splits units into consecutive groups of groupSize (one group
// per sample when groupSize = H*W), scores a group 1 only when every unit
// in it is correct, and averages the group scores.
func AllCorrect(pred, truth []int, groupSize int) (float64, error) {
	correct, err := Correct(pred, truth)
	if err != nil {
		return 0, err
	}
	if groupSize <= 0 {
		return 0, errors.Errorf("invalid group size %d", groupSize)
	}
	if len(correct) == 0 || len(correct)%groupSize != 0 {
		return 0, errors.Errorf("%d units cannot be split into groups of %d", len(correct), groupSize)
	}

	groups := len(correct) / groupSize
	var perfect int
	for g := 0; g < groups; g++ {
		ok := true
		for _, c := range correct[g*groupSize : (g+1)*groupSize] {
			if !c {
				ok = false
				break
			}
		}
		if ok {
			perfect++
		}
	}

	return float64(perfect) / float64(groups), nil
}

// ClassAccuracies returns, for each class, the fraction of its ground-truth
// occurrences that were predicted correctly. A class that never occurs in
// label scores 1.0.
func ClassAccuracies(pred, label []int, numClasses int) ([]float64, error) {
	if len(pred) != len(label) {
		return nil, errors.Errorf("prediction/label length mismatch: %d vs %d", len(pred), len(label))
	}
	if numClasses <= 0 {
		return nil, errors.Errorf("invalid number of classes %d", numClasses)
	}

	total := make([]float64, numClasses)
	count := make([]float64, numClasses)
	for i, l := range label {
		if l < 0 || l >= numClasses {
			return nil, errors.Errorf("label %d at %d out of range [0, %d)", l, i, numClasses)
		}
		total[l]++
		if pred[i] == l {
			count[l]++
		}
	}

	accuracies := make([]float64, numClasses)
	for c := range accuracies {
		if total[c] == 0 {
			accuracies[c] = 1.0
			continue
		}
		accuracies[c] = count[c] / total[c]
	}

	return accuracies, nil
}

// JaccardIndex is the mean intersection-over-union across the classes that
// appear in either pred or truth.
func JaccardIndex(pred, truth []int, numClasses int) (float64, error) {
	if len(pred) != len(truth) {
		return 0, errors.Errorf("prediction/label length mismatch: %d vs %d", len(pred), len(truth))
	}
	inter := make([]int, numClasses)
	union := make([]int, numClasses)
	for i := range pred {
		p, t := pred[i], truth[i]
		if p < 0 || p >= numClasses || t < 0 || t >= numClasses {
			return 0, errors.Errorf("class out of range at %d: pred=%d truth=%d", i, p, t)
		}
		if p == t {
			inter[p]++
			union[p]++
			continue
		}
		union[p]++
		union[t]++
	}

	var (
		sum     float64
		present int
	)
	for c := 0; c < numClasses; c++ {
		if union[c] == 0 {
			continue
		}
		sum += float64(inter[c]) / float64(union[c])
		present++
	}
	if present == 0 {
		return 1.0, nil
	}

	return sum / float64(present), nil
}

// DiceCoeff measures overlap of one class between pred and truth:
// 2|P∩T| / (|P|+|T|). Both empty scores 1.0.
func DiceCoeff(pred, truth []int, class int) (float64, error) {
	if len(pred) != len(truth) {
		return 0, errors.Errorf("prediction/label length mismatch: %d vs %d", len(pred), len(truth))
	}
	var overlap, p, t int
	for i := range pred {
		inP := pred[i] == class
		inT := truth[i] == class
		if inP {
			p++
		}
		if inT {
			t++
		}
		if inP && inT {
			overlap++
		}
	}
	if p+t == 0 {
		return 1.0, nil
	}

	return 2 * float64(overlap) / float64(p+t), nil
}

// Mean averages values; it returns 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
