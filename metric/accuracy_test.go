package metric_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/unetseg/metric"
)

func TestArgmax(t *testing.T) {
	// 1 sample, 2 classes, 3 pixels.
	scores := []float32{
		0.9, 0.2, 0.5, // class 0
		0.1, 0.8, 0.5, // class 1
	}
	got, err := metric.Argmax(scores, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0}, got)

	_, err = metric.Argmax(scores, 4, 3)
	assert.Error(t, err)
}

func TestPixelAccuracy(t *testing.T) {
	acc, err := metric.PixelAccuracy([]int{0, 1, 1, 2}, []int{0, 1, 0, 2})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, acc, 1e-9)

	_, err = metric.PixelAccuracy([]int{0}, []int{0, 1})
	assert.Error(t, err)
}

func TestAllCorrect(t *testing.T) {
	pred := []int{0, 1, 1, 1, 0, 0}
	truth := []int{0, 1, 1, 1, 1, 0}

	// Two samples of 3 units: the first is perfect, the second is not.
	acc, err := metric.AllCorrect(pred, truth, 3)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, acc, 1e-9)

	pixel, err := metric.PixelAccuracy(pred, truth)
	require.NoError(t, err)
	assert.NotEqual(t, pixel, acc)

	_, err = metric.AllCorrect(pred, truth, 4)
	assert.Error(t, err)
}

func TestClassAccuracies(t *testing.T) {
	got, err := metric.ClassAccuracies([]int{0, 1, 0}, []int{0, 1, 1}, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.0, 0.5}, got, 1e-9)
}

func TestClassAccuraciesAbsentClass(t *testing.T) {
	got, err := metric.ClassAccuracies([]int{0, 0, 1}, []int{0, 1, 1}, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.0, 0.5, 1.0}, got, 1e-9)
}

func TestClassAccuraciesCountsOccurrences(t *testing.T) {
	// Every prediction is wrong: a denominator of zero would hide this.
	got, err := metric.ClassAccuracies([]int{1, 0}, []int{0, 1}, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, got)

	_, err = metric.ClassAccuracies([]int{0}, []int{5}, 2)
	assert.Error(t, err)
}

func TestJaccardIndex(t *testing.T) {
	pslice := []int{1, 0, 0, 1, 0, 0, 1, 0, 0}
	tslice := []int{1, 0, 0, 1, 1, 0, 1, 0, 0}

	iou, err := metric.JaccardIndex(pslice, tslice, 2)
	require.NoError(t, err)
	// class 0: 5/6, class 1: 3/4
	assert.InDelta(t, (5.0/6.0+0.75)/2, iou, 1e-9)
}

func TestDiceCoeff(t *testing.T) {
	pslice := []int{1, 0, 0, 1, 0, 0, 1, 0, 0}
	tslice := []int{1, 0, 0, 1, 1, 0, 1, 0, 0}

	dice, err := metric.DiceCoeff(pslice, tslice, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.8571, dice, 1e-4)

	dice, err = metric.DiceCoeff([]int{0, 0}, []int{0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, dice)
}

func TestMeanAndIsFinite(t *testing.T) {
	assert.Equal(t, 0.0, metric.Mean(nil))
	assert.InDelta(t, 2.0, metric.Mean([]float64{1, 2, 3}), 1e-9)

	assert.True(t, metric.IsFinite(0.3))
	assert.False(t, metric.IsFinite(math.NaN()))
	assert.False(t, metric.IsFinite(math.Inf(-1)))
}
