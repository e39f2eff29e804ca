package unet_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetseg/unet"
)

func TestCrossEntropy(t *testing.T) {
	if testing.Short() {
		t.Skip("needs libtorch")
	}

	// [1 2 1 2]: two pixels, two classes.
	logits := ts.MustOfSlice([]float32{0, 0, 1, 0}).MustView([]int64{1, 2, 1, 2}, true)
	teacher := ts.MustOfSlice([]float32{1, 0, 0, 1}).MustView([]int64{1, 2, 1, 2}, true)

	loss, err := unet.CrossEntropy(logits, teacher)
	require.NoError(t, err)
	got := loss.Float64Values()[0]

	// pixel 0: logits (0, 1), truth 0 -> log(1+e)
	// pixel 1: logits (0, 0), truth 1 -> log(2)
	want := (math.Log(1+math.E) + math.Log(2)) / 2
	assert.InDelta(t, want, got, 1e-5)
}

func TestCrossEntropyShapeMismatch(t *testing.T) {
	if testing.Short() {
		t.Skip("needs libtorch")
	}

	logits := ts.MustOfSlice([]float32{0, 0, 1, 0}).MustView([]int64{1, 2, 1, 2}, true)
	teacher := ts.MustOfSlice([]float32{1, 0, 0, 0, 1, 0}).MustView([]int64{1, 3, 1, 2}, true)
	_, err := unet.CrossEntropy(logits, teacher)
	assert.Error(t, err)

	flat := ts.MustOfSlice([]float32{0, 1}).MustView([]int64{1, 2}, true)
	_, err = unet.CrossEntropy(flat, flat)
	assert.Error(t, err)
}
