package dutil_test

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/unetseg/dutil"
)

type intDataset []int

func (d intDataset) Len() int { return len(d) }

func (d intDataset) Item(idx int) (int, error) {
	if idx < 0 || idx >= len(d) {
		return 0, errors.Errorf("index %d out of range", idx)
	}
	return d[idx], nil
}

func collect(t *testing.T, s *dutil.BatchSampler) [][]int {
	var batches [][]int
	for s.HasNext() {
		b, err := s.Next()
		require.NoError(t, err)
		batches = append(batches, append([]int(nil), b...))
	}
	return batches
}

func TestBatchSamplerPartitions(t *testing.T) {
	for _, tc := range []struct {
		n, batch int
		sizes    []int
	}{
		{n: 10, batch: 3, sizes: []int{3, 3, 3, 1}},
		{n: 9, batch: 3, sizes: []int{3, 3, 3}},
		{n: 2, batch: 32, sizes: []int{2}},
		{n: 1, batch: 1, sizes: []int{1}},
	} {
		s, err := dutil.NewBatchSampler(tc.n, tc.batch, false, true)
		require.NoError(t, err)
		s.WithRand(rand.New(rand.NewSource(7)))

		for epoch := 0; epoch < 3; epoch++ {
			batches := collect(t, s)
			var sizes, all []int
			for _, b := range batches {
				sizes = append(sizes, len(b))
				all = append(all, b...)
			}
			assert.Equal(t, tc.sizes, sizes)
			sort.Ints(all)
			for i := range all {
				assert.Equal(t, i, all[i], "every index exactly once")
			}
			assert.Len(t, all, tc.n)
			s.Reset()
		}
	}
}

func TestBatchSamplerShufflesEachPass(t *testing.T) {
	s, err := dutil.NewBatchSampler(50, 50, false, true)
	require.NoError(t, err)
	s.WithRand(rand.New(rand.NewSource(1)))

	first := collect(t, s)[0]
	s.Reset()
	second := collect(t, s)[0]
	assert.NotEqual(t, first, second)
}

func TestBatchSamplerDropLast(t *testing.T) {
	s, err := dutil.NewBatchSampler(10, 3, true, false)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}}, collect(t, s))

	_, err = s.Next()
	assert.Error(t, err)
}

func TestBatchSamplerInvalid(t *testing.T) {
	_, err := dutil.NewBatchSampler(0, 3, false)
	assert.Error(t, err)
	_, err = dutil.NewBatchSampler(3, 0, false)
	assert.Error(t, err)
}

func TestDataLoader(t *testing.T) {
	ds := intDataset{10, 11, 12, 13, 14}
	s, err := dutil.NewBatchSampler(ds.Len(), 2, false, false)
	require.NoError(t, err)
	dl, err := dutil.NewDataLoader[int](ds, s)
	require.NoError(t, err)
	assert.Equal(t, 3, dl.Len())

	var got [][]int
	for dl.HasNext() {
		items, err := dl.Next()
		require.NoError(t, err)
		got = append(got, items)
	}
	assert.Equal(t, [][]int{{10, 11}, {12, 13}, {14}}, got)
	assert.Equal(t, []int{4}, dl.Indices())

	dl.Reset()
	assert.True(t, dl.HasNext())

	small, err := dutil.NewBatchSampler(3, 2, false)
	require.NoError(t, err)
	_, err = dutil.NewDataLoader[int](ds, small)
	assert.Error(t, err)
}
