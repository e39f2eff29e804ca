package dutil

import (
	"math/rand"

	"github.com/pkg/errors"
)

// BatchSampler yields batches of sample indices over [0, n).
//
// Each Reset draws a fresh order (when shuffling) and re-partitions it, so
// every index appears exactly once per pass. The last batch holds the
// remainder unless dropLast is set.
type BatchSampler struct {
	n         int
	batchSize int
	dropLast  bool
	shuffle   bool
	rng       *rand.Rand

	batches [][]int
	current int
}

// NewBatchSampler creates a BatchSampler over n samples. A batchSize larger
// than n yields a single batch with every sample.
func NewBatchSampler(n, batchSize int, dropLast bool, shuffleOpt ...bool) (*BatchSampler, error) {
	if n <= 0 {
		return nil, errors.Errorf("invalid number of samples %d", n)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	shuffle := false
	if len(shuffleOpt) > 0 {
		shuffle = shuffleOpt[0]
	}

	s := &BatchSampler{
		n:         n,
		batchSize: batchSize,
		dropLast:  dropLast,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}
	s.Reset()

	return s, nil
}

// WithRand replaces the random source used for shuffling and starts a new pass.
func (s *BatchSampler) WithRand(rng *rand.Rand) *BatchSampler {
	s.rng = rng
	s.Reset()
	return s
}

// Reset starts a new pass over the samples.
func (s *BatchSampler) Reset() {
	var order []int
	if s.shuffle {
		order = s.rng.Perm(s.n)
	} else {
		order = make([]int, s.n)
		for i := range order {
			order[i] = i
		}
	}

	s.batches = s.batches[:0]
	for start := 0; start < s.n; start += s.batchSize {
		end := start + s.batchSize
		if end > s.n {
			if s.dropLast && start > 0 {
				break
			}
			end = s.n
		}
		s.batches = append(s.batches, order[start:end])
	}
	s.current = 0
}

// Len returns the number of batches in one pass.
func (s *BatchSampler) Len() int {
	return len(s.batches)
}

// Size returns the number of samples the sampler covers.
func (s *BatchSampler) Size() int {
	return s.n
}

// HasNext reports whether the current pass has batches left.
func (s *BatchSampler) HasNext() bool {
	return s.current < len(s.batches)
}

// Next returns the indices of the next batch.
func (s *BatchSampler) Next() ([]int, error) {
	if !s.HasNext() {
		return nil, errors.New("batch sampler exhausted, call Reset to start a new pass")
	}
	batch := s.batches[s.current]
	s.current++

	return batch, nil
}
