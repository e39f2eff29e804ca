package dutil

import (
	"github.com/pkg/errors"
)

// Dataset is a random-access collection of items.
type Dataset[T any] interface {
	Len() int
	Item(idx int) (T, error)
}

// DataLoader fetches dataset items batch by batch in the order given by a
// BatchSampler.
type DataLoader[T any] struct {
	dataset Dataset[T]
	sampler *BatchSampler
	indices []int
}

// NewDataLoader creates a DataLoader. The sampler must cover exactly the
// dataset.
func NewDataLoader[T any](ds Dataset[T], s *BatchSampler) (*DataLoader[T], error) {
	if ds == nil || s == nil {
		return nil, errors.New("dataset and sampler are required")
	}
	if ds.Len() != s.Size() {
		return nil, errors.Errorf("sampler covers %d samples but dataset has %d", s.Size(), ds.Len())
	}

	return &DataLoader[T]{dataset: ds, sampler: s}, nil
}

// HasNext reports whether the current pass has batches left.
func (dl *DataLoader[T]) HasNext() bool {
	return dl.sampler.HasNext()
}

// Next loads the items of the next batch.
func (dl *DataLoader[T]) Next() ([]T, error) {
	idxs, err := dl.sampler.Next()
	if err != nil {
		return nil, err
	}
	dl.indices = idxs

	items := make([]T, 0, len(idxs))
	for _, i := range idxs {
		item, err := dl.dataset.Item(i)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load item %d", i)
		}
		items = append(items, item)
	}

	return items, nil
}

// Indices returns the dataset indices of the batch last returned by Next.
func (dl *DataLoader[T]) Indices() []int {
	return dl.indices
}

// Len returns the number of batches per pass.
func (dl *DataLoader[T]) Len() int {
	return dl.sampler.Len()
}

// Reset starts a new pass, reshuffling if the sampler shuffles.
func (dl *DataLoader[T]) Reset() {
	dl.sampler.Reset()
	dl.indices = nil
}
