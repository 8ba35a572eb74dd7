// Package data turns an on-disk record store into padded training batches:
// Dataset decodes records, samplers group indices under a token budget,
// Collator pads, and Loader runs the whole thing as a prefetching pipeline.
package data

import (
	"fmt"

	"ponalm/internal/store"
	"ponalm/internal/vocab"
)

// Source is the random-access record store a Dataset reads from.
type Source interface {
	Len() int
	Size(i int) int
	Get(i int) ([]byte, error)
}

// Sample is a model-ready token sequence: start marker, record ids, end
// marker.
type Sample struct {
	Index int
	IDs   []int
}

// RecordError reports a record that could not be turned into a sample.
type RecordError struct {
	Index int
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Dataset maps stored records to samples on demand.
type Dataset struct {
	src    Source
	vocab  *vocab.Vocab
	maxLen int
}

// NewDataset wraps src. Samples longer than maxLen tokens, markers included,
// are truncated. maxLen must leave room for at least one record token.
func NewDataset(src Source, v *vocab.Vocab, maxLen int) (*Dataset, error) {
	if maxLen < 3 {
		return nil, fmt.Errorf("dataset: max length %d is below 3", maxLen)
	}
	return &Dataset{src: src, vocab: v, maxLen: maxLen}, nil
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return d.src.Len() }

// MaxLen returns the truncation length.
func (d *Dataset) MaxLen() int { return d.maxLen }

// Vocab returns the vocabulary samples are checked against.
func (d *Dataset) Vocab() *vocab.Vocab { return d.vocab }

// TokenLen returns the length Get(i) will produce, from the index alone.
func (d *Dataset) TokenLen(i int) int {
	return min(store.CountIDs(d.src.Size(i)), d.maxLen-2) + 2
}

// Get decodes sample i.
func (d *Dataset) Get(i int) (Sample, error) {
	payload, err := d.src.Get(i)
	if err != nil {
		return Sample{}, err
	}
	body, err := store.DecodeIDs[int](nil, payload)
	if err != nil {
		return Sample{}, &RecordError{Index: i, Err: err}
	}
	if len(body) > d.maxLen-2 {
		body = body[:d.maxLen-2]
	}
	ids := make([]int, 0, len(body)+2)
	ids = append(ids, d.vocab.StartID())
	for pos, id := range body {
		if !d.vocab.Valid(id) {
			return Sample{}, &RecordError{
				Index: i,
				Err:   fmt.Errorf("%w: id %d at position %d outside vocabulary of %d", store.ErrMalformed, id, pos, d.vocab.Size()),
			}
		}
		ids = append(ids, id)
	}
	ids = append(ids, d.vocab.EndID())
	return Sample{Index: i, IDs: ids}, nil
}
