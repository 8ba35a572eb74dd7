package data

import (
	"fmt"

	"gorgonia.org/tensor"

	"ponalm/internal/vocab"
)

// Batch is a right-padded [rows, width] token matrix with its mask.
type Batch struct {
	// Indices are the dataset positions of the rows, in row order.
	Indices []int
	// Lengths are the unpadded row lengths.
	Lengths []int
	// Tokens holds int token ids, shape [rows, width].
	Tokens *tensor.Dense
	// Mask holds 1 for real tokens and 0 for padding, shape [rows, width].
	Mask *tensor.Dense
	// PadID is the id used for padding.
	PadID int
}

// Rows returns the number of sequences in the batch.
func (b *Batch) Rows() int { return len(b.Indices) }

// Width returns the padded sequence length.
func (b *Batch) Width() int { return b.Tokens.Shape()[1] }

// IDs returns the flat token backing in row-major order.
func (b *Batch) IDs() []int { return b.Tokens.Data().([]int) }

// MaskData returns the flat mask backing in row-major order.
func (b *Batch) MaskData() []float64 { return b.Mask.Data().([]float64) }

// Row returns the padded ids of row r. The slice aliases the batch.
func (b *Batch) Row(r int) []int {
	w := b.Width()
	return b.IDs()[r*w : (r+1)*w]
}

// NumTokens counts real, unpadded tokens.
func (b *Batch) NumTokens() int {
	n := 0
	for _, l := range b.Lengths {
		n += l
	}
	return n
}

// Decollate strips the padding using the mask and returns the original
// sequences in row order.
func (b *Batch) Decollate() [][]int {
	w := b.Width()
	ids, mask := b.IDs(), b.MaskData()
	out := make([][]int, b.Rows())
	for r := range out {
		seq := make([]int, 0, w)
		for t := 0; t < w; t++ {
			if mask[r*w+t] != 0 {
				seq = append(seq, ids[r*w+t])
			}
		}
		out[r] = seq
	}
	return out
}

// Collator merges samples into one padded batch.
type Collator struct {
	Vocab *vocab.Vocab
}

// Collate pads samples to the longest one with the vocabulary's pad id. Row
// order follows samples.
func (c *Collator) Collate(samples []Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("collate: empty batch")
	}
	width := 0
	for _, s := range samples {
		width = max(width, len(s.IDs))
	}
	if width == 0 {
		return nil, fmt.Errorf("collate: all samples are empty")
	}

	pad := c.Vocab.PadID()
	rows := len(samples)
	ids := make([]int, rows*width)
	mask := make([]float64, rows*width)
	b := &Batch{
		Indices: make([]int, rows),
		Lengths: make([]int, rows),
		PadID:   pad,
	}
	for r, s := range samples {
		b.Indices[r] = s.Index
		b.Lengths[r] = len(s.IDs)
		row := ids[r*width : (r+1)*width]
		for t := range row {
			if t < len(s.IDs) {
				row[t] = s.IDs[t]
				mask[r*width+t] = 1
			} else {
				row[t] = pad
			}
		}
	}
	b.Tokens = tensor.New(tensor.WithShape(rows, width), tensor.WithBacking(ids))
	b.Mask = tensor.New(tensor.WithShape(rows, width), tensor.WithBacking(mask))
	return b, nil
}
