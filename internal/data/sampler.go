package data

import (
	"fmt"
	"math/rand"
	"sort"
)

// Sampler groups dataset indices into batches. Every index appears in
// exactly one batch of a pass.
type Sampler interface {
	Batches(epoch int) [][]int
}

// Lengths is what a sampler needs to know about a dataset.
type Lengths interface {
	Len() int
	TokenLen(i int) int
	MaxLen() int
}

// BudgetError reports a token budget that cannot hold the longest sample.
type BudgetError struct {
	MaxTokens int
	MaxLen    int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("max tokens %d is smaller than max sample length %d", e.MaxTokens, e.MaxLen)
}

func checkBudget(ds Lengths, maxTokens int) error {
	if maxTokens < ds.MaxLen() {
		return &BudgetError{MaxTokens: maxTokens, MaxLen: ds.MaxLen()}
	}
	return nil
}

// BatchCost is the padded token count of a batch: rows times longest row.
func BatchCost(ds Lengths, batch []int) int {
	longest := 0
	for _, i := range batch {
		longest = max(longest, ds.TokenLen(i))
	}
	return longest * len(batch)
}

// pack splits order into consecutive batches whose padded cost stays within
// maxTokens.
func pack(ds Lengths, order []int, maxTokens int) [][]int {
	var (
		batches [][]int
		cur     []int
		longest int
	)
	for _, i := range order {
		n := ds.TokenLen(i)
		grown := max(longest, n)
		if len(cur) > 0 && grown*(len(cur)+1) > maxTokens {
			batches = append(batches, cur)
			cur, grown = nil, n
		}
		cur = append(cur, i)
		longest = grown
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// FixedSampler yields the same batches on every pass: indices ordered by
// length, then by position, packed greedily.
type FixedSampler struct {
	batches [][]int
}

func NewFixedSampler(ds Lengths, maxTokens int) (*FixedSampler, error) {
	if err := checkBudget(ds, maxTokens); err != nil {
		return nil, err
	}
	order := make([]int, ds.Len())
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return ds.TokenLen(order[a]) < ds.TokenLen(order[b])
	})
	return &FixedSampler{batches: pack(ds, order, maxTokens)}, nil
}

func (s *FixedSampler) Batches(int) [][]int {
	out := make([][]int, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]int(nil), b...)
	}
	return out
}

// RandomSampler shuffles every pass. Indices are sorted by length inside
// large shuffled windows so batches carry little padding, and the batch
// order is shuffled again afterwards. A pass is a pure function of the seed
// and the epoch number.
type RandomSampler struct {
	ds        Lengths
	maxTokens int
	seed      int64
	window    int
}

func NewRandomSampler(ds Lengths, maxTokens int, seed int64) (*RandomSampler, error) {
	if err := checkBudget(ds, maxTokens); err != nil {
		return nil, err
	}
	total := 0
	for i := 0; i < ds.Len(); i++ {
		total += ds.TokenLen(i)
	}
	perBatch := 1
	if total > 0 {
		perBatch = max(1, maxTokens*ds.Len()/total)
	}
	return &RandomSampler{
		ds:        ds,
		maxTokens: maxTokens,
		seed:      seed,
		window:    100 * perBatch,
	}, nil
}

func (s *RandomSampler) Batches(epoch int) [][]int {
	rnd := rand.New(rand.NewSource(s.seed + int64(epoch)*1_000_003))
	order := rnd.Perm(s.ds.Len())
	for lo := 0; lo < len(order); lo += s.window {
		hi := min(lo+s.window, len(order))
		w := order[lo:hi]
		sort.SliceStable(w, func(a, b int) bool {
			return s.ds.TokenLen(w[a]) < s.ds.TokenLen(w[b])
		})
	}
	batches := pack(s.ds, order, s.maxTokens)
	rnd.Shuffle(len(batches), func(i, j int) {
		batches[i], batches[j] = batches[j], batches[i]
	})
	return batches
}
