package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"ponalm/internal/data"
	"ponalm/internal/vocab"
)

// GenConfig controls sampling.
type GenConfig struct {
	MaxTokens int
	// Temp <= 0 means 1.
	Temp float64
	TopK int
	// TopP outside (0,1) disables nucleus filtering.
	TopP float64
	// RepetitionPenalty divides the probability of already generated ids by
	// 1 + penalty*count.
	RepetitionPenalty float64
	// Context caps how many trailing tokens are fed back to the model.
	Context int
	Seed    int64
}

// Generate continues prefix until MaxTokens ids were sampled or the end
// marker is produced. The returned ids exclude the start marker and prefix.
func Generate(m Model, v *vocab.Vocab, prefix []int, cfg GenConfig) ([]int, error) {
	if cfg.MaxTokens <= 0 {
		return nil, nil
	}
	ctxLen := cfg.Context
	if ctxLen <= 0 {
		ctxLen = 256
	}
	rnd := rand.New(rand.NewSource(cfg.Seed))
	col := &data.Collator{Vocab: v}

	seq := append([]int{v.StartID()}, prefix...)
	var out []int
	seen := make(map[int]int)
	for len(out) < cfg.MaxTokens {
		window := seq[max(0, len(seq)-ctxLen):]
		b, err := col.Collate([]data.Sample{{IDs: window}})
		if err != nil {
			return out, err
		}
		pass, err := m.Forward(b, false)
		if err != nil {
			return out, fmt.Errorf("generate: %w", err)
		}
		probs := softmaxTemp(pass.Logits[len(window)-1], cfg.Temp)

		if cfg.RepetitionPenalty > 0 {
			for id, n := range seen {
				probs[id] /= 1 + cfg.RepetitionPenalty*float64(n)
			}
			normalize(probs)
		}
		// Never emit padding or the start marker.
		probs[v.PadID()], probs[v.StartID()] = 0, 0
		normalize(probs)
		if cfg.TopK > 0 {
			probs = topK(probs, cfg.TopK)
		}
		if cfg.TopP > 0 && cfg.TopP < 1 {
			probs = topP(probs, cfg.TopP)
		}

		id := choice(rnd, probs)
		if id == v.EndID() {
			break
		}
		out = append(out, id)
		seq = append(seq, id)
		seen[id]++
	}
	return out, nil
}

func softmax(logits []float64) []float64 {
	maxv := math.Inf(-1)
	for _, v := range logits {
		maxv = math.Max(maxv, v)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func softmaxTemp(logits []float64, temp float64) []float64 {
	if temp <= 0 {
		temp = 1
	}
	scaled := make([]float64, len(logits))
	for i, v := range logits {
		scaled[i] = v / temp
	}
	return softmax(scaled)
}

func normalize(p []float64) {
	var s float64
	for _, v := range p {
		s += v
	}
	if s <= 0 {
		return
	}
	for i := range p {
		p[i] /= s
	}
}

type ranked struct {
	id int
	p  float64
}

func rank(probs []float64) []ranked {
	arr := make([]ranked, len(probs))
	for i, p := range probs {
		arr[i] = ranked{i, p}
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].p > arr[j].p })
	return arr
}

func keepRanked(n int, probs []float64, arr []ranked) []float64 {
	out := make([]float64, len(probs))
	var s float64
	for _, e := range arr[:n] {
		out[e.id] = e.p
		s += e.p
	}
	if s == 0 {
		return probs
	}
	for i := range out {
		out[i] /= s
	}
	return out
}

func topK(probs []float64, k int) []float64 {
	if k <= 0 || k >= len(probs) {
		return probs
	}
	return keepRanked(k, probs, rank(probs))
}

func topP(probs []float64, p float64) []float64 {
	arr := rank(probs)
	var cum float64
	n := 0
	for n < len(arr) {
		cum += arr[n].p
		n++
		if cum >= p {
			break
		}
	}
	return keepRanked(n, probs, arr)
}

func choice(rnd *rand.Rand, probs []float64) int {
	r := rnd.Float64()
	var cum float64
	last := 0
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		cum += p
		last = i
		if r < cum {
			return i
		}
	}
	return last
}
