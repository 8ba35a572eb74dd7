// Package loss computes the label-smoothed next-token cross-entropy and its
// gradient with respect to the logits.
package loss

import (
	"fmt"
	"math"
)

// Calc computes the training loss.
type Calc struct {
	// LabelSmoothing moves this much probability mass from the gold token
	// to the other tokens, evenly.
	LabelSmoothing float64
}

// Result is the outcome of one Compute call.
type Result struct {
	// Loss is the mean over scored positions.
	Loss float64
	Sum  float64
	// Tokens is the number of scored positions.
	Tokens int
	// DLogits is d(Loss)/d(logits). Rows of padded positions are zero.
	DLogits [][]float64
}

// Validate reports whether the smoothing factor is usable.
func (c Calc) Validate() error {
	if c.LabelSmoothing < 0 || c.LabelSmoothing >= 1 || math.IsNaN(c.LabelSmoothing) {
		return fmt.Errorf("loss: label smoothing %v outside [0,1)", c.LabelSmoothing)
	}
	return nil
}

// Compute scores every row of logits whose target is not padID.
func (c Calc) Compute(logits [][]float64, targets []int, padID int) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}
	if len(logits) != len(targets) {
		return Result{}, fmt.Errorf("loss: %d logits rows for %d targets", len(logits), len(targets))
	}

	res := Result{DLogits: make([][]float64, len(logits))}
	eps := c.LabelSmoothing
	for i, row := range logits {
		res.DLogits[i] = make([]float64, len(row))
		tgt := targets[i]
		if tgt == padID {
			continue
		}
		v := len(row)
		if tgt < 0 || tgt >= v {
			return Result{}, fmt.Errorf("loss: target %d outside vocabulary of %d at row %d", tgt, v, i)
		}
		off := 0.0
		if v > 1 {
			off = eps / float64(v-1)
		}

		lse := logSumExp(row)
		d := res.DLogits[i]
		for j, z := range row {
			q := off
			if j == tgt {
				q = 1 - eps
			}
			logp := z - lse
			if q > 0 {
				res.Sum -= q * logp
			}
			d[j] = math.Exp(logp) - q
		}
		res.Tokens++
	}

	if res.Tokens == 0 {
		return res, nil
	}
	n := float64(res.Tokens)
	res.Loss = res.Sum / n
	for i, d := range res.DLogits {
		if targets[i] == padID {
			continue
		}
		for j := range d {
			d[j] /= n
		}
	}
	return res, nil
}

func logSumExp(row []float64) float64 {
	m := math.Inf(-1)
	for _, z := range row {
		m = math.Max(m, z)
	}
	if math.IsInf(m, 0) {
		return m
	}
	var s float64
	for _, z := range row {
		s += math.Exp(z - m)
	}
	return m + math.Log(s)
}

// Perplexity converts a mean token loss to perplexity.
func Perplexity(meanLoss float64) float64 {
	return math.Exp(meanLoss)
}
