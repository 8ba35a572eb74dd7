package loss

import (
	"math"
	"testing"
)

const pad = 0

func TestPlainCrossEntropy(t *testing.T) {
	logits := [][]float64{{1, 2, 3}, {0, 0, 0}}
	res, err := Calc{}.Compute(logits, []int{2, 1}, pad)
	if err != nil {
		t.Fatal(err)
	}
	ce0 := -math.Log(math.Exp(3) / (math.Exp(1) + math.Exp(2) + math.Exp(3)))
	ce1 := math.Log(3)
	if want := (ce0 + ce1) / 2; math.Abs(res.Loss-want) > 1e-12 {
		t.Fatalf("loss = %v, want %v", res.Loss, want)
	}
	if res.Tokens != 2 {
		t.Fatalf("tokens = %d", res.Tokens)
	}
}

func TestPadContributesNothing(t *testing.T) {
	calc := Calc{LabelSmoothing: 0.1}
	a, err := calc.Compute([][]float64{{0.5, 1, -1}}, []int{1}, pad)
	if err != nil {
		t.Fatal(err)
	}
	b, err := calc.Compute([][]float64{{0.5, 1, -1}, {9, -3, 4}}, []int{1, pad}, pad)
	if err != nil {
		t.Fatal(err)
	}
	if a.Loss != b.Loss || b.Tokens != 1 {
		t.Fatalf("pad changed loss: %v vs %v", a.Loss, b.Loss)
	}
	for _, g := range b.DLogits[1] {
		if g != 0 {
			t.Fatalf("pad row has gradient %v", b.DLogits[1])
		}
	}
}

func TestSmoothingPenalizesConfidence(t *testing.T) {
	logits := [][]float64{{-10, 10, -10, -10}}
	plain, _ := Calc{}.Compute(logits, []int{1}, pad)
	smooth, _ := Calc{LabelSmoothing: 0.2}.Compute(logits, []int{1}, pad)
	if smooth.Loss <= plain.Loss {
		t.Fatalf("smoothed loss %v not above plain %v", smooth.Loss, plain.Loss)
	}
}

func TestGradientFiniteDifference(t *testing.T) {
	logits := [][]float64{{0.3, -1.2, 2.0, 0.1}, {1, 1, 0.5, -0.5}, {2, 0, 0, 0}}
	targets := []int{2, 3, pad}
	calc := Calc{LabelSmoothing: 0.15}
	res, err := calc.Compute(logits, targets, pad)
	if err != nil {
		t.Fatal(err)
	}
	const h = 1e-6
	for i := range logits {
		for j := range logits[i] {
			orig := logits[i][j]
			logits[i][j] = orig + h
			up, _ := calc.Compute(logits, targets, pad)
			logits[i][j] = orig - h
			down, _ := calc.Compute(logits, targets, pad)
			logits[i][j] = orig
			num := (up.Loss - down.Loss) / (2 * h)
			if math.Abs(num-res.DLogits[i][j]) > 1e-6 {
				t.Errorf("d[%d][%d]: analytic %v, numeric %v", i, j, res.DLogits[i][j], num)
			}
		}
	}
}

func TestComputeErrors(t *testing.T) {
	if _, err := (Calc{LabelSmoothing: 1}).Compute(nil, nil, pad); err == nil {
		t.Error("accepted smoothing 1")
	}
	if _, err := (Calc{}).Compute([][]float64{{1, 2}}, []int{1, 1}, pad); err == nil {
		t.Error("accepted mismatched lengths")
	}
	if _, err := (Calc{}).Compute([][]float64{{1, 2}}, []int{5}, pad); err == nil {
		t.Error("accepted out-of-range target")
	}
}

func TestAllPadded(t *testing.T) {
	res, err := Calc{}.Compute([][]float64{{1, 2}}, []int{pad}, pad)
	if err != nil {
		t.Fatal(err)
	}
	if res.Tokens != 0 || res.Loss != 0 {
		t.Fatalf("result = %+v", res)
	}
}
