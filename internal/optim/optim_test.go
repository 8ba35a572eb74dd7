package optim

import (
	"errors"
	"math"
	"sync"
	"testing"

	"ponalm/internal/model"
)

func param(name string, decay bool, data, grad []float64) *model.Param {
	return &model.Param{Name: name, Shape: []int{len(data)}, Data: data, Grad: grad, Decay: decay}
}

func TestClipToMaxNorm(t *testing.T) {
	w := param("w", true, []float64{0, 0}, []float64{3, 4})
	b := param("b", false, []float64{0}, []float64{12})
	o, err := New([]*model.Param{w, b}, 0.1, Options{MaxGradNorm: 1})
	if err != nil {
		t.Fatal(err)
	}
	if pre := o.ClipGradNorm(1); math.Abs(pre-13) > 1e-12 {
		t.Fatalf("pre-clip norm = %v, want 13", pre)
	}
	if got := o.GradNorm(); math.Abs(got-1) > 1e-12 {
		t.Fatalf("post-clip norm = %v, want 1", got)
	}
	// Below the limit nothing changes.
	if o.ClipGradNorm(5); math.Abs(o.GradNorm()-1) > 1e-12 {
		t.Fatalf("norm changed below limit: %v", o.GradNorm())
	}

	w.Grad = []float64{3, 4}
	b.Grad = []float64{12}
	st, err := o.Step()
	if err != nil {
		t.Fatal(err)
	}
	if !st.Clipped || math.Abs(st.Norm-13) > 1e-12 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStepZeroesGrads(t *testing.T) {
	w := param("w", true, []float64{1, 1}, []float64{0.5, -0.5})
	o, err := New([]*model.Param{w}, 0.01, Options{Guard: &sync.Mutex{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Step(); err != nil {
		t.Fatal(err)
	}
	if w.Grad[0] != 0 || w.Grad[1] != 0 {
		t.Fatalf("grads not zeroed: %v", w.Grad)
	}
	// Adam's first step moves each weight by about lr against its gradient.
	if math.Abs(w.Data[0]-0.99) > 1e-6 || math.Abs(w.Data[1]-1.01) > 1e-6 {
		t.Fatalf("data = %v", w.Data)
	}
	if o.StepCount() != 1 {
		t.Fatalf("step count = %d", o.StepCount())
	}
}

func TestWeightDecaySkipsBiases(t *testing.T) {
	w := param("w", true, []float64{2}, []float64{0})
	b := param("b", false, []float64{2}, []float64{0})
	o, err := New([]*model.Param{w, b}, 0.1, Options{WeightDecay: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Step(); err != nil {
		t.Fatal(err)
	}
	if b.Data[0] != 2 {
		t.Fatalf("bias decayed to %v", b.Data[0])
	}
	if want := 2 - 0.1*0.5*2; math.Abs(w.Data[0]-want) > 1e-12 {
		t.Fatalf("weight = %v, want %v", w.Data[0], want)
	}
}

func TestNonFiniteGradient(t *testing.T) {
	w := param("w", true, []float64{1}, []float64{0})
	b := param("b", false, []float64{1}, []float64{math.NaN()})
	o, err := New([]*model.Param{w, b}, 0.1, Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = o.Step()
	var ne *NumericalError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NumericalError, got %v", err)
	}
	if ne.Param != "b" {
		t.Fatalf("param = %q, want b", ne.Param)
	}
	if w.Data[0] != 1 || b.Data[0] != 1 {
		t.Fatal("parameters changed on a failed step")
	}
}

func TestWarmupMonotonic(t *testing.T) {
	for _, kind := range []ScheduleKind{Constant, Linear, Cosine, InverseSqrt} {
		s := Schedule{Kind: kind, WarmupSteps: 10, StartFactor: 0.1, TotalSteps: 100}
		if got := s.Factor(0); math.Abs(got-0.1) > 1e-12 {
			t.Errorf("%v: factor(0) = %v", kind, got)
		}
		prev := s.Factor(0)
		for step := 1; step <= 10; step++ {
			f := s.Factor(step)
			if f <= prev {
				t.Errorf("%v: factor(%d) = %v not above %v", kind, step, f, prev)
			}
			prev = f
		}
		if got := s.Factor(10); math.Abs(got-1) > 1e-12 {
			t.Errorf("%v: factor(warmup) = %v", kind, got)
		}
	}
}

func TestDecay(t *testing.T) {
	lin := Schedule{Kind: Linear, WarmupSteps: 10, TotalSteps: 110}
	if got := lin.Factor(60); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("linear midpoint = %v", got)
	}
	if got := lin.Factor(500); got != 0 {
		t.Errorf("linear past end = %v", got)
	}
	cos := Schedule{Kind: Cosine, WarmupSteps: 10, TotalSteps: 110}
	if got := cos.Factor(60); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("cosine midpoint = %v", got)
	}
	inv := Schedule{Kind: InverseSqrt, WarmupSteps: 4}
	if got := inv.Factor(16); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("inverse_sqrt(16) = %v", got)
	}
}

func TestParseScheduleKind(t *testing.T) {
	for name, want := range map[string]ScheduleKind{
		"":         Constant,
		"flat":     Constant,
		"Linear":   Linear,
		"cosine":   Cosine,
		"inv_sqrt": InverseSqrt,
	} {
		got, err := ParseScheduleKind(name)
		if err != nil || got != want {
			t.Errorf("%q: got %v, %v", name, got, err)
		}
	}
	if _, err := ParseScheduleKind("step"); err == nil {
		t.Error("expected error for unknown scheduler")
	}
	if _, err := New(nil, 0.1, Options{Scheduler: "step"}); err == nil {
		t.Error("New accepted unknown scheduler")
	}
}

func TestStateRoundTrip(t *testing.T) {
	w := param("w", true, []float64{1, 2}, []float64{0.1, 0.2})
	o, _ := New([]*model.Param{w}, 0.01, Options{})
	if _, err := o.Step(); err != nil {
		t.Fatal(err)
	}
	s := o.State()

	w2 := param("w", true, append([]float64(nil), w.Data...), []float64{0, 0})
	o2, _ := New([]*model.Param{w2}, 0.01, Options{})
	if err := o2.Restore(s); err != nil {
		t.Fatal(err)
	}
	if o2.StepCount() != 1 {
		t.Fatalf("restored step = %d", o2.StepCount())
	}
	w.Grad = []float64{0.3, -0.1}
	w2.Grad = []float64{0.3, -0.1}
	o.Step()
	o2.Step()
	for i := range w.Data {
		if w.Data[i] != w2.Data[i] {
			t.Fatalf("diverged after restore: %v vs %v", w.Data, w2.Data)
		}
	}

	s.M["w"] = s.M["w"][:1]
	if err := o2.Restore(s); err == nil {
		t.Fatal("expected size mismatch error")
	}
}
