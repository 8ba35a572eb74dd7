// Package optim updates model parameters: global-norm gradient clipping, a
// warmup-then-decay learning-rate schedule and AdamW.
package optim

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"ponalm/internal/model"
)

// NumericalError reports a non-finite gradient.
type NumericalError struct {
	Step  int
	Param string
	Norm  float64
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("optim: non-finite gradient norm %v in %s at step %d", e.Norm, e.Param, e.Step)
}

// Options configures an Opter. Zero Beta1, Beta2 and Eps take the usual
// Adam defaults.
type Options struct {
	// MaxGradNorm clips the global gradient norm. Zero disables clipping.
	MaxGradNorm float64
	Scheduler   string
	WarmupSteps int
	StartFactor float64
	TotalSteps  int
	WeightDecay float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	// Guard is held exclusively during Step.
	Guard sync.Locker
}

// Stats describes one update.
type Stats struct {
	// Norm is the global gradient norm before clipping.
	Norm    float64
	Clipped bool
	LR      float64
}

// State is the serializable optimizer state.
type State struct {
	Step int
	M    map[string][]float64
	V    map[string][]float64
}

// Opter applies AdamW updates to a fixed parameter set.
type Opter struct {
	params []*model.Param
	lr     float64
	opts   Options
	sched  Schedule
	step   int
	m, v   [][]float64
}

// New builds an Opter for params with base learning rate lr.
func New(params []*model.Param, lr float64, opts Options) (*Opter, error) {
	kind, err := ParseScheduleKind(opts.Scheduler)
	if err != nil {
		return nil, err
	}
	if lr <= 0 || math.IsNaN(lr) || math.IsInf(lr, 0) {
		return nil, fmt.Errorf("optim: learning rate must be positive and finite, got %v", lr)
	}
	if opts.MaxGradNorm < 0 {
		return nil, fmt.Errorf("optim: max grad norm %v is negative", opts.MaxGradNorm)
	}
	if opts.Beta1 == 0 {
		opts.Beta1 = 0.9
	}
	if opts.Beta2 == 0 {
		opts.Beta2 = 0.999
	}
	if opts.Eps == 0 {
		opts.Eps = 1e-8
	}
	o := &Opter{
		params: params,
		lr:     lr,
		opts:   opts,
		sched: Schedule{
			Kind:        kind,
			WarmupSteps: opts.WarmupSteps,
			StartFactor: opts.StartFactor,
			TotalSteps:  opts.TotalSteps,
		},
		m: make([][]float64, len(params)),
		v: make([][]float64, len(params)),
	}
	for i, p := range params {
		o.m[i] = make([]float64, len(p.Data))
		o.v[i] = make([]float64, len(p.Data))
	}
	return o, nil
}

// LR returns the learning rate the next Step will use.
func (o *Opter) LR() float64 { return o.lr * o.sched.Factor(o.step) }

// StepCount returns the number of updates applied.
func (o *Opter) StepCount() int { return o.step }

// Schedule returns the learning-rate schedule.
func (o *Opter) Schedule() Schedule { return o.sched }

// SetTotalSteps sets the decay horizon once the number of batches is known.
func (o *Opter) SetTotalSteps(n int) { o.sched.TotalSteps = n }

// GradNorm returns the global L2 norm of the accumulated gradients.
func (o *Opter) GradNorm() float64 {
	var sq float64
	for _, p := range o.params {
		n := floats.Norm(p.Grad, 2)
		sq += n * n
	}
	return math.Sqrt(sq)
}

// ClipGradNorm rescales the gradients so their global norm is at most limit
// and returns the norm before clipping.
func (o *Opter) ClipGradNorm(limit float64) float64 {
	norm := o.GradNorm()
	o.clip(norm, limit)
	return norm
}

func (o *Opter) clip(norm, limit float64) bool {
	if limit <= 0 || norm <= limit {
		return false
	}
	scale := limit / norm
	for _, p := range o.params {
		floats.Scale(scale, p.Grad)
	}
	return true
}

// Step clips the gradients, applies one AdamW update, zeroes the gradients
// and advances the schedule. A non-finite gradient leaves the parameters
// untouched.
func (o *Opter) Step() (Stats, error) {
	if o.opts.Guard != nil {
		o.opts.Guard.Lock()
		defer o.opts.Guard.Unlock()
	}

	norm := o.GradNorm()
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		err := &NumericalError{Step: o.step, Param: "all", Norm: norm}
		for _, p := range o.params {
			if n := floats.Norm(p.Grad, 2); math.IsNaN(n) || math.IsInf(n, 0) {
				err.Param = p.Name
				break
			}
		}
		for _, p := range o.params {
			p.ZeroGrad()
		}
		return Stats{Norm: norm}, err
	}

	st := Stats{Norm: norm, LR: o.LR()}
	st.Clipped = o.clip(norm, o.opts.MaxGradNorm)

	o.step++
	b1, b2 := o.opts.Beta1, o.opts.Beta2
	c1 := 1 - math.Pow(b1, float64(o.step))
	c2 := 1 - math.Pow(b2, float64(o.step))
	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		decay := 0.0
		if p.Decay {
			decay = o.opts.WeightDecay
		}
		for j, g := range p.Grad {
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			mh, vh := m[j]/c1, v[j]/c2
			p.Data[j] -= st.LR * (mh/(math.Sqrt(vh)+o.opts.Eps) + decay*p.Data[j])
		}
		p.ZeroGrad()
	}
	return st, nil
}

// State copies the optimizer state keyed by parameter name.
func (o *Opter) State() State {
	s := State{
		Step: o.step,
		M:    make(map[string][]float64, len(o.params)),
		V:    make(map[string][]float64, len(o.params)),
	}
	for i, p := range o.params {
		s.M[p.Name] = append([]float64(nil), o.m[i]...)
		s.V[p.Name] = append([]float64(nil), o.v[i]...)
	}
	return s
}

// Restore replaces the optimizer state. Every parameter must be present
// with a matching size.
func (o *Opter) Restore(s State) error {
	for _, p := range o.params {
		m, v := s.M[p.Name], s.V[p.Name]
		if len(m) != len(p.Data) || len(v) != len(p.Data) {
			return fmt.Errorf("optim: state for %s has %d/%d values, want %d", p.Name, len(m), len(v), len(p.Data))
		}
	}
	for i, p := range o.params {
		copy(o.m[i], s.M[p.Name])
		copy(o.v[i], s.V[p.Name])
	}
	o.step = s.Step
	return nil
}
