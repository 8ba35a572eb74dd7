package optim

import (
	"fmt"
	"math"
	"strings"
)

// ScheduleKind selects the learning-rate curve that follows warmup.
type ScheduleKind int

const (
	Constant ScheduleKind = iota
	Linear
	Cosine
	InverseSqrt
)

var scheduleNames = map[string]ScheduleKind{
	"constant":     Constant,
	"flat":         Constant,
	"linear":       Linear,
	"cosine":       Cosine,
	"inverse_sqrt": InverseSqrt,
	"inv_sqrt":     InverseSqrt,
}

// ParseScheduleKind maps a scheduler name to its kind. The empty name is
// Constant.
func ParseScheduleKind(name string) (ScheduleKind, error) {
	if name == "" {
		return Constant, nil
	}
	k, ok := scheduleNames[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("optim: unknown scheduler %q", name)
	}
	return k, nil
}

func (k ScheduleKind) String() string {
	switch k {
	case Constant:
		return "constant"
	case Linear:
		return "linear"
	case Cosine:
		return "cosine"
	case InverseSqrt:
		return "inverse_sqrt"
	}
	return fmt.Sprintf("ScheduleKind(%d)", int(k))
}

// Schedule scales the base learning rate by step.
type Schedule struct {
	Kind        ScheduleKind
	WarmupSteps int
	// StartFactor is the factor at step 0 while warming up.
	StartFactor float64
	// TotalSteps is where Linear reaches zero and Cosine completes its half
	// period. Zero disables the decay.
	TotalSteps int
}

// Factor returns the multiplier applied to the base rate at step.
func (s Schedule) Factor(step int) float64 {
	w := s.WarmupSteps
	if step < w {
		return s.StartFactor + (1-s.StartFactor)*float64(step)/float64(w)
	}
	switch s.Kind {
	case Linear:
		return 1 - s.progress(step)
	case Cosine:
		return 0.5 * (1 + math.Cos(math.Pi*s.progress(step)))
	case InverseSqrt:
		return math.Sqrt(float64(max(w, 1)) / float64(max(step, 1)))
	default:
		return 1
	}
}

// progress is the fraction of the post-warmup phase completed, in [0,1].
func (s Schedule) progress(step int) float64 {
	span := s.TotalSteps - s.WarmupSteps
	if span <= 0 {
		return 0
	}
	p := float64(step-s.WarmupSteps) / float64(span)
	return math.Min(1, math.Max(0, p))
}
