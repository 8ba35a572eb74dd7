package train

import (
	"fmt"
	"math"
)

// State is the phase the Trainer is in.
type State int

const (
	Idle State = iota
	Training
	Validating
	Checkpointing
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Training:
		return "training"
	case Validating:
		return "validating"
	case Checkpointing:
		return "checkpointing"
	case Done:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// NumericalError aborts a run whose loss or gradient stopped being finite.
type NumericalError struct {
	Epoch   int
	Step    int
	Indices []int
	Loss    float64
	// Err is the optimizer's error when the gradient was at fault.
	Err error
}

func (e *NumericalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("train: epoch %d step %d batch %v: %v", e.Epoch, e.Step, e.Indices, e.Err)
	}
	return fmt.Sprintf("train: non-finite loss %v at epoch %d step %d, batch %v", e.Loss, e.Epoch, e.Step, e.Indices)
}

func (e *NumericalError) Unwrap() error { return e.Err }

// EpochMetrics summarizes one epoch.
type EpochMetrics struct {
	Epoch      int     `json:"epoch"`
	Steps      int     `json:"steps"`
	TrainLoss  float64 `json:"train_loss"`
	ValLoss    float64 `json:"val_loss"`
	Perplexity float64 `json:"perplexity"`
	ValTokens  int     `json:"val_tokens"`
	Skipped    int     `json:"skipped_batches"`
}

// Metrics is the content of metrics.json.
type Metrics struct {
	Epochs []EpochMetrics `json:"epochs"`
	// BestEpoch is the epoch with the lowest validation loss, -1 if none.
	BestEpoch   int     `json:"best_epoch"`
	BestValLoss float64 `json:"best_val_loss"`
}

func (m *Metrics) add(em EpochMetrics) (best bool) {
	if len(m.Epochs) == 0 {
		m.BestEpoch = -1
	}
	m.Epochs = append(m.Epochs, em)
	if em.ValTokens > 0 && (m.BestEpoch < 0 || em.ValLoss < m.BestValLoss) {
		m.BestEpoch, m.BestValLoss = em.Epoch, em.ValLoss
		return true
	}
	return false
}

// StepInfo is passed to Hooks.OnStep.
type StepInfo struct {
	Epoch   int
	Step    int
	Loss    float64
	Tokens  int
	LR      float64
	Norm    float64
	Clipped bool
}

// Hooks observe a run. Nil hooks are skipped.
type Hooks struct {
	OnStep       func(StepInfo)
	OnValidate   func(EpochMetrics)
	OnCheckpoint func(path string, step int)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
