// Package model builds the language models trained by ponalm. A model maps
// a padded token batch to next-token logits and back-propagates a logit
// gradient into its parameters.
package model

import (
	"fmt"
	"math/rand"
	"sync"

	"ponalm/internal/data"
)

// Architectures understood by Build.
const (
	ArchMLP   = "mlp"
	ArchGraph = "graph"
)

// Config carries the architecture hyperparameters.
type Config struct {
	Arch    string  `json:"arch"`
	Emb     int     `json:"emb"`
	Hidden  int     `json:"hidden"`
	Window  int     `json:"window"`
	Dropout float64 `json:"dropout"`
}

// DefaultConfig returns a small character model.
func DefaultConfig() Config {
	return Config{Arch: ArchMLP, Emb: 16, Hidden: 64, Window: 16, Dropout: 0.1}
}

func (c Config) validate() error {
	if c.Emb <= 0 || c.Hidden <= 0 {
		return fmt.Errorf("model: emb and hidden must be positive, got %d and %d", c.Emb, c.Hidden)
	}
	if c.Arch == ArchMLP && c.Window <= 0 {
		return fmt.Errorf("model: window must be positive, got %d", c.Window)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("model: dropout %g outside [0,1)", c.Dropout)
	}
	return nil
}

// Param is one trainable tensor with its gradient accumulator.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
	// Decay marks parameters that receive weight decay.
	Decay bool
}

func newParam(name string, decay bool, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: shape,
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
		Decay: decay,
	}
}

func (p *Param) rows() int { return p.Shape[0] }

func (p *Param) cols() int {
	if len(p.Shape) < 2 {
		return 1
	}
	return p.Shape[1]
}

func (p *Param) initUniform(rnd *rand.Rand, scale float64) {
	for i := range p.Data {
		p.Data[i] = (rnd.Float64()*2 - 1) * scale
	}
}

// ZeroGrad clears the gradient accumulator.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Pass is the result of one forward pass.
type Pass struct {
	// Logits has one row per (sequence, position) in row-major batch order.
	// Row r*width+t predicts the token at t+1.
	Logits [][]float64
	// Targets holds the id each logits row should predict. Rows whose target
	// is the batch pad id carry no training signal.
	Targets []int

	backward func(dLogits [][]float64) error
	release  func()
}

// Backward accumulates the parameter gradients for dLogits, which must have
// the shape of Logits. A pass can be back-propagated once.
func (p *Pass) Backward(dLogits [][]float64) error {
	if p.backward == nil {
		return fmt.Errorf("model: pass has no backward function")
	}
	if len(dLogits) != len(p.Logits) {
		return fmt.Errorf("model: got %d gradient rows for %d logits rows", len(dLogits), len(p.Logits))
	}
	err := p.backward(dLogits)
	p.backward = nil
	p.Release()
	return err
}

// Release frees resources held for Backward. It is safe to call twice.
func (p *Pass) Release() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
}

// Model is a differentiable map from token batches to next-token logits.
type Model interface {
	Config() Config
	VocabSize() int
	Params() []*Param
	Forward(b *data.Batch, train bool) (*Pass, error)
	// Guard protects the parameter values. Writers hold it exclusively;
	// readers such as Forward and checkpoint snapshots share it. Forward is
	// safe to call concurrently.
	Guard() *sync.RWMutex
}

// Build constructs the architecture named in cfg.Arch.
func Build(cfg Config, vocabSize int, seed int64) (Model, error) {
	if cfg.Arch == "" {
		cfg.Arch = ArchMLP
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if vocabSize < 5 {
		return nil, fmt.Errorf("model: vocabulary of %d tokens is too small", vocabSize)
	}
	rnd := rand.New(rand.NewSource(seed))
	switch cfg.Arch {
	case ArchMLP:
		return newMLP(cfg, vocabSize, rnd), nil
	case ArchGraph:
		return newGraph(cfg, vocabSize, rnd), nil
	default:
		return nil, fmt.Errorf("model: unknown architecture %q", cfg.Arch)
	}
}

// CountParams returns the number of scalar parameters.
func CountParams(m Model) int {
	n := 0
	for _, p := range m.Params() {
		n += len(p.Data)
	}
	return n
}

// targets lays out the next-token targets of b in logits row order.
func targets(b *data.Batch) []int {
	rows, width := b.Rows(), b.Width()
	ids := b.IDs()
	out := make([]int, rows*width)
	for r := 0; r < rows; r++ {
		for t := 0; t < width; t++ {
			if t+1 < b.Lengths[r] {
				out[r*width+t] = ids[r*width+t+1]
			} else {
				out[r*width+t] = b.PadID
			}
		}
	}
	return out
}
