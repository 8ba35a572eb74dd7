package model

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"ponalm/internal/data"
)

// graphLM is a previous-token model expressed as a gorgonia expression
// graph: onehot(x) * E -> * W1 + b1 -> relu -> * W2 + b2.
//
// The parameters live in plain slices shared with the optimizer. Every
// forward pass builds a fresh graph whose parameter nodes are backed by
// those slices, so no copy is needed and batch shapes may vary freely.
// Gradients are obtained by differentiating sum(logits ⊙ dLogits), whose
// derivative with respect to every parameter equals the back-propagated
// dLogits.
type graphLM struct {
	cfg   Config
	vocab int
	mu    sync.RWMutex

	embed, w1, b1, w2, b2 *Param
}

func newGraph(cfg Config, vocab int, rnd *rand.Rand) *graphLM {
	d, h := cfg.Emb, cfg.Hidden
	m := &graphLM{
		cfg:   cfg,
		vocab: vocab,
		embed: newParam("embed", true, vocab, d),
		w1:    newParam("w1", true, d, h),
		b1:    newParam("b1", false, 1, h),
		w2:    newParam("w2", true, h, vocab),
		b2:    newParam("b2", false, 1, vocab),
	}
	m.embed.initUniform(rnd, 0.05)
	m.w1.initUniform(rnd, 1/math.Sqrt(float64(d)))
	m.w2.initUniform(rnd, 1/math.Sqrt(float64(h)))
	return m
}

func (m *graphLM) Config() Config       { return m.cfg }
func (m *graphLM) VocabSize() int       { return m.vocab }
func (m *graphLM) Guard() *sync.RWMutex { return &m.mu }
func (m *graphLM) Params() []*Param     { return []*Param{m.embed, m.w1, m.b1, m.w2, m.b2} }

func paramNode(g *gorgonia.ExprGraph, p *Param) *gorgonia.Node {
	backing := tensor.New(tensor.WithShape(p.rows(), p.cols()), tensor.WithBacking(p.Data))
	return gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(p.rows(), p.cols()),
		gorgonia.WithName(p.Name),
		gorgonia.WithValue(backing))
}

func (m *graphLM) Forward(b *data.Batch, train bool) (*Pass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, width := b.Rows(), b.Width()
	n := rows * width
	ids := b.IDs()

	onehot := make([]float64, n*m.vocab)
	for r := 0; r < rows; r++ {
		for t := 0; t < b.Lengths[r] && t < width; t++ {
			i := r*width + t
			onehot[i*m.vocab+ids[i]] = 1
		}
	}

	g := gorgonia.NewGraph()
	x := gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(n, m.vocab),
		gorgonia.WithName("x"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(n, m.vocab), tensor.WithBacking(onehot))))

	params := m.Params()
	nodes := make([]*gorgonia.Node, len(params))
	for i, p := range params {
		nodes[i] = paramNode(g, p)
	}
	embed, w1, b1, w2, b2 := nodes[0], nodes[1], nodes[2], nodes[3], nodes[4]

	e, err := gorgonia.Mul(x, embed)
	if err != nil {
		return nil, fmt.Errorf("embed lookup: %w", err)
	}
	h, err := gorgonia.Mul(e, w1)
	if err != nil {
		return nil, fmt.Errorf("hidden layer: %w", err)
	}
	if h, err = gorgonia.BroadcastAdd(h, b1, nil, []byte{0}); err != nil {
		return nil, fmt.Errorf("hidden bias: %w", err)
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, fmt.Errorf("relu: %w", err)
	}
	o, err := gorgonia.Mul(h, w2)
	if err != nil {
		return nil, fmt.Errorf("output layer: %w", err)
	}
	logitsNode, err := gorgonia.BroadcastAdd(o, b2, nil, []byte{0})
	if err != nil {
		return nil, fmt.Errorf("output bias: %w", err)
	}

	var (
		upstream *gorgonia.Node
		vm       gorgonia.VM
	)
	if train {
		upstream = gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(n, m.vocab),
			gorgonia.WithName("dlogits"),
			gorgonia.WithValue(tensor.New(tensor.WithShape(n, m.vocab), tensor.WithBacking(make([]float64, n*m.vocab)))))
		weighted, err := gorgonia.HadamardProd(logitsNode, upstream)
		if err != nil {
			return nil, fmt.Errorf("surrogate cost: %w", err)
		}
		cost, err := gorgonia.Sum(weighted)
		if err != nil {
			return nil, fmt.Errorf("surrogate cost: %w", err)
		}
		if _, err := gorgonia.Grad(cost, nodes...); err != nil {
			return nil, fmt.Errorf("symbolic gradient: %w", err)
		}
		vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(nodes...))
	} else {
		vm = gorgonia.NewTapeMachine(g)
	}

	if err := vm.RunAll(); err != nil {
		vm.Close()
		return nil, fmt.Errorf("forward: %w", err)
	}
	out, ok := logitsNode.Value().Data().([]float64)
	if !ok {
		vm.Close()
		return nil, fmt.Errorf("forward: unexpected logits type %T", logitsNode.Value().Data())
	}
	logits := make([][]float64, n)
	for i := range logits {
		logits[i] = append([]float64(nil), out[i*m.vocab:(i+1)*m.vocab]...)
	}

	pass := &Pass{Logits: logits, Targets: targets(b), release: func() { vm.Close() }}
	if !train {
		pass.Release()
		pass.backward = func([][]float64) error {
			return fmt.Errorf("model: backward on an inference pass")
		}
		return pass, nil
	}
	pass.backward = func(dLogits [][]float64) error {
		up := make([]float64, n*m.vocab)
		for i, row := range dLogits {
			copy(up[i*m.vocab:], row)
		}
		if err := gorgonia.Let(upstream, tensor.New(tensor.WithShape(n, m.vocab), tensor.WithBacking(up))); err != nil {
			return err
		}
		vm.Reset()
		if err := vm.RunAll(); err != nil {
			return fmt.Errorf("backward: %w", err)
		}
		for i, p := range params {
			grad, err := nodes[i].Grad()
			if err != nil {
				return fmt.Errorf("gradient of %s: %w", p.Name, err)
			}
			gd, ok := grad.Data().([]float64)
			if !ok || len(gd) != len(p.Grad) {
				return fmt.Errorf("gradient of %s has unexpected layout", p.Name)
			}
			for j, v := range gd {
				p.Grad[j] += v
			}
		}
		return nil
	}
	return pass, nil
}
