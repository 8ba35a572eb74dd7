package model

import (
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"ponalm/internal/data"
)

// mlp predicts the next token from the concatenated embeddings of the last
// Window tokens: embed -> concat -> linear -> relu -> dropout -> linear.
// Padding and positions before the start of a row contribute zero vectors.
type mlp struct {
	cfg   Config
	vocab int
	mu    sync.RWMutex

	// rndMu guards rnd, which Forward draws dropout masks from under the
	// shared read lock.
	rndMu sync.Mutex
	rnd   *rand.Rand

	embed, w1, b1, w2, b2 *Param
}

func newMLP(cfg Config, vocab int, rnd *rand.Rand) *mlp {
	d, w, h := cfg.Emb, cfg.Window, cfg.Hidden
	m := &mlp{
		cfg:   cfg,
		vocab: vocab,
		rnd:   rnd,
		embed: newParam("embed", true, vocab, d),
		w1:    newParam("w1", true, d*w, h),
		b1:    newParam("b1", false, h),
		w2:    newParam("w2", true, h, vocab),
		b2:    newParam("b2", false, vocab),
	}
	m.embed.initUniform(rnd, 0.05)
	m.w1.initUniform(rnd, 1/math.Sqrt(float64(d*w)))
	m.w2.initUniform(rnd, 1/math.Sqrt(float64(h)))
	return m
}

func (m *mlp) Config() Config       { return m.cfg }
func (m *mlp) VocabSize() int       { return m.vocab }
func (m *mlp) Guard() *sync.RWMutex { return &m.mu }
func (m *mlp) Params() []*Param     { return []*Param{m.embed, m.w1, m.b1, m.w2, m.b2} }

func dense(p *Param) *mat.Dense     { return mat.NewDense(p.rows(), p.cols(), p.Data) }
func denseGrad(p *Param) *mat.Dense { return mat.NewDense(p.rows(), p.cols(), p.Grad) }

func (m *mlp) Forward(b *data.Batch, train bool) (*Pass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, W, H := m.cfg.Emb, m.cfg.Window, m.cfg.Hidden
	rows, width := b.Rows(), b.Width()
	n := rows * width
	ids := b.IDs()

	// contexts[i*W+k] is the token at slot k of row i's window, or -1.
	contexts := make([]int, n*W)
	x := mat.NewDense(n, W*d, nil)
	for r := 0; r < rows; r++ {
		for t := 0; t < width; t++ {
			i := r*width + t
			xi := x.RawRowView(i)
			for k := 0; k < W; k++ {
				pos := t - W + 1 + k
				id := -1
				if pos >= 0 && pos < b.Lengths[r] {
					id = ids[r*width+pos]
				}
				contexts[i*W+k] = id
				if id >= 0 {
					copy(xi[k*d:(k+1)*d], m.embed.Data[id*d:(id+1)*d])
				}
			}
		}
	}

	hpre := mat.NewDense(n, H, nil)
	hpre.Mul(x, dense(m.w1))
	addRow(hpre, m.b1.Data)

	// hact = dropout(relu(hpre)); gate holds the combined derivative.
	hact := mat.NewDense(n, H, nil)
	gate := mat.NewDense(n, H, nil)
	keep := 1 - m.cfg.Dropout
	if train && m.cfg.Dropout > 0 {
		m.rndMu.Lock()
		defer m.rndMu.Unlock()
	}
	for i := 0; i < n; i++ {
		pre, act, g := hpre.RawRowView(i), hact.RawRowView(i), gate.RawRowView(i)
		for j := range pre {
			if pre[j] <= 0 {
				continue
			}
			switch {
			case !train || m.cfg.Dropout == 0:
				g[j] = 1
			case m.rnd.Float64() < keep:
				g[j] = 1 / keep
			}
			act[j] = pre[j] * g[j]
		}
	}

	out := mat.NewDense(n, m.vocab, nil)
	out.Mul(hact, dense(m.w2))
	addRow(out, m.b2.Data)

	logits := make([][]float64, n)
	for i := range logits {
		logits[i] = out.RawRowView(i)
	}

	pass := &Pass{Logits: logits, Targets: targets(b)}
	pass.backward = func(dLogits [][]float64) error {
		dl := mat.NewDense(n, m.vocab, nil)
		for i, row := range dLogits {
			copy(dl.RawRowView(i), row)
		}

		var tmp mat.Dense
		tmp.Mul(hact.T(), dl)
		gw2 := denseGrad(m.w2)
		gw2.Add(gw2, &tmp)
		addColSums(m.b2.Grad, dl)

		dh := mat.NewDense(n, H, nil)
		dh.Mul(dl, dense(m.w2).T())
		dh.MulElem(dh, gate)

		tmp.Reset()
		tmp.Mul(x.T(), dh)
		gw1 := denseGrad(m.w1)
		gw1.Add(gw1, &tmp)
		addColSums(m.b1.Grad, dh)

		dx := mat.NewDense(n, W*d, nil)
		dx.Mul(dh, dense(m.w1).T())
		for i := 0; i < n; i++ {
			dxi := dx.RawRowView(i)
			for k := 0; k < W; k++ {
				id := contexts[i*W+k]
				if id < 0 {
					continue
				}
				g := m.embed.Grad[id*d : (id+1)*d]
				for j := range g {
					g[j] += dxi[k*d+j]
				}
			}
		}
		return nil
	}
	return pass, nil
}

// addRow adds v to every row of a.
func addRow(a *mat.Dense, v []float64) {
	r, _ := a.Dims()
	for i := 0; i < r; i++ {
		row := a.RawRowView(i)
		for j := range row {
			row[j] += v[j]
		}
	}
}

// addColSums accumulates the column sums of a into dst.
func addColSums(dst []float64, a *mat.Dense) {
	r, _ := a.Dims()
	for i := 0; i < r; i++ {
		for j, v := range a.RawRowView(i) {
			dst[j] += v
		}
	}
}
