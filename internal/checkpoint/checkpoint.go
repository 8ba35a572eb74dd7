// Package checkpoint persists training state: model parameters, optimizer
// moments and the position in the run.
package checkpoint

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ponalm/internal/model"
	"ponalm/internal/optim"
)

// Version is written into every checkpoint.
const Version = 1

// ErrIncompatible is returned when a checkpoint does not fit a model.
var ErrIncompatible = errors.New("checkpoint: incompatible with model")

// Tensor is one named parameter.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// State is everything needed to continue a run.
type State struct {
	Version   int
	Epoch     int
	Step      int
	Model     model.Config
	VocabSize int
	Params    []Tensor
	Opter     optim.State
	Saved     time.Time
}

// Snapshot deep-copies the model parameters and optimizer state while
// holding the model's read lock. opter may be nil.
func Snapshot(m model.Model, opter *optim.Opter, epoch, step int) *State {
	guard := m.Guard()
	guard.RLock()
	defer guard.RUnlock()

	st := &State{
		Version:   Version,
		Epoch:     epoch,
		Step:      step,
		Model:     m.Config(),
		VocabSize: m.VocabSize(),
		Saved:     time.Now().UTC(),
	}
	for _, p := range m.Params() {
		st.Params = append(st.Params, Tensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
		})
	}
	if opter != nil {
		st.Opter = opter.State()
	}
	return st
}

// Restore copies the saved parameters into m.
func (s *State) Restore(m model.Model) error {
	if s.VocabSize != m.VocabSize() {
		return fmt.Errorf("%w: vocabulary %d, model %d", ErrIncompatible, s.VocabSize, m.VocabSize())
	}
	saved := make(map[string]Tensor, len(s.Params))
	for _, t := range s.Params {
		saved[t.Name] = t
	}
	params := m.Params()
	for _, p := range params {
		t, ok := saved[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing parameter %s", ErrIncompatible, p.Name)
		}
		if len(t.Data) != len(p.Data) {
			return fmt.Errorf("%w: %s has %d values, model expects %d", ErrIncompatible, p.Name, len(t.Data), len(p.Data))
		}
	}

	guard := m.Guard()
	guard.Lock()
	defer guard.Unlock()
	for _, p := range params {
		copy(p.Data, saved[p.Name].Data)
		p.ZeroGrad()
	}
	return nil
}

// BuildModel constructs the saved architecture and loads its parameters.
func (s *State) BuildModel() (model.Model, error) {
	m, err := model.Build(s.Model, s.VocabSize, 0)
	if err != nil {
		return nil, err
	}
	if err := s.Restore(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Write stores s at path. The file is written to a temporary name, synced
// and renamed, so path holds either the old or the new checkpoint.
func Write(path string, s *State) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := gob.NewEncoder(f).Encode(s); err != nil {
		return fail(fmt.Errorf("encode checkpoint: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads a checkpoint written by Write.
func Load(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var s State
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("checkpoint %s: unsupported version %d", path, s.Version)
	}
	return &s, nil
}

// FileName is the base name of the checkpoint for step.
func FileName(step int) string {
	return fmt.Sprintf("ckpt-%d.gob", step)
}
