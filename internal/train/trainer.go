// Package train drives a training run: epochs of forward, loss, backward and
// optimizer steps, with progress logs, validation and checkpoints.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"ponalm/internal/checkpoint"
	"ponalm/internal/config"
	"ponalm/internal/data"
	"ponalm/internal/loss"
	"ponalm/internal/model"
	"ponalm/internal/optim"
)

// Config holds the loop parameters.
type Config struct {
	Epochs       int
	StepInterval int
	SaveInterval int
	// SaveDir receives metrics.json. Empty disables it.
	SaveDir string
	// SaveOnInterrupt writes a checkpoint when the context is cancelled.
	SaveOnInterrupt bool
}

// Trainer owns the training state of one run.
type Trainer struct {
	cfg    Config
	model  model.Model
	opter  *optim.Opter
	calc   loss.Calc
	train  *data.Loader
	valid  *data.Loader
	saver  *checkpoint.Saver
	logger *log.Logger

	// Hooks may be set before Run.
	Hooks Hooks

	state     State
	epoch     int
	step      int
	lastSaved int
	metrics   Metrics
}

// New wires a Trainer. valid and saver may be nil to skip validation and
// checkpoints.
func New(cfg Config, m model.Model, opter *optim.Opter, calc loss.Calc, trainLoader, validLoader *data.Loader, saver *checkpoint.Saver, logger *log.Logger) (*Trainer, error) {
	if cfg.Epochs <= 0 || cfg.StepInterval <= 0 || cfg.SaveInterval <= 0 {
		return nil, fmt.Errorf("train: epochs, step and save intervals must be positive")
	}
	if err := calc.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Trainer{
		cfg:    cfg,
		model:  m,
		opter:  opter,
		calc:   calc,
		train:  trainLoader,
		valid:  validLoader,
		saver:  saver,
		logger: logger,
	}, nil
}

// State returns the current phase.
func (t *Trainer) State() State { return t.state }

// Step returns the number of optimizer steps taken.
func (t *Trainer) Step() int { return t.step }

// Epoch returns the number of completed epochs.
func (t *Trainer) Epoch() int { return t.epoch }

// Metrics returns the per-epoch summaries so far.
func (t *Trainer) Metrics() Metrics { return t.metrics }

func (t *Trainer) setState(s State) {
	if s == t.state {
		return
	}
	t.logger.Debug("state", "from", t.state, "to", s, "epoch", t.epoch, "step", t.step)
	t.state = s
}

// Resume restores parameters, optimizer state and the run position from a
// checkpoint. The run continues with the first epoch not yet completed.
func (t *Trainer) Resume(path string) error {
	st, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := st.Restore(t.model); err != nil {
		return err
	}
	if err := t.opter.Restore(st.Opter); err != nil {
		return err
	}
	t.epoch, t.step, t.lastSaved = st.Epoch, st.Step, st.Step
	t.logger.Info("resumed", "path", path, "epoch", t.epoch, "step", t.step)
	return nil
}

// Run trains until the configured number of epochs is complete or ctx is
// cancelled.
func (t *Trainer) Run(ctx context.Context) error {
	if t.opter.Schedule().TotalSteps == 0 {
		t.opter.SetTotalSteps(t.plannedSteps())
	}
	for t.epoch < t.cfg.Epochs {
		t.setState(Training)
		em, err := t.runEpoch(ctx, t.epoch)
		if err != nil {
			if ctx.Err() != nil && t.cfg.SaveOnInterrupt {
				t.checkpoint(context.Background())
			}
			return err
		}

		t.setState(Validating)
		if err := t.validate(ctx, &em); err != nil {
			if ctx.Err() != nil && t.cfg.SaveOnInterrupt {
				t.checkpoint(context.Background())
			}
			return err
		}
		if t.metrics.add(em) {
			t.logger.Debug("best validation loss", "epoch", em.Epoch, "val_loss", em.ValLoss)
		}
		t.writeMetrics()
		if t.Hooks.OnValidate != nil {
			t.Hooks.OnValidate(em)
		}
		t.epoch++
	}

	if t.step != t.lastSaved {
		t.checkpoint(ctx)
	}
	t.setState(Done)
	return nil
}

// plannedSteps counts the batches of every epoch. Shuffled samplers may pack
// a different number of batches per pass.
func (t *Trainer) plannedSteps() int {
	n := 0
	for e := 0; e < t.cfg.Epochs; e++ {
		n += t.train.NumBatches(e)
	}
	return n
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int) (EpochMetrics, error) {
	em := EpochMetrics{Epoch: epoch}
	it := t.train.Iterate(ctx, epoch)
	defer it.Close()

	var (
		epochSum    float64
		epochTokens int
		winSum      float64
		winTokens   int
		winNorm     float64
		winSteps    int
		winStart    = time.Now()
	)
	for {
		b, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return em, err
		}

		res, stats, err := t.trainStep(epoch, b)
		if err != nil {
			return em, err
		}
		t.step++
		em.Steps++
		epochSum += res.Sum
		epochTokens += res.Tokens
		winSum += res.Sum
		winTokens += res.Tokens
		winNorm += stats.Norm
		winSteps++

		if t.Hooks.OnStep != nil {
			t.Hooks.OnStep(StepInfo{
				Epoch:   epoch,
				Step:    t.step,
				Loss:    res.Loss,
				Tokens:  res.Tokens,
				LR:      stats.LR,
				Norm:    stats.Norm,
				Clipped: stats.Clipped,
			})
		}
		if t.step%t.cfg.StepInterval == 0 {
			elapsed := time.Since(winStart).Seconds()
			t.logger.Info("progress",
				"epoch", epoch,
				"step", t.step,
				"loss", fmt.Sprintf("%.4f", winSum/float64(max(winTokens, 1))),
				"lr", fmt.Sprintf("%.3g", stats.LR),
				"grad_norm", fmt.Sprintf("%.3f", winNorm/float64(winSteps)),
				"tok/s", fmt.Sprintf("%.0f", float64(winTokens)/max(elapsed, 1e-9)),
			)
			winSum, winTokens, winNorm, winSteps = 0, 0, 0, 0
			winStart = time.Now()
		}
		if t.step%t.cfg.SaveInterval == 0 {
			t.checkpoint(ctx)
			t.setState(Training)
		}
	}
	em.Skipped = it.Skipped()
	if epochTokens > 0 {
		em.TrainLoss = epochSum / float64(epochTokens)
	}
	return em, nil
}

func (t *Trainer) trainStep(epoch int, b *data.Batch) (loss.Result, optim.Stats, error) {
	pass, err := t.model.Forward(b, true)
	if err != nil {
		return loss.Result{}, optim.Stats{}, err
	}
	res, err := t.calc.Compute(pass.Logits, pass.Targets, b.PadID)
	if err != nil {
		pass.Release()
		return res, optim.Stats{}, err
	}
	if !finite(res.Loss) {
		pass.Release()
		return res, optim.Stats{}, &NumericalError{Epoch: epoch, Step: t.step + 1, Indices: b.Indices, Loss: res.Loss}
	}
	if err := pass.Backward(res.DLogits); err != nil {
		return res, optim.Stats{}, err
	}
	stats, err := t.opter.Step()
	if err != nil {
		var ne *optim.NumericalError
		if errors.As(err, &ne) {
			return res, stats, &NumericalError{Epoch: epoch, Step: t.step + 1, Indices: b.Indices, Loss: res.Loss, Err: err}
		}
		return res, stats, err
	}
	return res, stats, nil
}

// validate fills the validation fields of em with the plain cross-entropy
// over the whole validation set.
func (t *Trainer) validate(ctx context.Context, em *EpochMetrics) error {
	if t.valid == nil {
		return nil
	}
	it := t.valid.Iterate(ctx, em.Epoch)
	defer it.Close()

	var (
		plain  loss.Calc
		sum    float64
		tokens int
	)
	for {
		b, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		pass, err := t.model.Forward(b, false)
		if err != nil {
			return err
		}
		res, err := plain.Compute(pass.Logits, pass.Targets, b.PadID)
		pass.Release()
		if err != nil {
			return err
		}
		sum += res.Sum
		tokens += res.Tokens
	}
	if tokens == 0 {
		t.logger.Warn("validation set produced no tokens", "epoch", em.Epoch)
		return nil
	}
	em.ValLoss = sum / float64(tokens)
	em.ValTokens = tokens
	if !finite(em.ValLoss) {
		return &NumericalError{Epoch: em.Epoch, Step: t.step, Loss: em.ValLoss}
	}
	em.Perplexity = loss.Perplexity(em.ValLoss)
	t.logger.Info("validation",
		"epoch", em.Epoch,
		"train_loss", fmt.Sprintf("%.4f", em.TrainLoss),
		"val_loss", fmt.Sprintf("%.4f", em.ValLoss),
		"perplexity", fmt.Sprintf("%.2f", em.Perplexity),
		"skipped", em.Skipped,
	)
	return nil
}

// checkpoint saves the current state. Failures are logged and the run goes
// on.
func (t *Trainer) checkpoint(ctx context.Context) {
	if t.saver == nil {
		return
	}
	t.setState(Checkpointing)
	st := checkpoint.Snapshot(t.model, t.opter, t.epoch, t.step)
	path, err := t.saver.Save(ctx, st)
	if err != nil {
		t.logger.Error("checkpoint failed", "step", t.step, "err", err)
		return
	}
	t.lastSaved = t.step
	t.logger.Info("checkpoint", "path", path, "step", t.step)
	if t.Hooks.OnCheckpoint != nil {
		t.Hooks.OnCheckpoint(path, t.step)
	}
}

func (t *Trainer) writeMetrics() {
	if t.cfg.SaveDir == "" {
		return
	}
	if err := os.MkdirAll(t.cfg.SaveDir, 0o755); err != nil {
		t.logger.Error("metrics", "err", err)
		return
	}
	path := filepath.Join(t.cfg.SaveDir, "metrics.json")
	if err := config.SaveJSON(path, t.metrics); err != nil {
		t.logger.Error("metrics", "path", path, "err", err)
	}
}
