package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"ponalm/internal/checkpoint"
	"ponalm/internal/config"
	"ponalm/internal/data"
	"ponalm/internal/loss"
	"ponalm/internal/model"
	"ponalm/internal/optim"
	"ponalm/internal/store"
	"ponalm/internal/train"
	"ponalm/internal/vocab"
)

func newTrainCmd() *cobra.Command {
	cfg := config.Default()
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on <data-dir>/train and validate on <data-dir>/valid",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd, &cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Vocab, "vocab", cfg.Vocab, "Vocabulary file (.json or .txt)")
	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory holding the train and valid stores")
	f.StringVar(&cfg.SaveDir, "save-dir", cfg.SaveDir, "Directory for checkpoints, manifest and metrics")
	f.IntVar(&cfg.MaxTokens, "max-tokens", cfg.MaxTokens, "Padded token budget per batch")
	f.IntVar(&cfg.MaxLen, "max-len", cfg.MaxLen, "Longest sample in tokens, markers included")
	f.Float64Var(&cfg.LR, "lr", cfg.LR, "Peak learning rate")
	f.Float64Var(&cfg.MaxGradNorm, "max-grad-norm", cfg.MaxGradNorm, "Global gradient norm clip, 0 disables")
	f.StringVar(&cfg.Scheduler, "scheduler", cfg.Scheduler, "constant, linear, cosine or inverse_sqrt")
	f.IntVar(&cfg.WarmupSteps, "warmup-steps", cfg.WarmupSteps, "Linear warmup steps")
	f.Float64Var(&cfg.StartFactor, "start-factor", cfg.StartFactor, "Learning-rate factor at step 0")
	f.Float64Var(&cfg.WeightDecay, "weight-decay", cfg.WeightDecay, "Decoupled weight decay")
	f.Float64Var(&cfg.LabelSmoothing, "label-smoothing", cfg.LabelSmoothing, "Label smoothing in [0,1)")
	f.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Passes over the training set")
	f.IntVar(&cfg.StepInterval, "step-interval", cfg.StepInterval, "Steps between progress logs")
	f.IntVar(&cfg.SaveInterval, "save-interval", cfg.SaveInterval, "Steps between checkpoints")
	f.StringVar(&cfg.Model.Arch, "arch", cfg.Model.Arch, "Model architecture: mlp or graph")
	f.IntVar(&cfg.Model.Emb, "emb", cfg.Model.Emb, "Embedding size")
	f.IntVar(&cfg.Model.Hidden, "hidden", cfg.Model.Hidden, "Hidden layer size")
	f.IntVar(&cfg.Model.Window, "window", cfg.Model.Window, "Context window of the mlp model")
	f.Float64Var(&cfg.Model.Dropout, "dropout", cfg.Model.Dropout, "Hidden dropout probability")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed")
	f.IntVar(&cfg.CacheMB, "cache-mb", cfg.CacheMB, "Record cache size per store, 0 disables")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "Loader workers")
	f.IntVar(&cfg.Prefetch, "prefetch", cfg.Prefetch, "Prepared batches kept ahead of training")
	f.BoolVar(&cfg.PinMemory, "pin-memory", cfg.PinMemory, "Pin loader workers to OS threads")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Maximum wait for a batch, 0 waits forever")
	f.StringVar(&cfg.Resume, "resume", cfg.Resume, "Checkpoint to resume from")
	f.BoolVar(&cfg.SaveOnInterrupt, "save-on-interrupt", cfg.SaveOnInterrupt, "Checkpoint when interrupted")
	f.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "Mirror checkpoints to this S3 bucket")
	f.StringVar(&cfg.S3Prefix, "s3-prefix", cfg.S3Prefix, "Key prefix for mirrored checkpoints")
	f.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "S3 region")
	f.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint, "Custom S3-compatible endpoint")
	return cmd
}

func runTrain(cmd *cobra.Command, cfg *config.Train) error {
	logger := newLogger()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	v, err := vocab.Load(cfg.Vocab)
	if err != nil {
		return err
	}
	opts := store.Options{CacheBytes: cfg.CacheMB << 20}
	trainStore, err := store.Open(filepath.Join(cfg.DataDir, "train"), opts)
	if err != nil {
		return err
	}
	defer trainStore.Close()
	validStore, err := store.Open(filepath.Join(cfg.DataDir, "valid"), opts)
	if err != nil {
		return err
	}
	defer validStore.Close()

	trainLoader, err := newLoader(trainStore, v, cfg, logger, true)
	if err != nil {
		return fmt.Errorf("train data: %w", err)
	}
	validLoader, err := newLoader(validStore, v, cfg, logger, false)
	if err != nil {
		return fmt.Errorf("valid data: %w", err)
	}

	m, err := model.Build(cfg.Model, v.Size(), cfg.Seed)
	if err != nil {
		return err
	}
	opter, err := optim.New(m.Params(), cfg.LR, optim.Options{
		MaxGradNorm: cfg.MaxGradNorm,
		Scheduler:   cfg.Scheduler,
		WarmupSteps: cfg.WarmupSteps,
		StartFactor: cfg.StartFactor,
		WeightDecay: cfg.WeightDecay,
		Guard:       m.Guard(),
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.SaveDir, 0o755); err != nil {
		return err
	}
	saver := checkpoint.NewSaver(cfg.SaveDir, logger)
	if cfg.S3Bucket != "" {
		mirror, err := checkpoint.NewS3Mirror(cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region, cfg.S3Endpoint)
		if err != nil {
			return err
		}
		saver.Mirror = mirror
	}

	trainer, err := train.New(train.Config{
		Epochs:          cfg.Epochs,
		StepInterval:    cfg.StepInterval,
		SaveInterval:    cfg.SaveInterval,
		SaveDir:         cfg.SaveDir,
		SaveOnInterrupt: cfg.SaveOnInterrupt,
	}, m, opter, loss.Calc{LabelSmoothing: cfg.LabelSmoothing}, trainLoader, validLoader, saver, logger)
	if err != nil {
		return err
	}
	if cfg.Resume != "" {
		if err := trainer.Resume(cfg.Resume); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
	}

	hash, err := config.FileHash(cfg.Vocab)
	if err != nil {
		return err
	}
	manifest := config.Manifest{
		Config:       *cfg,
		VocabHash:    hash,
		VocabSize:    v.Size(),
		Params:       model.CountParams(m),
		TrainRecords: trainStore.Len(),
		ValidRecords: validStore.Len(),
		StartedAt:    time.Now().UTC(),
		BuildVersion: version,
	}
	if err := config.SaveJSON(filepath.Join(cfg.SaveDir, "manifest.json"), manifest); err != nil {
		return err
	}

	fmt.Printf("ponalm: %s model, %d params, vocab %d, %d train / %d valid records, %d batches per epoch\n",
		cfg.Model.Arch, manifest.Params, v.Size(), trainStore.Len(), validStore.Len(), trainLoader.NumBatches(0))

	start := time.Now()
	if err := trainer.Run(cmd.Context()); err != nil {
		return err
	}
	logger.Info("training complete", "steps", trainer.Step(), "elapsed", time.Since(start).Round(time.Second))
	return nil
}

func newLoader(src *store.Reader, v *vocab.Vocab, cfg *config.Train, logger *log.Logger, shuffle bool) (*data.Loader, error) {
	ds, err := data.NewDataset(src, v, cfg.MaxLen)
	if err != nil {
		return nil, err
	}
	var sampler data.Sampler
	if shuffle {
		sampler, err = data.NewRandomSampler(ds, cfg.MaxTokens, cfg.Seed)
	} else {
		sampler, err = data.NewFixedSampler(ds, cfg.MaxTokens)
	}
	if err != nil {
		return nil, err
	}
	return &data.Loader{
		Dataset:   ds,
		Sampler:   sampler,
		Collator:  &data.Collator{Vocab: v},
		Workers:   cfg.Workers,
		Prefetch:  cfg.Prefetch,
		PinMemory: cfg.PinMemory,
		Timeout:   cfg.Timeout,
		Logger:    logger,
	}, nil
}
