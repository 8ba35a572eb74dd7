// Package config holds the training configuration and the run manifest
// written next to the checkpoints.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"ponalm/internal/model"
	"ponalm/internal/optim"
)

// Train is the configuration of one training run.
type Train struct {
	Vocab   string `json:"vocab"`
	DataDir string `json:"data_dir"`
	SaveDir string `json:"save_dir"`

	MaxTokens int `json:"max_tokens"`
	MaxLen    int `json:"max_len"`

	LR             float64 `json:"lr"`
	MaxGradNorm    float64 `json:"max_grad_norm"`
	Scheduler      string  `json:"scheduler"`
	WarmupSteps    int     `json:"warmup_steps"`
	StartFactor    float64 `json:"start_factor"`
	WeightDecay    float64 `json:"weight_decay"`
	LabelSmoothing float64 `json:"label_smoothing"`

	Epochs       int `json:"epochs"`
	StepInterval int `json:"step_interval"`
	SaveInterval int `json:"save_interval"`

	Model model.Config `json:"model"`
	Seed  int64        `json:"seed"`

	CacheMB   int           `json:"cache_mb"`
	Workers   int           `json:"workers"`
	Prefetch  int           `json:"prefetch"`
	PinMemory bool          `json:"pin_memory"`
	Timeout   time.Duration `json:"timeout"`

	Resume          string `json:"resume,omitempty"`
	SaveOnInterrupt bool   `json:"save_on_interrupt"`

	S3Bucket   string `json:"s3_bucket,omitempty"`
	S3Prefix   string `json:"s3_prefix,omitempty"`
	S3Region   string `json:"s3_region,omitempty"`
	S3Endpoint string `json:"s3_endpoint,omitempty"`
}

// Default returns the configuration used when no flag overrides a field.
func Default() Train {
	return Train{
		DataDir:         "data",
		SaveDir:         "checkpoints",
		MaxTokens:       4096,
		MaxLen:          256,
		LR:              1e-3,
		MaxGradNorm:     1.0,
		Scheduler:       "constant",
		StartFactor:     0.1,
		WeightDecay:     1e-5,
		Epochs:          10,
		StepInterval:    100,
		SaveInterval:    1000,
		Model:           model.DefaultConfig(),
		Seed:            1337,
		CacheMB:         32,
		Workers:         2,
		Prefetch:        4,
		SaveOnInterrupt: true,
		S3Region:        "us-east-1",
	}
}

// Validate reports every invalid field at once.
func (c Train) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Vocab != "", "vocab path is required")
	check(c.DataDir != "", "data directory is required")
	check(c.MaxTokens > 0, "max_tokens must be positive, got %d", c.MaxTokens)
	check(c.MaxLen >= 3, "max_len must be at least 3, got %d", c.MaxLen)
	check(c.LR > 0, "lr must be positive, got %v", c.LR)
	check(c.MaxGradNorm >= 0, "max_grad_norm must not be negative, got %v", c.MaxGradNorm)
	check(c.WarmupSteps >= 0, "warmup_steps must not be negative, got %d", c.WarmupSteps)
	check(c.StartFactor >= 0 && c.StartFactor <= 1, "start_factor %v outside [0,1]", c.StartFactor)
	check(c.WeightDecay >= 0, "weight_decay must not be negative, got %v", c.WeightDecay)
	check(c.LabelSmoothing >= 0 && c.LabelSmoothing < 1, "label_smoothing %v outside [0,1)", c.LabelSmoothing)
	check(c.Epochs > 0, "epochs must be positive, got %d", c.Epochs)
	check(c.StepInterval > 0, "step_interval must be positive, got %d", c.StepInterval)
	check(c.SaveInterval > 0, "save_interval must be positive, got %d", c.SaveInterval)
	check(c.CacheMB >= 0, "cache_mb must not be negative, got %d", c.CacheMB)
	check(c.Workers >= 0, "workers must not be negative, got %d", c.Workers)
	check(c.Prefetch >= 0, "prefetch must not be negative, got %d", c.Prefetch)
	check(c.S3Bucket == "" || c.SaveDir != "", "s3 mirroring needs a save directory")
	if _, err := optim.ParseScheduleKind(c.Scheduler); err != nil {
		errs = append(errs, err)
	}
	if c.MaxTokens > 0 && c.MaxLen > c.MaxTokens {
		errs = append(errs, fmt.Errorf("max_len %d exceeds max_tokens %d, the longest sample could never fit", c.MaxLen, c.MaxTokens))
	}
	return errors.Join(errs...)
}

// Manifest records what a run was trained from.
type Manifest struct {
	Config       Train     `json:"config"`
	VocabHash    string    `json:"vocab_hash"`
	VocabSize    int       `json:"vocab_size"`
	Params       int       `json:"params"`
	TrainRecords int       `json:"train_records"`
	ValidRecords int       `json:"valid_records"`
	StartedAt    time.Time `json:"started_at"`
	BuildVersion string    `json:"build_version"`
}

// FileHash returns the first 16 hex digits of the SHA-256 of a file.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16], nil
}

// SaveJSON writes v as indented JSON.
func SaveJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadJSON decodes the JSON file at path into v.
func LoadJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}
