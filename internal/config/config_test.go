package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultNeedsOnlyVocab(t *testing.T) {
	c := Default()
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "vocab") {
		t.Fatalf("expected vocab error, got %v", err)
	}
	c.Vocab = "vocab.json"
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	c := Default()
	c.Vocab = "v.json"
	c.LR = 0
	c.LabelSmoothing = 1
	c.Scheduler = "step"
	c.Epochs = 0
	err := c.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"lr", "label_smoothing", "scheduler", "epochs"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestMaxLenAboveBudget(t *testing.T) {
	c := Default()
	c.Vocab = "v.json"
	c.MaxTokens = 100
	c.MaxLen = 200
	if err := c.Validate(); err == nil {
		t.Fatal("expected budget error")
	}
}

func TestManifestJSON(t *testing.T) {
	dir := t.TempDir()
	vocabPath := filepath.Join(dir, "vocab.txt")
	if err := os.WriteFile(vocabPath, []byte("<pad>\n<unk>\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	hash, err := FileHash(vocabPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(hash) != 16 {
		t.Fatalf("hash %q", hash)
	}

	c := Default()
	c.Vocab = vocabPath
	m := Manifest{
		Config:    c,
		VocabHash: hash,
		VocabSize: 2,
		StartedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	path := filepath.Join(dir, "manifest.json")
	if err := SaveJSON(path, m); err != nil {
		t.Fatal(err)
	}
	var got Manifest
	if err := LoadJSON(path, &got); err != nil {
		t.Fatal(err)
	}
	if got.VocabHash != hash || got.Config.Model != c.Model || !got.StartedAt.Equal(m.StartedAt) {
		t.Fatalf("manifest changed on disk: %+v", got)
	}
}
