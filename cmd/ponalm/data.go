package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ponalm/internal/store"
	"ponalm/internal/vocab"
)

func newBuildDataCmd() *cobra.Command {
	var (
		vocabPath  string
		input      string
		out        string
		validOut   string
		validEvery int
		workers    int
		lower      bool
	)
	cmd := &cobra.Command{
		Use:   "build-data",
		Short: "Tokenize text files into a record store, one record per line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			v, err := vocab.Load(vocabPath)
			if err != nil {
				return err
			}
			files, err := expandInputs(input)
			if err != nil {
				return err
			}

			// Files are tokenized concurrently and written in input order.
			encoded := make([][][]byte, len(files))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(max(1, workers))
			for i, path := range files {
				i, path := i, path
				g.Go(func() error {
					if err := ctx.Err(); err != nil {
						return err
					}
					lines, err := readLines(path, lower)
					if err != nil {
						return err
					}
					recs := make([][]byte, 0, len(lines))
					for _, line := range lines {
						payload, err := store.EncodeIDs(v.Encode(line))
						if err != nil {
							return fmt.Errorf("%s: %w", path, err)
						}
						recs = append(recs, payload)
					}
					encoded[i] = recs
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			trainW, err := createStore(out)
			if err != nil {
				return err
			}
			var validW *store.Writer
			if validOut != "" && validEvery > 0 {
				if validW, err = createStore(validOut); err != nil {
					trainW.Close()
					return err
				}
			}

			if err := writeRecords(encoded, trainW, validW, validEvery); err != nil {
				return err
			}
			if err := trainW.Close(); err != nil {
				if validW != nil {
					validW.Close()
				}
				return err
			}
			logger.Info("store written", "name", out, "records", trainW.Len(), "files", len(files))
			if validW != nil {
				if err := validW.Close(); err != nil {
					return err
				}
				logger.Info("store written", "name", validOut, "records", validW.Len())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&vocabPath, "vocab", "", "Vocabulary file")
	cmd.Flags().StringVar(&input, "input", "", "Text file, directory or glob")
	cmd.Flags().StringVar(&out, "out", "data/train", "Store name, without extension")
	cmd.Flags().StringVar(&validOut, "valid-out", "", "Optional validation store name")
	cmd.Flags().IntVar(&validEvery, "valid-every", 10, "Send every n-th record to the validation store")
	cmd.Flags().IntVar(&workers, "workers", 4, "Files tokenized in parallel")
	cmd.Flags().BoolVar(&lower, "lower", true, "Lowercase the text")
	_ = cmd.MarkFlagRequired("vocab")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func createStore(name string) (*store.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	return store.Create(name)
}

// writeRecords appends the encoded records in order, sending every
// validEvery-th one to validW when it is set. On failure both writers are
// closed and the first error is returned.
func writeRecords(encoded [][][]byte, trainW, validW *store.Writer, validEvery int) error {
	n := 0
	for _, recs := range encoded {
		for _, rec := range recs {
			w := trainW
			if validW != nil && n%validEvery == validEvery-1 {
				w = validW
			}
			if _, err := w.Append(rec); err != nil {
				trainW.Close()
				if validW != nil {
					validW.Close()
				}
				return fmt.Errorf("append record %d: %w", n, err)
			}
			n++
		}
	}
	return nil
}
