package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ponalm/internal/vocab"
)

func newBuildVocabCmd() *cobra.Command {
	var (
		corpus string
		out    string
		size   int
		lower  bool
	)
	cmd := &cobra.Command{
		Use:   "build-vocab",
		Short: "Build a character vocabulary from a corpus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			files, err := expandInputs(corpus)
			if err != nil {
				return err
			}
			var sb strings.Builder
			for _, path := range files {
				lines, err := readLines(path, lower)
				if err != nil {
					return err
				}
				for _, line := range lines {
					sb.WriteString(line)
					sb.WriteByte('\n')
				}
			}
			v := vocab.Build(sb.String(), size)
			if err := v.Save(out); err != nil {
				return fmt.Errorf("save vocabulary: %w", err)
			}
			logger.Info("vocabulary written", "path", out, "size", v.Size(), "files", len(files), "chars", sb.Len())
			return nil
		},
	}
	cmd.Flags().StringVar(&corpus, "corpus", "", "Corpus file, directory or glob")
	cmd.Flags().StringVar(&out, "out", "vocab.json", "Output path (.json or .txt)")
	cmd.Flags().IntVar(&size, "size", 128, "Maximum vocabulary size, special tokens included")
	cmd.Flags().BoolVar(&lower, "lower", true, "Lowercase the corpus")
	_ = cmd.MarkFlagRequired("corpus")
	return cmd
}
