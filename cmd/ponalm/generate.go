package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ponalm/internal/checkpoint"
	"ponalm/internal/model"
	"ponalm/internal/vocab"
)

func newGenerateCmd() *cobra.Command {
	var (
		ckptPath  string
		vocabPath string
		lower     bool
		gen       = model.GenConfig{MaxTokens: 200, Temp: 0.8, TopK: 20, TopP: 0.9, RepetitionPenalty: 0.1, Seed: 42}
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Continue each prompt read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			v, err := vocab.Load(vocabPath)
			if err != nil {
				return err
			}
			st, err := checkpoint.Load(ckptPath)
			if err != nil {
				return err
			}
			if st.VocabSize != v.Size() {
				return fmt.Errorf("checkpoint was trained with %d tokens, vocabulary %s has %d", st.VocabSize, vocabPath, v.Size())
			}
			m, err := st.BuildModel()
			if err != nil {
				return err
			}
			logger.Debug("model loaded", "path", ckptPath, "step", st.Step, "arch", st.Model.Arch, "params", model.CountParams(m))

			sc := bufio.NewScanner(os.Stdin)
			out := bufio.NewWriter(os.Stdout)
			defer out.Flush()
			for sc.Scan() {
				if err := cmd.Context().Err(); err != nil {
					return err
				}
				prompt := cleanLine(sc.Text(), lower)
				ids, err := model.Generate(m, v, v.Encode(prompt), gen)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s%s\n", prompt, v.Decode(ids))
				out.Flush()
				gen.Seed++
			}
			return sc.Err()
		},
	}
	f := cmd.Flags()
	f.StringVar(&ckptPath, "checkpoint", "", "Checkpoint file")
	f.StringVar(&vocabPath, "vocab", "", "Vocabulary the model was trained with")
	f.Float64Var(&gen.Temp, "temp", gen.Temp, "Sampling temperature")
	f.IntVar(&gen.TopK, "top-k", gen.TopK, "Keep the k most likely tokens, 0 disables")
	f.Float64Var(&gen.TopP, "top-p", gen.TopP, "Nucleus probability mass, 1 disables")
	f.Float64Var(&gen.RepetitionPenalty, "rep", gen.RepetitionPenalty, "Repetition penalty")
	f.IntVar(&gen.MaxTokens, "max", gen.MaxTokens, "Maximum tokens per prompt")
	f.IntVar(&gen.Context, "context", 256, "Trailing tokens fed back to the model")
	f.Int64Var(&gen.Seed, "seed", gen.Seed, "Sampling seed")
	f.BoolVar(&lower, "lower", true, "Lowercase prompts")
	_ = cmd.MarkFlagRequired("checkpoint")
	_ = cmd.MarkFlagRequired("vocab")
	return cmd
}
