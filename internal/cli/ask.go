package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ragpipe/internal/adapter/generator"
	"ragpipe/internal/domain"
	"ragpipe/internal/usecase"
)

var (
	askText         string
	askTopK         int
	askInstructions string
	askModel        string
	askNoStream     bool
	askOwner        string
)

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Answer a question using the retrieved context",
	Long: `Retrieve the most similar chunks and pass them to a chat model as context.
If nothing relevant is indexed the model is not called.

Examples:
  rag ask -q "where did the cat sit?"
  rag ask -q "summarize the release notes" --model gpt-4 --no-stream`,
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&askText, "query", "q", "", "question (required)")
	askCmd.Flags().IntVarP(&askTopK, "top-k", "k", 0, "number of chunks used as context (default from config)")
	askCmd.Flags().StringVar(&askInstructions, "instructions", "", "extra instructions placed before the context")
	askCmd.Flags().StringVar(&askModel, "model", "", "chat model (default from config)")
	askCmd.Flags().BoolVar(&askNoStream, "no-stream", false, "print the answer only when complete")
	askCmd.Flags().StringVar(&askOwner, "owner", "", "only use entries of this owner")
	askCmd.MarkFlagRequired("query")
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	genCfg := cfg.GeneratorProvider()
	if askModel != "" {
		if !generator.IsSupportedModel(askModel) {
			return &domain.ConfigurationError{Field: "model", Reason: fmt.Sprintf("unsupported model %q", askModel)}
		}
		genCfg.Model = askModel
	}
	gen, err := generator.New(genCfg)
	if err != nil {
		return err
	}

	p, err := openPipeline(cfg, GetRootDir(), false, GetLogger())
	if err != nil {
		return err
	}
	defer p.Close()

	req := usecase.ChatRequest{
		Query:        domain.Query{Text: askText, K: askTopK, Filter: filterFlags(askOwner, "")},
		Instructions: askInstructions,
	}

	if askNoStream {
		answer, err := p.chat.Ask(cmd.Context(), p.index, gen, req)
		if err != nil {
			return err
		}
		if !answer.Context.Found {
			fmt.Println("No relevant context found.")
			return nil
		}
		fmt.Println(answer.Text)
		return nil
	}

	rc, err := p.chat.Stream(cmd.Context(), p.index, gen, req, func(fragment string) error {
		_, err := fmt.Print(fragment)
		return err
	})
	if err != nil {
		return err
	}
	if !rc.Found {
		fmt.Println("No relevant context found.")
		return nil
	}
	fmt.Println()
	return nil
}
