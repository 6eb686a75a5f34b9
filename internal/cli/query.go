package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"ragpipe/internal/domain"
)

var (
	queryText     string
	queryTopK     int
	queryJSON     bool
	queryOwner    string
	queryDocument string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Show the context retrieved for a question",
	Long: `Embed the question, find the most similar chunks and print them in rank
order. Nothing is sent to a chat model.

Examples:
  rag query -q "where did the cat sit?"
  rag query -q "deployment steps" --top-k 8 --json
  rag query -q "budget" --owner alice`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryText, "query", "q", "", "search query (required)")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of results (default from config)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	queryCmd.Flags().StringVar(&queryOwner, "owner", "", "only search entries of this owner")
	queryCmd.Flags().StringVar(&queryDocument, "document", "", "only search entries of this document")
	queryCmd.MarkFlagRequired("query")
}

func runQuery(cmd *cobra.Command, args []string) error {
	p, err := openPipeline(GetConfig(), GetRootDir(), false, GetLogger())
	if err != nil {
		return err
	}
	defer p.Close()

	rc, err := p.retrieve.Answer(cmd.Context(), p.index, domain.Query{
		Text:   queryText,
		K:      queryTopK,
		Filter: filterFlags(queryOwner, queryDocument),
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if queryJSON {
		output, _ := json.MarshalIndent(rc, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	if !rc.Found {
		fmt.Println("No relevant context found.")
		return nil
	}
	fmt.Printf("Found %d results for: %s\n\n", len(rc.Hits), queryText)
	for i, h := range rc.Hits {
		fmt.Printf("--- [%d] %s@%d (score: %.3f) ---\n", i+1, h.Payload.Partition.Document, h.Payload.Offset, h.Score)
		text := []rune(h.Payload.Text)
		if len(text) > 500 {
			text = append(text[:500], []rune("...")...)
		}
		fmt.Println(string(text))
		fmt.Println()
	}
	return nil
}

func filterFlags(owner, document string) *domain.Partition {
	p := domain.Partition{Owner: owner, Document: document}
	if p.IsZero() {
		return nil
	}
	return &p
}
