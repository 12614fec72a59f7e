package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"docexpert/internal/domain"
)

var (
	queryText       string
	queryTopK       int
	queryJSON       bool
	queryCategory   string
	queryPathPrefix string
	queryFileName   string
	queryExpr       string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Retrieve chunks relevant to a question",
	Long: `Embed the question, search the collection and print the ranked chunks
with the files they came from.

Examples:
  docexpert query -q "how do I rotate an API key"
  docexpert query -q "refund policy" --category billing --top-k 5 --json
  docexpert query -q "install" --expr 'chunk_index < 3'`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryText, "query", "q", "", "question text (required)")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of results (default from config)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	queryCmd.Flags().StringVar(&queryCategory, "category", "", "only chunks of this category")
	queryCmd.Flags().StringVar(&queryPathPrefix, "path-prefix", "", "only chunks of files under this path")
	queryCmd.Flags().StringVar(&queryFileName, "file-name", "", "only chunks of files with this name")
	queryCmd.Flags().StringVar(&queryExpr, "expr", "", "raw filter expression (milvus backend only)")
	queryCmd.MarkFlagRequired("query")
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := GetConfig()
	log := GetLogger()

	b, err := OpenBackends(ctx, cfg, GetRootDir(), log)
	if err != nil {
		return err
	}
	defer b.Close(ctx)

	retrieveUC, err := b.Retrieval(cfg, log)
	if err != nil {
		return err
	}

	filter := domain.Filter{
		Category:   queryCategory,
		PathPrefix: queryPathPrefix,
		FileName:   queryFileName,
		Expr:       queryExpr,
	}
	result, err := retrieveUC.Retrieve(ctx, queryText, queryTopK, filter)
	if err != nil {
		return err
	}

	if queryJSON {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	if len(result.ContextChunks) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	fmt.Printf("Found %d results for: %s\n\n", len(result.ContextChunks), queryText)
	for i, c := range result.ContextChunks {
		if c.SourceUnknown {
			fmt.Printf("--- [%d] %s (source unknown) (score: %.3f) ---\n\n", i+1, c.ChunkID, c.Score)
			continue
		}
		fmt.Printf("--- [%d] %s#%d (score: %.3f) ---\n", i+1, c.FilePath, c.ChunkIndex, c.Score)
		text := c.Preview
		if r := []rune(text); len(r) > 500 {
			text = string(r[:500]) + "..."
		}
		fmt.Println(strings.TrimSpace(text))
		fmt.Println()
	}

	if len(result.Sources) > 0 {
		fmt.Println("Sources:")
		for _, s := range result.Sources {
			fmt.Printf("  - %s (%.3f)\n", s.FilePath, s.Score)
		}
	}
	return nil
}
