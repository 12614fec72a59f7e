package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check connectivity to the configured backends",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := GetConfig()
		b, err := OpenBackends(ctx, cfg, GetRootDir(), GetLogger())
		if err != nil {
			return err
		}
		defer b.Close(ctx)

		st, err := b.Collections(cfg, GetLogger()).Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Vector index: %s\n", cfg.VectorIndex.Backend)
		if st.ServerVersion != "" {
			fmt.Printf("  Server version: %s\n", st.ServerVersion)
		}
		fmt.Printf("  Collections:    %d\n", len(st.Collections))
		for _, name := range st.Collections {
			marker := " "
			if name == cfg.Collection {
				marker = "*"
			}
			fmt.Printf("    %s %s\n", marker, name)
		}
		fmt.Printf("Metadata store: %s\n", cfg.Metadata.Backend)
		fmt.Printf("Embedding:      %s/%s (%d dimensions)\n", cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.Dimension)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
