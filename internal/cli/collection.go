package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	collectionDropExisting bool
	collectionJSON         bool
)

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Manage vector index collections",
}

var collectionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the configured collection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := GetConfig()
		b, err := OpenBackends(ctx, cfg, GetRootDir(), GetLogger())
		if err != nil {
			return err
		}
		defer b.Close(ctx)

		if err := b.Collections(cfg, GetLogger()).Create(ctx, collectionDropExisting); err != nil {
			return err
		}
		fmt.Printf("Collection %s ready (dimension %d, metric %s)\n", cfg.Collection, cfg.Embedding.Dimension, cfg.VectorIndex.Metric)
		return nil
	},
}

var collectionDropCmd = &cobra.Command{
	Use:   "drop [name]",
	Short: "Drop a collection and its metadata",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := GetConfig()
		name := cfg.Collection
		if len(args) > 0 {
			name = args[0]
		}
		b, err := OpenBackends(ctx, cfg, GetRootDir(), GetLogger())
		if err != nil {
			return err
		}
		defer b.Close(ctx)

		if err := b.Collections(cfg, GetLogger()).Drop(ctx, name); err != nil {
			return err
		}
		fmt.Printf("Collection %s dropped\n", name)
		return nil
	},
}

var collectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := GetConfig()
		b, err := OpenBackends(ctx, cfg, GetRootDir(), GetLogger())
		if err != nil {
			return err
		}
		defer b.Close(ctx)

		names, err := b.Collections(cfg, GetLogger()).List(ctx)
		if err != nil {
			return err
		}
		if collectionJSON {
			output, _ := json.MarshalIndent(names, "", "  ")
			fmt.Println(string(output))
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var collectionStatsCmd = &cobra.Command{
	Use:   "stats [name]",
	Short: "Show vector and metadata counts of a collection",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := GetConfig()
		name := cfg.Collection
		if len(args) > 0 {
			name = args[0]
		}
		b, err := OpenBackends(ctx, cfg, GetRootDir(), GetLogger())
		if err != nil {
			return err
		}
		defer b.Close(ctx)

		stats, err := b.Collections(cfg, GetLogger()).Stats(ctx, name)
		if err != nil {
			return err
		}
		if collectionJSON {
			output, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(output))
			return nil
		}
		fmt.Printf("Collection:       %s\n", stats.Name)
		if stats.Metric != "" {
			fmt.Printf("Metric:           %s\n", stats.Metric)
		}
		fmt.Printf("Vectors:          %d\n", stats.Vectors)
		fmt.Printf("Metadata records: %d\n", stats.MetadataRecords)
		if stats.Schema.Version > 0 {
			fmt.Printf("Schema:           v%d (%s)\n", stats.Schema.Version, stats.Schema.Fingerprint)
		}
		if n := stats.Orphans(); n > 0 {
			fmt.Printf("Warning: %d vectors have no metadata and will be returned as source unknown\n", n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(collectionCmd)
	collectionCmd.AddCommand(collectionCreateCmd, collectionDropCmd, collectionListCmd, collectionStatsCmd)
	collectionCreateCmd.Flags().BoolVar(&collectionDropExisting, "drop-existing", false, "drop the collection first if it exists")
	collectionListCmd.Flags().BoolVar(&collectionJSON, "json", false, "output as JSON")
	collectionStatsCmd.Flags().BoolVar(&collectionJSON, "json", false, "output as JSON")
}
