package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docexpert/config"
	"docexpert/internal/adapter/embedding"
	"docexpert/internal/adapter/fs"
	"docexpert/internal/adapter/metadata"
	"docexpert/internal/adapter/vectorindex"
	"docexpert/internal/domain"
	"docexpert/internal/usecase"
)

var (
	ingestReportPath string
	ingestResumePath string
	ingestRebuild    bool
	ingestWorkers    int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path]",
	Short: "Ingest documents into the collection",
	Long: `Chunk, embed and store every matching document under path.

Chunks are written to the vector index and their provenance to the metadata
store. Interrupting the run stops after the batches in flight; pass the saved
report to --resume to continue where it stopped.

Examples:
  docexpert ingest ./docs
  docexpert ingest ./docs --report run.json
  docexpert ingest ./docs --resume run.json
  docexpert ingest ./docs --rebuild`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestReportPath, "report", "", "write the ingestion report as JSON to this file")
	ingestCmd.Flags().StringVar(&ingestResumePath, "resume", "", "skip chunks completed in this earlier report")
	ingestCmd.Flags().BoolVar(&ingestRebuild, "rebuild", false, "drop the collection and its metadata before ingesting")
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 0, "concurrent batches (default from config)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := GetConfig()
	log := GetLogger()

	path := GetRootDir()
	if len(args) > 0 {
		var err error
		path, err = filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("invalid path: %w", err)
		}
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("path does not exist: %w", err)
	}

	var resume *domain.IngestReport
	if ingestResumePath != "" {
		var err error
		resume, err = loadResume(ingestResumePath, cfg)
		if err != nil {
			return err
		}
	}

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	chk, err := newChunker(cfg)
	if err != nil {
		return err
	}

	b, err := OpenBackends(ctx, cfg, GetRootDir(), log)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	if ingestRebuild {
		fmt.Printf("Dropping collection %s...\n", cfg.Collection)
		if err := b.Collections(cfg, log).Drop(ctx, cfg.Collection); err != nil && !errors.Is(err, domain.ErrCollectionNotFound) {
			return err
		}
		resume = nil
	}
	if err := metadata.EnsureSchema(ctx, b.Meta, cfg); err != nil {
		return err
	}

	workers := cfg.Ingest.Workers
	if ingestWorkers > 0 {
		workers = ingestWorkers
	}

	walker := fs.NewWalker(cfg.Ingest.Includes, cfg.Ingest.Excludes, cfg.Ingest.Categories)
	ingestUC, err := usecase.NewIngestUseCase(walker, fs.Reader{}, chk, embedder, b.Index, b.Meta, usecase.IngestOptions{
		Collection:       vectorindex.SpecFromConfig(cfg),
		BatchSize:        cfg.Embedding.BatchSize,
		Workers:          workers,
		Retry:            RetryPolicy(cfg.Retry, cfg.Retry.Count),
		PreviewChars:     cfg.Retrieve.PreviewChars,
		DeterministicIDs: cfg.Ingest.DeterministicIDs,
	}, log)
	if err != nil {
		return err
	}

	fmt.Printf("Ingesting %s into %s...\n", path, cfg.Collection)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Ingesting chunks[reset]"),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)
	var barMu sync.Mutex
	start := time.Now()
	done := 0
	onChunks := func(n int) {
		barMu.Lock()
		defer barMu.Unlock()
		done += n
		bar.Add(n)
		if elapsed := time.Since(start); elapsed > time.Second {
			rate := float64(done) / elapsed.Seconds()
			bar.Describe(fmt.Sprintf("[cyan]Ingesting chunks[reset] %.0f/s", rate))
		}
	}

	report, runErr := ingestUC.Ingest(ctx, path, usecase.IngestRequest{Resume: resume, OnChunks: onChunks})
	bar.Finish()

	if report != nil {
		printReport(report)
		if ingestReportPath != "" {
			if err := writeReport(ingestReportPath, report); err != nil {
				log.Error("failed to write report", zap.String("path", ingestReportPath), zap.Error(err))
			} else {
				fmt.Printf("\nReport written to %s\n", ingestReportPath)
			}
		}
	}
	if runErr != nil {
		if report != nil && report.Cancelled && ingestReportPath != "" {
			fmt.Printf("Run stopped early; resume with --resume %s\n", ingestReportPath)
		}
		return fmt.Errorf("ingestion failed: %w", runErr)
	}
	return nil
}

func printReport(r *domain.IngestReport) {
	fmt.Printf("\nIngestion %s:\n", reportStatus(r))
	fmt.Printf("  Collection:      %s\n", r.Collection)
	fmt.Printf("  Documents:       %d\n", r.DocumentsProcessed)
	fmt.Printf("  Chunks ingested: %d\n", r.ChunksIngested)
	if r.ChunksResumed > 0 {
		fmt.Printf("  Chunks resumed:  %d (done in an earlier run)\n", r.ChunksResumed)
	}
	fmt.Printf("  Chunks skipped:  %d\n", len(r.ChunksSkipped))
	fmt.Printf("  Duration:        %s\n", formatDuration(r.Duration))
	if !r.Flushed {
		fmt.Printf("  Warning: final flush failed, recent chunks may not be searchable yet\n")
	}

	if len(r.ChunksSkipped) > 0 {
		fmt.Printf("\nSkipped chunks:\n")
		for _, s := range r.ChunksSkipped {
			fmt.Printf("  - %s#%d: %s\n", s.FilePath, s.ChunkIndex, s.Reason)
		}
	}
	if len(r.DocumentErrors) > 0 {
		fmt.Printf("\nWarnings:\n")
		for _, e := range r.DocumentErrors {
			fmt.Printf("  - %s\n", e)
		}
	}
}

func reportStatus(r *domain.IngestReport) string {
	if r.Cancelled {
		return "interrupted"
	}
	return "complete"
}

// loadResume reads an earlier report and checks it can be resumed under cfg.
func loadResume(path string, cfg *config.Config) (*domain.IngestReport, error) {
	if !cfg.Ingest.DeterministicIDs {
		return nil, domain.InvalidConfig("--resume requires ingest.deterministic_ids: random ids cannot match the earlier run")
	}
	r, err := readReport(path)
	if err != nil {
		return nil, err
	}
	if r.Collection != cfg.Collection {
		return nil, domain.InvalidConfig("report %s is for collection %s, not %s", path, r.Collection, cfg.Collection)
	}
	return r, nil
}

func readReport(path string) (*domain.IngestReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var r domain.IngestReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	return &r, nil
}

func writeReport(path string, r *domain.IngestReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
