package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"docexpert/config"
	"docexpert/internal/cli"
	"docexpert/internal/logging"
	"docexpert/internal/usecase"
)

func main() {
	dir := flag.String("dir", ".", "directory holding the docexpert config")
	casesPath := flag.String("cases", "", "YAML file of queries and their relevant files")
	query := flag.String("q", "", "single query to test instead of a cases file")
	topK := flag.Int("k", 10, "number of results")
	rounds := flag.Int("n", 1, "times to run every case, for latency")
	flag.Parse()

	if *casesPath == "" && *query == "" {
		fmt.Println("Usage: go run ./cmd/benchmark -dir . -cases queries.yaml")
		fmt.Println("       go run ./cmd/benchmark -dir . -q \"reset password\"")
		fmt.Println("\nCases file:")
		fmt.Println("  - query: how do I reset my password")
		fmt.Println("    relevant: [account/passwords.md]")
		os.Exit(1)
	}

	cfg, err := config.LoadFromDir(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Level = "warn"
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}

	cases := []usecase.EvalCase{{Query: *query}}
	if *casesPath != "" {
		cases, err = loadCases(*casesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading cases: %v\n", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	b, err := cli.OpenBackends(ctx, cfg, *dir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening backends: %v\n", err)
		os.Exit(1)
	}
	defer b.Close(ctx)

	retrieveUC, err := b.Retrieval(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating retriever: %v\n", err)
		os.Exit(1)
	}

	count, _ := b.Index.Count(ctx, cfg.Collection)
	fmt.Println("RETRIEVAL BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Collection: %s (%d vectors)\n", cfg.Collection, count)
	fmt.Printf("Model: %s (%s)\n", cfg.Embedding.Model, cfg.Embedding.Provider)
	fmt.Printf("Cases: %d x %d rounds, top-k %d\n\n", len(cases), *rounds, *topK)

	var report *usecase.EvalReport
	for i := 0; i < max(*rounds, 1); i++ {
		report, err = usecase.Evaluate(ctx, retrieveUC, cases, *topK)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Evaluation error: %v\n", err)
			os.Exit(1)
		}
	}

	for i, c := range report.Cases {
		fmt.Printf("%d. [%s %.3f] %s (%s)\n", i+1, rating(c.TopScore), c.TopScore, c.Query, c.Latency.Round(time.Microsecond))
		for j, path := range c.Retrieved {
			if j == 3 {
				fmt.Printf("   ... %d more\n", len(c.Retrieved)-3)
				break
			}
			fmt.Printf("   %s\n", shortPath(path))
		}
		fmt.Println()
	}

	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("LATENCY:\n")
	fmt.Printf("  p50: %s\n", report.P50)
	fmt.Printf("  p95: %s\n", report.P95)
	if *casesPath != "" {
		fmt.Printf("QUALITY METRICS:\n")
		fmt.Printf("  Precision@%d: %.3f\n", *topK, report.MeanPrecision)
		fmt.Printf("  Recall@%d:    %.3f\n", *topK, report.MeanRecall)
		fmt.Printf("  MRR:          %.3f\n", report.MRR)

		if report.MRR > 0.7 {
			fmt.Println("  Status: GOOD - relevant files rank near the top")
		} else if report.MRR > 0.4 {
			fmt.Println("  Status: OK - relevant files are found but ranked low")
		} else {
			fmt.Println("  Status: POOR - check chunking settings or the embedding model")
		}
	}
}

func loadCases(path string) ([]usecase.EvalCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cases []usecase.EvalCase
	if err := yaml.Unmarshal(data, &cases); err != nil {
		return nil, err
	}
	return cases, nil
}

func rating(score float64) string {
	switch {
	case score > 0.7:
		return "HIGH"
	case score > 0.5:
		return "GOOD"
	case score > 0.3:
		return "OK"
	default:
		return "LOW"
	}
}

func shortPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 2 {
		return strings.Join(parts[len(parts)-2:], "/")
	}
	return path
}
