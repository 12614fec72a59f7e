package usecase

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"docexpert/internal/domain"
)

// EvalCase is a query with the files a good answer should cite. Relevant
// paths may be relative; they match any retrieved path ending in them.
type EvalCase struct {
	Query    string   `yaml:"query" json:"query"`
	Relevant []string `yaml:"relevant" json:"relevant"`
	Category string   `yaml:"category,omitempty" json:"category,omitempty"`
}

type EvalCaseResult struct {
	Query          string        `json:"query"`
	Retrieved      []string      `json:"retrieved"`
	Precision      float64       `json:"precision"`
	Recall         float64       `json:"recall"`
	ReciprocalRank float64       `json:"reciprocal_rank"`
	TopScore       float64       `json:"top_score"`
	Latency        time.Duration `json:"latency"`
}

type EvalReport struct {
	TopK          int              `json:"top_k"`
	Cases         []EvalCaseResult `json:"cases"`
	MeanPrecision float64          `json:"mean_precision"`
	MeanRecall    float64          `json:"mean_recall"`
	MRR           float64          `json:"mrr"`
	P50           time.Duration    `json:"p50"`
	P95           time.Duration    `json:"p95"`
}

// Evaluate runs every case through r and scores the cited files.
func Evaluate(ctx context.Context, r *RetrieveUseCase, cases []EvalCase, topK int) (*EvalReport, error) {
	report := &EvalReport{TopK: topK}
	if len(cases) == 0 {
		return report, nil
	}

	latencies := make([]time.Duration, 0, len(cases))
	for _, c := range cases {
		start := time.Now()
		result, err := r.Retrieve(ctx, c.Query, topK, domain.Filter{Category: c.Category})
		if err != nil {
			return nil, fmt.Errorf("case %q: %w", c.Query, err)
		}
		latency := time.Since(start)
		latencies = append(latencies, latency)

		retrieved := labelPaths(distinctPaths(result), c.Relevant)
		res := EvalCaseResult{
			Query:     c.Query,
			Retrieved: retrieved,
			Precision: PrecisionAtK(retrieved, c.Relevant),
			Recall:    RecallAtK(retrieved, c.Relevant),
			Latency:   latency,
		}
		for _, rel := range c.Relevant {
			res.ReciprocalRank = max(res.ReciprocalRank, ReciprocalRank(retrieved, rel))
		}
		if len(result.ContextChunks) > 0 {
			res.TopScore = result.ContextChunks[0].Score
		}

		report.Cases = append(report.Cases, res)
		report.MeanPrecision += res.Precision
		report.MeanRecall += res.Recall
		report.MRR += res.ReciprocalRank
	}

	n := float64(len(cases))
	report.MeanPrecision /= n
	report.MeanRecall /= n
	report.MRR /= n

	slices.Sort(latencies)
	report.P50 = percentile(latencies, 0.50)
	report.P95 = percentile(latencies, 0.95)
	return report, nil
}

// distinctPaths lists the files of the retrieved chunks in rank order.
func distinctPaths(result *domain.RetrievalResult) []string {
	var paths []string
	seen := make(map[string]bool)
	for _, c := range result.ContextChunks {
		if c.SourceUnknown || seen[c.FilePath] {
			continue
		}
		seen[c.FilePath] = true
		paths = append(paths, c.FilePath)
	}
	return paths
}

// labelPaths replaces every path that matches a relevant entry with that
// entry.
func labelPaths(paths, relevant []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p
		for _, rel := range relevant {
			if matchesRelevant(p, rel) {
				out[i] = rel
				break
			}
		}
	}
	return out
}

func matchesRelevant(path, rel string) bool {
	path = filepath.ToSlash(path)
	rel = filepath.ToSlash(rel)
	return path == rel || strings.HasSuffix(path, "/"+strings.TrimPrefix(rel, "./"))
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(q*float64(len(sorted)) + 0.5)
	if i > 0 {
		i--
	}
	return sorted[min(i, len(sorted)-1)]
}

func PrecisionAtK(retrieved, relevant []string) float64 {
	if len(retrieved) == 0 {
		return 0
	}
	return float64(countHits(retrieved, relevant)) / float64(len(retrieved))
}

func RecallAtK(retrieved, relevant []string) float64 {
	if len(relevant) == 0 {
		return 0
	}
	return float64(countHits(retrieved, relevant)) / float64(len(relevant))
}

func countHits(retrieved, relevant []string) int {
	relevantSet := make(map[string]bool, len(relevant))
	for _, r := range relevant {
		relevantSet[r] = true
	}
	hits := 0
	for _, r := range retrieved {
		if relevantSet[r] {
			hits++
		}
	}
	return hits
}

func ReciprocalRank(retrieved []string, relevant string) float64 {
	for i, r := range retrieved {
		if r == relevant {
			return 1.0 / float64(i+1)
		}
	}
	return 0
}
