package vectorindex

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"docexpert/internal/domain"
	"docexpert/internal/port"
)

// NormalizeScore turns a raw metric value into a score where higher is
// more relevant. L2 values are squared distances.
func NormalizeScore(metric port.Metric, raw float64) float64 {
	if metric == port.MetricL2 {
		return 1 / (1 + raw)
	}
	return raw
}

// SortResult orders hits by descending score, ties by ascending id.
func SortResult(hits domain.QueryResult) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

// rawScore computes the metric value between query and v.
func rawScore(metric port.Metric, query, v []float32) float64 {
	switch metric {
	case port.MetricIP:
		var dot float64
		for i := range query {
			dot += float64(query[i]) * float64(v[i])
		}
		return dot
	case port.MetricCosine:
		return cosineSimilarity(query, v)
	default:
		var sum float64
		for i := range query {
			d := float64(query[i]) - float64(v[i])
			sum += d * d
		}
		return sum
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// checkLocalFilter rejects filters that only a server-side engine can
// evaluate.
func checkLocalFilter(f domain.Filter) error {
	if f.Expr != "" {
		return domain.InvalidConfig("raw filter expressions are only supported by the milvus backend")
	}
	return nil
}

func matchesFilter(f domain.Filter, item port.VectorItem) bool {
	if f.Category != "" && item.Category != f.Category {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(item.FilePath, f.PathPrefix) {
		return false
	}
	if f.FileName != "" && item.FileName != f.FileName {
		return false
	}
	return true
}

// bruteForce scores every item and returns the best topK.
func bruteForce(metric port.Metric, items map[domain.ChunkID]port.VectorItem, query []float32, topK int, f domain.Filter) domain.QueryResult {
	hits := make(domain.QueryResult, 0, len(items))
	for id, item := range items {
		if !matchesFilter(f, item) {
			continue
		}
		hits = append(hits, domain.ScoredID{
			ID:    id,
			Score: NormalizeScore(metric, rawScore(metric, query, item.Vector)),
		})
	}
	SortResult(hits)
	if topK < len(hits) {
		hits = hits[:topK]
	}
	return hits
}

func checkDimension(want int, vectors ...[]float32) error {
	for _, v := range vectors {
		if len(v) != want {
			return fmt.Errorf("expected %d, got %d: %w", want, len(v), domain.ErrDimensionMismatch)
		}
	}
	return nil
}
