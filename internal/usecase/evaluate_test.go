package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecisionAtK(t *testing.T) {
	cases := []struct {
		name      string
		retrieved []string
		relevant  []string
		wantP     float64
	}{
		{"perfect", []string{"a", "b", "c"}, []string{"a", "b", "c"}, 1.0},
		{"partial", []string{"a", "b", "x"}, []string{"a", "b", "c"}, 0.666},
		{"none", []string{"x", "y", "z"}, []string{"a", "b", "c"}, 0.0},
		{"empty_retrieved", []string{}, []string{"a", "b"}, 0.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.wantP, PrecisionAtK(tc.retrieved, tc.relevant), 0.01)
		})
	}
}

func TestRecallAtK(t *testing.T) {
	cases := []struct {
		name      string
		retrieved []string
		relevant  []string
		wantR     float64
	}{
		{"perfect", []string{"a", "b", "c"}, []string{"a", "b", "c"}, 1.0},
		{"partial", []string{"a", "b", "x"}, []string{"a", "b", "c"}, 0.666},
		{"none", []string{"x", "y", "z"}, []string{"a", "b", "c"}, 0.0},
		{"empty_relevant", []string{"a", "b"}, []string{}, 0.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.wantR, RecallAtK(tc.retrieved, tc.relevant), 0.01)
		})
	}
}

func TestReciprocalRank(t *testing.T) {
	cases := []struct {
		name      string
		retrieved []string
		relevant  string
		want      float64
	}{
		{"first", []string{"a", "b", "c"}, "a", 1.0},
		{"second", []string{"x", "a", "c"}, "a", 0.5},
		{"third", []string{"x", "y", "a"}, "a", 0.333},
		{"missing", []string{"x", "y", "z"}, "a", 0.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, ReciprocalRank(tc.retrieved, tc.relevant), 0.01)
		})
	}
}

func TestMatchesRelevant(t *testing.T) {
	assert.True(t, matchesRelevant("/srv/docs/faq/billing.md", "faq/billing.md"))
	assert.True(t, matchesRelevant("/srv/docs/faq/billing.md", "./faq/billing.md"))
	assert.True(t, matchesRelevant("faq/billing.md", "faq/billing.md"))
	assert.False(t, matchesRelevant("/srv/docs/faq/mybilling.md", "billing.md"))
}

func TestPercentile(t *testing.T) {
	d := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(5), percentile(d, 0.5))
	assert.Equal(t, time.Duration(10), percentile(d, 0.95))
	assert.Zero(t, percentile(nil, 0.5))
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 100, 20)
	docs := docsOf(
		SourceDocument{Document: doc("/srv/docs/install.md", "guide"), Text: distinctText("install", 250)},
		SourceDocument{Document: doc("/srv/docs/billing.md", "faq"), Text: distinctText("invoice", 250)},
	)
	_, err := env.ingest(t, 4, 1).IngestDocuments(ctx, docs, IngestRequest{})
	require.NoError(t, err)

	report, err := Evaluate(ctx, env.retrieve(true), []EvalCase{
		{Query: "install001 install002 install003", Relevant: []string{"install.md"}},
		{Query: "invoice004 invoice005", Relevant: []string{"billing.md"}, Category: "faq"},
	}, 3)
	require.NoError(t, err)
	require.Len(t, report.Cases, 2)

	assert.Equal(t, "install.md", report.Cases[0].Retrieved[0])
	assert.InDelta(t, 1.0, report.Cases[0].ReciprocalRank, 1e-9)
	assert.Equal(t, []string{"billing.md"}, report.Cases[1].Retrieved)
	assert.InDelta(t, 1.0, report.Cases[1].Precision, 1e-9)
	assert.InDelta(t, 1.0, report.MRR, 1e-9)
	assert.InDelta(t, 1.0, report.MeanRecall, 1e-9)
	assert.Positive(t, report.Cases[0].TopScore)
}
