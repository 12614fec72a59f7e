package chunker

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"docexpert/internal/domain"
)

func newTestChunker(t *testing.T, size, overlap int) *WindowChunker {
	t.Helper()
	c, err := NewWindowChunker(size, overlap, DeterministicIDs("docs_v1"))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// reassemble concatenates chunks while dropping the overlapping prefix of
// every chunk after the first.
func reassemble(chunks []domain.Chunk, overlap int) string {
	var b strings.Builder
	for i, c := range chunks {
		text := c.Text
		if i > 0 {
			runes := []rune(text)
			if len(runes) <= overlap {
				continue
			}
			text = string(runes[overlap:])
		}
		b.WriteString(text)
	}
	return b.String()
}

func TestWindowChunkerRejectsBadConfig(t *testing.T) {
	cases := []struct {
		size, overlap int
	}{
		{0, 0},
		{-1, 0},
		{10, 10},
		{10, 11},
		{10, -1},
	}
	for _, tc := range cases {
		_, err := NewWindowChunker(tc.size, tc.overlap, RandomIDs())
		if !errors.Is(err, domain.ErrInvalidConfiguration) {
			t.Errorf("size=%d overlap=%d: expected ErrInvalidConfiguration, got %v", tc.size, tc.overlap, err)
		}
	}
}

func TestWindowChunkerThreeChunks(t *testing.T) {
	c := newTestChunker(t, 100, 20)
	doc := domain.Document{Path: "/docs/guide.md"}
	content := strings.Repeat("a", 250)

	chunks, err := c.Chunk(doc, content)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}

	wantRanges := [][2]int{{0, 100}, {80, 180}, {160, 250}}
	for i, chunk := range chunks {
		if chunk.Index != i {
			t.Errorf("chunk %d has index %d", i, chunk.Index)
		}
		if chunk.ByteStart != wantRanges[i][0] || chunk.ByteEnd != wantRanges[i][1] {
			t.Errorf("chunk %d: expected range %v, got [%d,%d)", i, wantRanges[i], chunk.ByteStart, chunk.ByteEnd)
		}
		if chunk.DocPath != doc.Path {
			t.Errorf("chunk %d: expected DocPath %s, got %s", i, doc.Path, chunk.DocPath)
		}
	}
}

func TestWindowChunkerRoundTrip(t *testing.T) {
	content := "Milvus stores vectors. Ünïcödé text survives chunking — including emoji 🚀 and CJK 向量数据库.\n" +
		strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40)

	configs := [][2]int{{1, 0}, {7, 3}, {50, 0}, {50, 49}, {100, 20}, {5000, 100}}
	for _, cfg := range configs {
		c := newTestChunker(t, cfg[0], cfg[1])
		chunks, err := c.Chunk(domain.Document{Path: "a.md"}, content)
		if err != nil {
			t.Fatal(err)
		}
		if got := reassemble(chunks, cfg[1]); got != content {
			t.Errorf("size=%d overlap=%d: reassembled text differs from source", cfg[0], cfg[1])
		}
		for i, chunk := range chunks {
			if content[chunk.ByteStart:chunk.ByteEnd] != chunk.Text {
				t.Errorf("size=%d overlap=%d: chunk %d byte range does not match text", cfg[0], cfg[1], i)
			}
			if n := utf8.RuneCountInString(chunk.Text); n > cfg[0] {
				t.Errorf("size=%d overlap=%d: chunk %d has %d characters", cfg[0], cfg[1], i, n)
			}
		}
	}
}

func TestWindowChunkerOverlap(t *testing.T) {
	c := newTestChunker(t, 10, 4)
	content := "abcdefghijklmnopqrstuvwxyz"

	chunks, err := c.Chunk(domain.Document{Path: "alpha.txt"}, content)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("need at least 2 chunks, got %d", len(chunks))
	}

	for i := 0; i < len(chunks)-1; i++ {
		current := chunks[i].Text
		next := chunks[i+1].Text
		if !strings.HasPrefix(next, current[len(current)-4:]) {
			t.Errorf("chunk %d does not start with the last 4 characters of chunk %d", i+1, i)
		}
	}
	last := chunks[len(chunks)-1]
	if last.ByteEnd != len(content) {
		t.Errorf("last chunk should end at %d, got %d", len(content), last.ByteEnd)
	}
}

func TestWindowChunkerEmptyContent(t *testing.T) {
	c := newTestChunker(t, 50, 10)

	chunks, err := c.Chunk(domain.Document{Path: "empty.md"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected 0 chunks for empty content, got %d", len(chunks))
	}
}

func TestWindowChunkerShortContent(t *testing.T) {
	c := newTestChunker(t, 50, 10)
	content := "Just a single line"

	chunks, err := c.Chunk(domain.Document{Path: "single.md"}, content)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != content {
		t.Errorf("expected chunk text to match content")
	}
}

func TestWindowChunkerSeqIsRestartable(t *testing.T) {
	c := newTestChunker(t, 8, 2)
	seq, err := c.Seq(domain.Document{Path: "r.md"}, "restartable sequences are handy")
	if err != nil {
		t.Fatal(err)
	}

	var first, second []domain.Chunk
	for ch := range seq {
		first = append(first, ch)
	}
	for ch := range seq {
		second = append(second, ch)
	}
	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("expected equal non-empty passes, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs between passes", i)
		}
	}

	// stopping early must not disturb the next pass
	for range seq {
		break
	}
	count := 0
	for range seq {
		count++
	}
	if count != len(first) {
		t.Errorf("expected %d chunks after early break, got %d", len(first), count)
	}
}

func TestWindowChunkerInvalidUTF8(t *testing.T) {
	c := newTestChunker(t, 10, 0)
	if _, err := c.Chunk(domain.Document{Path: "bin"}, "ok\xff\xfe"); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}

func TestChunkIDs(t *testing.T) {
	ids := DeterministicIDs("docs_v1")
	if ids("/a.md", 0) != ids("/a.md", 0) {
		t.Error("deterministic ids must be stable")
	}
	if ids("/a.md", 0) == ids("/a.md", 1) {
		t.Error("different chunk indexes must get different ids")
	}
	if ids("/a.md", 0) == DeterministicIDs("docs_v2")("/a.md", 0) {
		t.Error("different collections must get different ids")
	}

	random := RandomIDs()
	if random("/a.md", 0) == random("/a.md", 0) {
		t.Error("random ids must differ between calls")
	}
}
