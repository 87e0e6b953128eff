package cgrag_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/maestro-llm/maestro/internal/cgrag"
)

func numberedWords(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return words
}

func TestChunkWords_Empty(t *testing.T) {
	if got := cgrag.ChunkWords("", cgrag.DefaultChunkerConfig()); got != nil {
		t.Errorf("ChunkWords(\"\") = %+v, want nil", got)
	}
	if got := cgrag.ChunkWords("   \n\n  ", cgrag.DefaultChunkerConfig()); got != nil {
		t.Errorf("ChunkWords(whitespace) = %+v, want nil", got)
	}
}

func TestChunkWords_ShortTextSingleChunk(t *testing.T) {
	got := cgrag.ChunkWords("one two three four five", cgrag.DefaultChunkerConfig())
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].WordCount != 5 || got[0].Index != 0 {
		t.Errorf("chunk = %+v, want 5 words at index 0", got[0])
	}
}

func TestChunkWords_OverlappingWindows(t *testing.T) {
	words := numberedWords(1200)
	got := cgrag.ChunkWords(strings.Join(words, " "), cgrag.DefaultChunkerConfig())

	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	wantCounts := []int{512, 512, 276}
	wantFirst := []string{"w0", "w462", "w924"}
	for i, c := range got {
		if c.WordCount != wantCounts[i] {
			t.Errorf("chunk %d word count = %d, want %d", i, c.WordCount, wantCounts[i])
		}
		if first := strings.Fields(c.Text)[0]; first != wantFirst[i] {
			t.Errorf("chunk %d starts at %s, want %s", i, first, wantFirst[i])
		}
		if c.Index != i {
			t.Errorf("chunk %d index = %d", i, c.Index)
		}
	}
}

func TestChunkWords_PrefersParagraphBreaks(t *testing.T) {
	// A break at word 80 falls in the back half of a 100-word window, so the
	// first window cuts there instead of splitting the second paragraph.
	text := strings.Join(numberedWords(80), " ") + "\n\n" + strings.Join(numberedWords(100), " ")
	got := cgrag.ChunkWords(text, cgrag.ChunkerConfig{Size: 100, Overlap: 10})

	if len(got) < 2 {
		t.Fatalf("len = %d, want at least 2", len(got))
	}
	if got[0].WordCount != 80 {
		t.Errorf("first chunk word count = %d, want 80 (cut at paragraph break)", got[0].WordCount)
	}
}

func TestChunkWords_WideOverlapAdvances(t *testing.T) {
	// An overlap wider than half the window can put a paragraph cut before
	// start+overlap; the next window must still move forward.
	words := numberedWords(165)
	text := strings.Join(words[:55], " ") + "\n\n" +
		strings.Join(words[55:110], " ") + "\n\n" +
		strings.Join(words[110:], " ")

	got := cgrag.ChunkWords(text, cgrag.ChunkerConfig{Size: 100, Overlap: 60})
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	wantFirst := []string{"w0", "w55", "w110"}
	for i, c := range got {
		if c.WordCount != 55 {
			t.Errorf("chunk %d word count = %d, want 55", i, c.WordCount)
		}
		if first := strings.Fields(c.Text)[0]; first != wantFirst[i] {
			t.Errorf("chunk %d starts at %s, want %s", i, first, wantFirst[i])
		}
	}
}

func TestChunkWords_BadConfigFallsBack(t *testing.T) {
	// Overlap >= Size is replaced with Size/10 rather than looping forever.
	got := cgrag.ChunkWords(strings.Join(numberedWords(50), " "), cgrag.ChunkerConfig{Size: 20, Overlap: 20})
	if len(got) == 0 {
		t.Fatal("no chunks produced")
	}
	for i, c := range got {
		if c.WordCount > 20 {
			t.Errorf("chunk %d word count = %d, want <= 20", i, c.WordCount)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a b c", 4},
		{strings.Join(numberedWords(9), " "), 12},
		{strings.Join(numberedWords(512), " "), 682},
	}
	for _, tt := range tests {
		if got := cgrag.EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d words) = %d, want %d", len(strings.Fields(tt.text)), got, tt.want)
		}
	}
}
