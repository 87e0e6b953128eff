// Package cgrag implements context-guided retrieval-augmented generation:
// chunking documents into overlapping word windows, embedding them into a
// persistent dense index, and packing the highest-relevance chunks into a
// token-bounded context prefix.
package cgrag

import (
	"strings"
)

// ChunkerConfig configures the word-window chunker.
type ChunkerConfig struct {
	Size    int // window size in words (default 512)
	Overlap int // overlap between windows in words (default 50)
}

// DefaultChunkerConfig returns the stock chunking parameters.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{Size: 512, Overlap: 50}
}

// Chunk is one window of a source document.
type Chunk struct {
	Text      string
	Index     int
	WordCount int
}

// ChunkWords splits text into overlapping word windows. Window boundaries
// prefer paragraph breaks: when a break falls in the back half of the
// window the cut moves there instead of splitting a paragraph mid-sentence.
func ChunkWords(text string, cfg ChunkerConfig) []Chunk {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		cfg.Overlap = cfg.Size / 10
	}

	words, breaks := tokenize(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= cfg.Size {
		return []Chunk{{Text: strings.Join(words, " "), Index: 0, WordCount: len(words)}}
	}

	var chunks []Chunk
	start := 0
	for start < len(words) {
		end := start + cfg.Size
		if end >= len(words) {
			end = len(words)
		} else if cut, ok := bestBreak(breaks, start+cfg.Size/2, end); ok {
			end = cut
		}

		chunks = append(chunks, Chunk{
			Text:      strings.Join(words[start:end], " "),
			Index:     len(chunks),
			WordCount: end - start,
		})
		if end == len(words) {
			break
		}
		// A paragraph cut inside the overlap region would walk the window
		// backwards; step to the cut instead.
		if next := end - cfg.Overlap; next > start {
			start = next
		} else {
			start = end
		}
	}
	return chunks
}

// tokenize splits text into words and records word offsets that start a new
// paragraph (a blank-line boundary in the source).
func tokenize(text string) (words []string, breaks []int) {
	for _, para := range strings.Split(text, "\n\n") {
		w := strings.Fields(para)
		if len(w) == 0 {
			continue
		}
		if len(words) > 0 {
			breaks = append(breaks, len(words))
		}
		words = append(words, w...)
	}
	return words, breaks
}

// bestBreak returns the last paragraph break in (lo, hi], if any.
func bestBreak(breaks []int, lo, hi int) (int, bool) {
	best, ok := 0, false
	for _, b := range breaks {
		if b > lo && b <= hi {
			best, ok = b, true
		}
	}
	return best, ok
}

// EstimateTokens approximates the token count of a chunk. Word count times
// 4/3 tracks GGUF tokenizers closely enough for budget packing.
func EstimateTokens(text string) int {
	return len(strings.Fields(text)) * 4 / 3
}
