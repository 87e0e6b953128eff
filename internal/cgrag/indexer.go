package cgrag

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/pkg/contracts"
)

// defaultExtensions are the document types the indexer ingests.
var defaultExtensions = map[string]bool{
	".md": true, ".txt": true, ".rst": true,
	".go": true, ".py": true, ".js": true, ".ts": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
}

// embedBatchSize is how many chunks are embedded per driver call.
const embedBatchSize = 64

// Indexer builds the persistent CGRAG index.
type Indexer struct {
	embedder   contracts.EmbeddingDriver
	chunker    ChunkerConfig
	extensions map[string]bool
}

// NewIndexer creates an indexer with default chunking and extensions.
func NewIndexer(embedder contracts.EmbeddingDriver) *Indexer {
	return &Indexer{
		embedder:   embedder,
		chunker:    DefaultChunkerConfig(),
		extensions: defaultExtensions,
	}
}

// Index walks the given paths, chunks every allowed document, embeds the
// chunks, and persists the resulting store to dir. It returns the built
// store so callers can swap it into a live retriever.
func (ix *Indexer) Index(ctx context.Context, paths []string, dir string) (*FileStore, error) {
	store := NewFileStore(ix.embedder.Dimensions(), ix.embedder.Kind())

	files, err := ix.collectFiles(paths)
	if err != nil {
		return nil, err
	}
	log.Info().Int("files", len(files)).Msg("Indexing documents")

	type pending struct {
		source string
		chunk  Chunk
	}
	var batch []pending

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.chunk.Text
		}
		vecs, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		for i, p := range batch {
			if err := store.Append(p.source, p.chunk, vecs[i]); err != nil {
				return err
			}
		}
		batch = batch[:0]
		return nil
	}

	for _, file := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		data, err := os.ReadFile(file)
		if err != nil {
			log.Warn().Err(err).Str("file", file).Msg("Skipping unreadable document")
			continue
		}
		for _, chunk := range ChunkWords(string(data), ix.chunker) {
			batch = append(batch, pending{source: file, chunk: chunk})
			if len(batch) >= embedBatchSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if err := store.Save(dir); err != nil {
		return nil, fmt.Errorf("persist index: %w", err)
	}
	return store, nil
}

// collectFiles expands paths into the sorted list of indexable files.
func (ix *Indexer) collectFiles(paths []string) ([]string, error) {
	var files []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if ix.extensions[strings.ToLower(filepath.Ext(root))] {
				files = append(files, root)
			}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if ix.extensions[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return files, nil
}
