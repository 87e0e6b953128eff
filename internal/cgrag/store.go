package cgrag

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/pkg/contracts"
	"github.com/maestro-llm/maestro/pkg/models"
)

// Persisted index layout inside one directory:
//
//	docs.index    packed unit-norm float32 vectors, little-endian, [n, dim]
//	docs.metadata JSON array of chunk metadata, same order as docs.index
//	docs.info     {dim, count, embedding_model_name, created_at}
const (
	vectorsFile  = "docs.index"
	metadataFile = "docs.metadata"
	infoFile     = "docs.info"
)

// chunkMeta is the persisted per-chunk record.
type chunkMeta struct {
	SourcePath string `json:"source_path"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
}

type indexInfo struct {
	Dim            int       `json:"dim"`
	Count          int       `json:"count"`
	EmbeddingModel string    `json:"embedding_model_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileStore is the in-memory vector store backing CGRAG retrieval, loaded
// from and persisted to the flat-file index. It is read-only at query time;
// rebuilds construct a new store and swap the pointer.
type FileStore struct {
	mu      sync.RWMutex
	dim     int
	vectors []float32 // flattened, row-major
	meta    []chunkMeta
	model   string
}

// NewFileStore creates an empty store for the given embedding dimensions.
func NewFileStore(dim int, embeddingModel string) *FileStore {
	return &FileStore{dim: dim, model: embeddingModel}
}

func (s *FileStore) Kind() string { return "file" }

// Append adds one chunk with its unit-norm vector.
func (s *FileStore) Append(source string, chunk Chunk, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(vector) != s.dim {
		return fmt.Errorf("vector dim %d, store dim %d: %w", len(vector), s.dim, models.ErrEmbeddingFailed)
	}
	s.vectors = append(s.vectors, vector...)
	s.meta = append(s.meta, chunkMeta{
		SourcePath: source,
		ChunkIndex: chunk.Index,
		Text:       chunk.Text,
		TokenCount: EstimateTokens(chunk.Text),
	})
	return nil
}

// Count returns the number of indexed chunks.
func (s *FileStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.meta), nil
}

// Search returns the topK nearest chunks by inner product, descending.
// Ties break by ascending (source_path, chunk_index) for determinism.
func (s *FileStore) Search(_ context.Context, vector []float32, topK int) ([]contracts.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(vector) != s.dim {
		return nil, fmt.Errorf("query dim %d, index dim %d: %w", len(vector), s.dim, models.ErrEmbeddingFailed)
	}

	scored := make([]contracts.ScoredChunk, 0, len(s.meta))
	for i := range s.meta {
		row := s.vectors[i*s.dim : (i+1)*s.dim]
		var dot float64
		for j, x := range row {
			dot += float64(x) * float64(vector[j])
		}
		m := s.meta[i]
		scored = append(scored, contracts.ScoredChunk{
			Chunk: models.ContextChunk{
				SourcePath: m.SourcePath,
				ChunkIndex: m.ChunkIndex,
				Text:       m.Text,
				TokenCount: m.TokenCount,
				Relevance:  dot,
			},
			Score: dot,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Chunk.SourcePath != scored[j].Chunk.SourcePath {
			return scored[i].Chunk.SourcePath < scored[j].Chunk.SourcePath
		}
		return scored[i].Chunk.ChunkIndex < scored[j].Chunk.ChunkIndex
	})

	if topK > len(scored) {
		topK = len(scored)
	}
	return scored[:topK], nil
}

// Save persists the index atomically: each file is written to a temp path
// and renamed, so readers loading concurrently never see a torn index.
func (s *FileStore) Save(dir string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	buf := make([]byte, len(s.vectors)*4)
	for i, v := range s.vectors {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if err := atomicWrite(filepath.Join(dir, vectorsFile), buf); err != nil {
		return err
	}

	meta, err := json.Marshal(s.meta)
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(dir, metadataFile), meta); err != nil {
		return err
	}

	info, err := json.MarshalIndent(indexInfo{
		Dim:            s.dim,
		Count:          len(s.meta),
		EmbeddingModel: s.model,
		CreatedAt:      time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(dir, infoFile), info); err != nil {
		return err
	}

	log.Info().
		Int("chunks", len(s.meta)).
		Int("dim", s.dim).
		Str("dir", dir).
		Msg("CGRAG index persisted")
	return nil
}

// LoadFileStore reads a persisted index, verifying that the vector file
// size matches count*dim*4 and that the metadata length matches count.
func LoadFileStore(dir string) (*FileStore, error) {
	infoData, err := os.ReadFile(filepath.Join(dir, infoFile))
	if os.IsNotExist(err) {
		return nil, models.ErrIndexMissing
	}
	if err != nil {
		return nil, err
	}
	var info indexInfo
	if err := json.Unmarshal(infoData, &info); err != nil {
		return nil, fmt.Errorf("%w: bad info file: %v", models.ErrIndexCorrupt, err)
	}
	if info.Dim <= 0 || info.Count < 0 {
		return nil, fmt.Errorf("%w: dim=%d count=%d", models.ErrIndexCorrupt, info.Dim, info.Count)
	}

	vecData, err := os.ReadFile(filepath.Join(dir, vectorsFile))
	if os.IsNotExist(err) {
		return nil, models.ErrIndexMissing
	}
	if err != nil {
		return nil, err
	}
	if len(vecData) != info.Count*info.Dim*4 {
		return nil, fmt.Errorf("%w: vector file %d bytes, want %d",
			models.ErrIndexCorrupt, len(vecData), info.Count*info.Dim*4)
	}

	metaData, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if os.IsNotExist(err) {
		return nil, models.ErrIndexMissing
	}
	if err != nil {
		return nil, err
	}
	var meta []chunkMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("%w: bad metadata: %v", models.ErrIndexCorrupt, err)
	}
	if len(meta) != info.Count {
		return nil, fmt.Errorf("%w: metadata length %d, want %d", models.ErrIndexCorrupt, len(meta), info.Count)
	}

	vectors := make([]float32, info.Count*info.Dim)
	for i := range vectors {
		vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(vecData[i*4:]))
	}

	log.Info().
		Int("chunks", info.Count).
		Int("dim", info.Dim).
		Str("embedding_model", info.EmbeddingModel).
		Msg("CGRAG index loaded")

	return &FileStore{
		dim:     info.Dim,
		vectors: vectors,
		meta:    meta,
		model:   info.EmbeddingModel,
	}, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
