package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Project{Name: "billing", Path: "/repo/billing", EmbeddingModel: "nomic", Dimensions: 4, Tags: []string{"go", "payments"}}
	require.NoError(t, s.CreateProject(ctx, p))
	assert.NotEmpty(t, p.ID)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "billing", got.Name)
	assert.Equal(t, []string{"go", "payments"}, got.Tags)
	assert.Equal(t, 0, got.ChunkCount)
}

func TestGetProject_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetProject(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound{})
}

func TestGetProjectByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := &Project{Name: "auth", Path: "/repo/auth", EmbeddingModel: "nomic", Dimensions: 4}
	require.NoError(t, s.CreateProject(ctx, p))

	got, err := s.GetProjectByName(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestInsertChunks_DimensionMismatchRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := &Project{Name: "p", Path: "/p", EmbeddingModel: "nomic", Dimensions: 4}
	require.NoError(t, s.CreateProject(ctx, p))

	err := s.InsertChunks(ctx, p.ID, []*Chunk{
		{Content: "x", Embedding: []float32{1, 2}, FilePath: "a.go", LineRange: LineRange{Start: 1, End: 2}},
	})
	require.Error(t, err)
	var mismatch ErrDimensionMismatch
	assert.ErrorAs(t, err, &mismatch)

	count, err := s.CountChunks(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "a failed batch must not partially land")
}

func TestInsertChunks_RoundTripsEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := &Project{Name: "p", Path: "/p", EmbeddingModel: "nomic", Dimensions: 3}
	require.NoError(t, s.CreateProject(ctx, p))

	embedding := []float32{0.1, -0.2, 0.3}
	require.NoError(t, s.InsertChunks(ctx, p.ID, []*Chunk{
		{Content: "func f()", Embedding: embedding, FilePath: "a.go", LineRange: LineRange{Start: 1, End: 3}, Metadata: map[string]string{"lang": "go"}},
	}))

	chunks, err := s.GetChunks(ctx, []string{mustFirstChunkID(t, s, ctx, p.ID)})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.InDeltaSlice(t, []float64{0.1, -0.2, 0.3}, toFloat64Slice(chunks[0].Embedding), 0.0001)
	assert.Equal(t, "go", chunks[0].Metadata["lang"])
}

func TestInsertChunks_RejectsNonFiniteEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := &Project{Name: "p", Path: "/p", EmbeddingModel: "nomic", Dimensions: 2}
	require.NoError(t, s.CreateProject(ctx, p))

	err := s.InsertChunks(ctx, p.ID, []*Chunk{
		{Content: "x", Embedding: []float32{float32(1) / 0, 0}, FilePath: "a.go"},
	})
	assert.Error(t, err)
}

func TestIterChunks_PagesInSequenceOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := &Project{Name: "p", Path: "/p", EmbeddingModel: "nomic", Dimensions: 1}
	require.NoError(t, s.CreateProject(ctx, p))

	chunks := make([]*Chunk, 0, 5)
	for i := 0; i < 5; i++ {
		chunks = append(chunks, &Chunk{Content: "c", Embedding: []float32{0.5}, FilePath: "a.go"})
	}
	require.NoError(t, s.InsertChunks(ctx, p.ID, chunks))

	var seen []int
	err := s.IterChunks(ctx, p.ID, 2, func(page []*Chunk) error {
		seen = append(seen, len(page))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, seen)
}

func TestDeleteChunksForFile_AlsoDropsFileHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := &Project{Name: "p", Path: "/p", EmbeddingModel: "nomic", Dimensions: 1}
	require.NoError(t, s.CreateProject(ctx, p))
	require.NoError(t, s.InsertChunks(ctx, p.ID, []*Chunk{{Content: "c", Embedding: []float32{0.5}, FilePath: "a.go"}}))
	require.NoError(t, s.SaveFileHash(ctx, &FileHash{ProjectID: p.ID, FilePath: "a.go", Hash: "abc"}))

	require.NoError(t, s.DeleteChunksForFile(ctx, p.ID, "a.go"))

	count, err := s.CountChunks(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	fh, err := s.GetFileHash(ctx, p.ID, "a.go")
	require.NoError(t, err)
	assert.Nil(t, fh)
}

func TestSaveFileHash_UpsertsOnConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := &Project{Name: "p", Path: "/p", EmbeddingModel: "nomic", Dimensions: 1}
	require.NoError(t, s.CreateProject(ctx, p))

	require.NoError(t, s.SaveFileHash(ctx, &FileHash{ProjectID: p.ID, FilePath: "a.go", Hash: "v1"}))
	require.NoError(t, s.SaveFileHash(ctx, &FileHash{ProjectID: p.ID, FilePath: "a.go", Hash: "v2"}))

	fh, err := s.GetFileHash(ctx, p.ID, "a.go")
	require.NoError(t, err)
	assert.Equal(t, "v2", fh.Hash)
}

func TestDeleteProject_CascadesChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := &Project{Name: "p", Path: "/p", EmbeddingModel: "nomic", Dimensions: 1}
	require.NoError(t, s.CreateProject(ctx, p))
	require.NoError(t, s.InsertChunks(ctx, p.ID, []*Chunk{{Content: "c", Embedding: []float32{0.5}, FilePath: "a.go"}}))

	require.NoError(t, s.DeleteProject(ctx, p.ID))

	_, err := s.GetProject(ctx, p.ID)
	assert.ErrorIs(t, err, ErrProjectNotFound{})
}

func TestDeleteProject_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteProject(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound{ID: "missing"})
}

func mustFirstChunkID(t *testing.T, s *SQLiteStore, ctx context.Context, projectID string) string {
	t.Helper()
	var id string
	err := s.IterChunks(ctx, projectID, 10, func(page []*Chunk) error {
		if len(page) > 0 {
			id = page[0].ID
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func toFloat64Slice(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
