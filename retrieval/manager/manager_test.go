package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesearch-dev/codesearch/store"
)

// fakeChunkStore implements store.ChunkStore over an in-memory slice, just
// enough to drive Manager.build via IterChunks.
type fakeChunkStore struct {
	mu         sync.Mutex
	chunks     map[string][]*store.Chunk
	iterCalls  int
	iterErr    error
}

func newFakeChunkStore(chunks []*store.Chunk) *fakeChunkStore {
	byProject := make(map[string][]*store.Chunk)
	for _, c := range chunks {
		byProject[c.ProjectID] = append(byProject[c.ProjectID], c)
	}
	return &fakeChunkStore{chunks: byProject}
}

func (f *fakeChunkStore) CreateProject(context.Context, *store.Project) error   { return nil }
func (f *fakeChunkStore) GetProject(context.Context, string) (*store.Project, error) {
	return nil, nil
}
func (f *fakeChunkStore) GetProjectByName(context.Context, string) (*store.Project, error) {
	return nil, nil
}
func (f *fakeChunkStore) ListProjects(context.Context) ([]*store.Project, error) { return nil, nil }
func (f *fakeChunkStore) DeleteProject(context.Context, string) error           { return nil }
func (f *fakeChunkStore) InsertChunks(context.Context, string, []*store.Chunk) error {
	return nil
}
func (f *fakeChunkStore) DeleteChunksForFile(context.Context, string, string) error { return nil }
func (f *fakeChunkStore) CountChunks(context.Context, string) (int, error)          { return 0, nil }
func (f *fakeChunkStore) GetChunks(context.Context, []string) ([]*store.Chunk, error) {
	return nil, nil
}
func (f *fakeChunkStore) SaveFileHash(context.Context, *store.FileHash) error { return nil }
func (f *fakeChunkStore) GetFileHash(context.Context, string, string) (*store.FileHash, error) {
	return nil, nil
}
func (f *fakeChunkStore) SaveEvalRun(context.Context, *store.EvalRun) error { return nil }
func (f *fakeChunkStore) LoadPriorEvalRun(context.Context, string, time.Time) (*store.EvalRun, error) {
	return nil, nil
}
func (f *fakeChunkStore) Close() error { return nil }

func (f *fakeChunkStore) IterChunks(_ context.Context, projectID string, pageSize int, fn func([]*store.Chunk) error) error {
	f.mu.Lock()
	f.iterCalls++
	f.mu.Unlock()
	if f.iterErr != nil {
		return f.iterErr
	}
	chunks := f.chunks[projectID]
	for i := 0; i < len(chunks); i += pageSize {
		end := i + pageSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := fn(chunks[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func sampleChunks(projectID string, dims int) []*store.Chunk {
	embed := func(seed float32) []float32 {
		v := make([]float32, dims)
		for i := range v {
			v[i] = seed
		}
		return v
	}
	return []*store.Chunk{
		{ID: "a", ProjectID: projectID, Content: "package foo", Embedding: embed(0.1), FilePath: "a.go", LineRange: store.LineRange{Start: 1, End: 5}},
		{ID: "b", ProjectID: projectID, Content: "package bar", Embedding: embed(0.2), FilePath: "b.go", LineRange: store.LineRange{Start: 1, End: 5}},
	}
}

func TestGetIndices_BuildsOnce(t *testing.T) {
	chunks := sampleChunks("p1", 4)
	cs := newFakeChunkStore(chunks)
	m := New(cs, WithVectorBackend(VectorBackendBruteForce))

	v1, l1, err := m.GetIndices(context.Background(), "p1", 4)
	require.NoError(t, err)
	assert.Equal(t, 2, v1.Count())
	assert.Equal(t, 2, l1.Count())

	v2, l2, err := m.GetIndices(context.Background(), "p1", 4)
	require.NoError(t, err)
	assert.Same(t, v1, v2)
	assert.Same(t, l1, l2)
	assert.Equal(t, 1, cs.iterCalls)
}

func TestGetIndices_DimensionMismatch(t *testing.T) {
	chunks := sampleChunks("p1", 4)
	cs := newFakeChunkStore(chunks)
	m := New(cs, WithVectorBackend(VectorBackendBruteForce))

	_, _, err := m.GetIndices(context.Background(), "p1", 8)
	require.Error(t, err)
	var mismatch store.ErrDimensionMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestGetIndices_FailedBuildAllowsRetry(t *testing.T) {
	cs := newFakeChunkStore(nil)
	cs.iterErr = assert.AnError
	m := New(cs, WithVectorBackend(VectorBackendBruteForce))

	_, _, err := m.GetIndices(context.Background(), "p1", 4)
	require.Error(t, err)

	cs.iterErr = nil
	cs.chunks["p1"] = sampleChunks("p1", 4)
	_, _, err = m.GetIndices(context.Background(), "p1", 4)
	require.NoError(t, err)
}

func TestInvalidate_ClosesAndClearsEntry(t *testing.T) {
	cs := newFakeChunkStore(sampleChunks("p1", 4))
	m := New(cs, WithVectorBackend(VectorBackendBruteForce))

	_, _, err := m.GetIndices(context.Background(), "p1", 4)
	require.NoError(t, err)

	m.Invalidate("p1")
	assert.Empty(t, m.entries)

	_, _, err = m.GetIndices(context.Background(), "p1", 4)
	require.NoError(t, err)
	assert.Equal(t, 2, cs.iterCalls)
}

func TestDispose_ClosesEverything(t *testing.T) {
	cs := newFakeChunkStore(sampleChunks("p1", 4))
	m := New(cs, WithVectorBackend(VectorBackendBruteForce))
	_, _, err := m.GetIndices(context.Background(), "p1", 4)
	require.NoError(t, err)

	m.Dispose()
	assert.Empty(t, m.entries)
}
