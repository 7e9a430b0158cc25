package uploads

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/adamavenir/threadline/internal/adapter"
	"github.com/adamavenir/threadline/internal/api"
	"github.com/adamavenir/threadline/internal/storage"
	"github.com/adamavenir/threadline/internal/types"
	"github.com/stretchr/testify/require"
)

type memSource struct{ *bytes.Reader }

func (memSource) Close() error { return nil }

func memOpener(files map[string][]byte) Opener {
	return func(ref types.FileRef) (Source, error) {
		data, ok := files[ref.Path]
		if !ok {
			return nil, errors.New("missing file")
		}
		return memSource{bytes.NewReader(data)}, nil
	}
}

type recordingTransport struct {
	mu      sync.Mutex
	offsets map[string][]int64
	failAt  map[string]int64
	block   chan struct{}
	active  int
	peak    int
}

func newTransport() *recordingTransport {
	return &recordingTransport{offsets: map[string][]int64{}, failAt: map[string]int64{}}
}

func (r *recordingTransport) UploadChunk(ctx context.Context, path string, c api.Chunk) (*types.Attachment, error) {
	r.mu.Lock()
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	block := r.block
	fail, shouldFail := r.failAt[c.JobID]
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldFail && fail == c.Offset {
		return nil, errors.New("chunk rejected")
	}

	r.mu.Lock()
	r.offsets[c.JobID] = append(r.offsets[c.JobID], c.Offset)
	r.mu.Unlock()
	if c.Final {
		return &types.Attachment{ID: "att-" + c.FileName, Kind: types.AttachmentFile, URL: "https://cdn/" + c.FileName}, nil
	}
	return nil, nil
}

func (r *recordingTransport) sent(jobID string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.offsets[jobID]...)
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newManager(store storage.Store, tr Transport, files map[string][]byte) *Manager {
	return New(Options{
		Adapter:     adapter.Private(),
		Transport:   tr,
		Store:       store,
		Opener:      memOpener(files),
		ChunkSize:   4,
		MaxParallel: 2,
	})
}

var twentyBytes = []byte("abcdefghijklmnopqrst")

func TestUploadSendsChunksInOrderAndCleansUp(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	tr := newTransport()
	m := newManager(store, tr, map[string][]byte{"/a": twentyBytes})
	defer m.Close()

	att, err := m.Upload(ctx, "t1", "tmp-1", types.FileRef{Path: "/a", Name: "a.bin", Size: 20})
	require.NoError(t, err)
	require.Equal(t, "att-a.bin", att.ID)
	require.Equal(t, []int64{0, 4, 8, 12, 16}, tr.sent(JobID("tmp-1", "a.bin")))

	jobs, err := m.Jobs(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
	_, ok := m.Progress("tmp-1")
	require.False(t, ok)
}

func TestResumeSendsOnlyRemainingChunks(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	id := JobID("tmp-2", "b.bin")
	require.NoError(t, store.Put(ctx, storage.BucketUploads, id, types.UploadJob{
		ID:            id,
		File:          types.FileRef{Path: "/b", Name: "b.bin", Size: 20},
		ThreadID:      "t1",
		ClientTempID:  "tmp-2",
		UploadedBytes: 8,
		ChunkSize:     4,
	}))

	tr := newTransport()
	m := newManager(store, tr, map[string][]byte{"/b": twentyBytes})
	defer m.Close()

	n, err := m.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	att, err := m.Upload(ctx, "t1", "tmp-2", types.FileRef{Path: "/b", Name: "b.bin", Size: 20})
	require.NoError(t, err)
	require.Equal(t, "att-b.bin", att.ID)
	require.Equal(t, []int64{8, 12, 16}, tr.sent(id))
}

func TestChunkFailurePropagatesAndKeepsOffset(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	tr := newTransport()
	id := JobID("tmp-3", "c.bin")
	tr.failAt[id] = 12
	m := newManager(store, tr, map[string][]byte{"/c": twentyBytes})
	defer m.Close()

	file := types.FileRef{Path: "/c", Name: "c.bin", Size: 20}
	_, err := m.Upload(ctx, "t1", "tmp-3", file)
	require.EqualError(t, err, "chunk rejected")

	var rec types.UploadJob
	found, err := store.Get(ctx, storage.BucketUploads, id, &rec)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 12, rec.UploadedBytes)

	pct, ok := m.Progress("tmp-3")
	require.True(t, ok)
	require.Equal(t, 60, pct)

	tr.mu.Lock()
	delete(tr.failAt, id)
	tr.mu.Unlock()
	_, err = m.Upload(ctx, "t1", "tmp-3", file)
	require.NoError(t, err)
	require.Equal(t, []int64{0, 4, 8, 12, 16}, tr.sent(id))
}

func TestParallelismIsBounded(t *testing.T) {
	ctx := context.Background()
	tr := newTransport()
	tr.block = make(chan struct{})
	files := map[string][]byte{"/1": []byte("x"), "/2": []byte("y"), "/3": []byte("z")}
	m := newManager(openStore(t), tr, files)
	defer m.Close()

	var wg sync.WaitGroup
	for _, name := range []string{"1", "2", "3"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := m.Upload(ctx, "t1", "tmp-"+name, types.FileRef{Path: "/" + name, Name: name, Size: 1})
			require.NoError(t, err)
		}(name)
	}

	require.Eventually(t, func() bool { return m.Running() == 2 && m.Queued() == 1 }, time.Second, time.Millisecond)
	close(tr.block)
	wg.Wait()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Equal(t, 2, tr.peak)
}

func TestDiscardRemovesJob(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	tr := newTransport()
	tr.block = make(chan struct{})
	m := newManager(store, tr, map[string][]byte{"/d": twentyBytes})
	defer m.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := m.Upload(ctx, "t1", "tmp-4", types.FileRef{Path: "/d", Name: "d.bin", Size: 20})
		errc <- err
	}()
	require.Eventually(t, func() bool { return m.Running() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.DiscardMessage(ctx, "tmp-4"))
	require.ErrorIs(t, <-errc, ErrDiscarded)

	jobs, err := m.Jobs(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

// slowStore holds the first Get until release is closed.
type slowStore struct {
	storage.Store
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *slowStore) Get(ctx context.Context, bucket, key string, dst any) (bool, error) {
	s.once.Do(func() {
		close(s.started)
		<-s.release
	})
	return s.Store.Get(ctx, bucket, key, dst)
}

func TestStoreLatencyDoesNotBlockQueries(t *testing.T) {
	store := &slowStore{Store: openStore(t), started: make(chan struct{}), release: make(chan struct{})}
	tr := newTransport()
	m := newManager(store, tr, map[string][]byte{"/a": twentyBytes})
	defer m.Close()

	done := make(chan error, 1)
	go func() {
		_, err := m.Upload(context.Background(), "t1", "tmp-1", types.FileRef{Path: "/a", Name: "a.bin", Size: 20})
		done <- err
	}()
	<-store.started

	answered := make(chan struct{})
	go func() {
		m.Running()
		m.Progress("tmp-1")
		m.Queued()
		close(answered)
	}()
	select {
	case <-answered:
	case <-time.After(time.Second):
		t.Fatal("queries blocked behind the job store")
	}

	close(store.release)
	require.NoError(t, <-done)
	require.Equal(t, []int64{0, 4, 8, 12, 16}, tr.sent(JobID("tmp-1", "a.bin")))
}

func TestUploadRequiresCapability(t *testing.T) {
	m := New(Options{Adapter: noUploads{adapter.Community()}})
	_, err := m.Upload(context.Background(), "t1", "tmp", types.FileRef{Name: "x"})
	require.ErrorIs(t, err, adapter.ErrUnsupported)
}

type noUploads struct{ adapter.Adapter }

func (noUploads) Capabilities() adapter.CapabilitySet {
	return adapter.NewCapabilitySet(adapter.CapReactions)
}
