package outbox

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/adamavenir/threadline/internal/api"
	"github.com/adamavenir/threadline/internal/sched"
	"github.com/adamavenir/threadline/internal/storage"
	"github.com/adamavenir/threadline/internal/types"
	"github.com/stretchr/testify/require"
)

type fakeDeliverer struct {
	mu     sync.Mutex
	calls  map[string]int
	errs   map[string][]error
	block  chan struct{}
	active int
	peak   int
}

func newDeliverer() *fakeDeliverer {
	return &fakeDeliverer{calls: map[string]int{}, errs: map[string][]error{}}
}

func (f *fakeDeliverer) Deliver(ctx context.Context, e types.OutboxEntry) error {
	f.mu.Lock()
	f.calls[e.Key]++
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	block := f.block
	var err error
	if queue := f.errs[e.Key]; len(queue) > 0 {
		err, f.errs[e.Key] = queue[0], queue[1:]
	}
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	return err
}

func (f *fakeDeliverer) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// gatedStore holds the Nth Put until release is closed, or fails every Put
// when err is set.
type gatedStore struct {
	storage.Store
	mu      sync.Mutex
	puts    int
	blockAt int
	started chan struct{}
	release chan struct{}
	err     error
}

func newGatedStore(t *testing.T, blockAt int) *gatedStore {
	return &gatedStore{
		Store:   openStore(t),
		blockAt: blockAt,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *gatedStore) Put(ctx context.Context, bucket, key string, value any) error {
	s.mu.Lock()
	s.puts++
	n := s.puts
	s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if n == s.blockAt {
		s.started <- struct{}{}
		<-s.release
	}
	return s.Store.Put(ctx, bucket, key, value)
}

func entry(tempID, text string) types.OutboxEntry {
	return types.OutboxEntry{
		ThreadID: "t1",
		Payload:  types.SendPayload{ClientTempID: tempID, MessageType: types.MessageTypeText, Text: text},
	}
}

func persistedKeys(t *testing.T, s storage.Store) []string {
	t.Helper()
	keys, err := s.Keys(context.Background(), storage.BucketOutbox)
	require.NoError(t, err)
	return keys
}

func TestDedupKeyPriority(t *testing.T) {
	e := entry("tmp-1", "hi")
	e.Hash = "h"
	e.ServerID = "srv"
	require.Equal(t, "tmp-1", DedupKey(e))

	e.Payload.ClientTempID = ""
	require.Equal(t, "h", DedupKey(e))

	e.Hash = ""
	require.Equal(t, ContentHash("t1", e.Payload), DedupKey(e))

	require.Equal(t, "srv", DedupKey(types.OutboxEntry{ServerID: "srv"}))
}

func TestOfflineEntryDeliveredOnceAfterReconnect(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	d := newDeliverer()
	m := New(Options{Store: store, Deliverer: d, Scheduler: sched.NewVirtual(time.Now())})
	defer m.Close()

	added, err := m.Enqueue(ctx, entry("tmp-1", "help"))
	require.NoError(t, err)
	require.True(t, added)
	added, err = m.Enqueue(ctx, entry("tmp-1", "help"))
	require.NoError(t, err)
	require.False(t, added)

	require.Equal(t, []string{"tmp-1"}, persistedKeys(t, store))
	require.Zero(t, d.count("tmp-1"))

	m.SetOnline(true)
	m.Kick()
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, 1, d.count("tmp-1"))
	require.Empty(t, persistedKeys(t, store))
}

func TestAtMostTwoInFlightFIFO(t *testing.T) {
	ctx := context.Background()
	d := newDeliverer()
	d.block = make(chan struct{})
	m := New(Options{Deliverer: d, Online: true, Scheduler: sched.NewVirtual(time.Now())})
	defer m.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := m.Enqueue(ctx, entry(id, id))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return d.count("a") == 1 && d.count("b") == 1 }, time.Second, time.Millisecond)
	require.Zero(t, d.count("c"))

	close(d.block)
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Equal(t, 2, d.peak)
}

func TestFailureSchedulesSingleRetryTimer(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	clock := sched.NewVirtual(time.Now())
	d := newDeliverer()
	d.errs["tmp-1"] = []error{errors.New("timeout"), errors.New("timeout")}
	m := New(Options{Store: store, Deliverer: d, Online: true, Scheduler: clock, BaseDelay: 500 * time.Millisecond})
	defer m.Close()

	_, err := m.Enqueue(ctx, entry("tmp-1", "x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)

	m.Kick()
	require.Equal(t, 1, clock.Pending())
	require.Equal(t, 1, d.count("tmp-1"))

	var rec types.OutboxEntry
	found, err := store.Get(ctx, storage.BucketOutbox, "tmp-1", &rec)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, rec.Attempts)

	clock.Advance(999 * time.Millisecond)
	require.Equal(t, 1, d.count("tmp-1"))
	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return d.count("tmp-1") == 2 && clock.Pending() == 1 }, time.Second, time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, 3, d.count("tmp-1"))
	require.Empty(t, persistedKeys(t, store))
}

func TestEntryIsNotDeliveredBeforeItIsDurable(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore(t, 1)
	d := newDeliverer()
	m := New(Options{Store: store, Deliverer: d, Online: true, Scheduler: sched.NewVirtual(time.Now())})
	defer m.Close()

	done := make(chan error, 1)
	go func() {
		_, err := m.Enqueue(ctx, entry("tmp-1", "hi"))
		done <- err
	}()
	<-store.started

	m.Kick()
	require.True(t, m.Has("tmp-1"))
	require.Zero(t, d.count("tmp-1"))

	close(store.release)
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, 1, d.count("tmp-1"))
	require.Empty(t, persistedKeys(t, store))

	again := New(Options{Store: store, Deliverer: d, Online: true, Scheduler: sched.NewVirtual(time.Now())})
	defer again.Close()
	n, err := again.Restore(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, d.count("tmp-1"))
}

func TestRemoveDuringRetryWriteStaysRemoved(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore(t, 2)
	clock := sched.NewVirtual(time.Now())
	d := newDeliverer()
	d.errs["tmp-1"] = []error{errors.New("timeout")}
	m := New(Options{Store: store, Deliverer: d, Online: true, Scheduler: clock})
	defer m.Close()

	_, err := m.Enqueue(ctx, entry("tmp-1", "x"))
	require.NoError(t, err)
	<-store.started

	removed := make(chan bool, 1)
	go func() { removed <- m.Remove(ctx, "tmp-1") }()
	require.Eventually(t, func() bool { return !m.Has("tmp-1") }, time.Second, time.Millisecond)

	close(store.release)
	require.True(t, <-removed)
	require.Eventually(t, func() bool { return len(persistedKeys(t, store)) == 0 }, time.Second, time.Millisecond)
	require.Zero(t, clock.Pending())
	require.Equal(t, 1, d.count("tmp-1"))
}

func TestEnqueueReturnsWriteError(t *testing.T) {
	store := newGatedStore(t, 0)
	store.err = errors.New("disk full")
	d := newDeliverer()
	m := New(Options{Store: store, Deliverer: d, Online: true, Scheduler: sched.NewVirtual(time.Now())})
	defer m.Close()

	added, err := m.Enqueue(context.Background(), entry("tmp-1", "x"))
	require.ErrorContains(t, err, "disk full")
	require.False(t, added)
	require.False(t, m.Has("tmp-1"))
	require.Zero(t, d.count("tmp-1"))
}

func TestPermanentErrorDropsEntry(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	d := newDeliverer()
	d.errs["tmp-1"] = []error{&api.APIError{Status: http.StatusForbidden}}

	dropped := make(chan string, 1)
	m := New(Options{
		Store:     store,
		Deliverer: d,
		Online:    true,
		Scheduler: sched.NewVirtual(time.Now()),
		OnDropped: func(e types.OutboxEntry, err error) { dropped <- e.Key },
	})
	defer m.Close()

	_, err := m.Enqueue(ctx, entry("tmp-1", "x"))
	require.NoError(t, err)
	require.Equal(t, "tmp-1", <-dropped)
	require.Zero(t, m.Len())
	require.Empty(t, persistedKeys(t, store))
}

func TestRestoreResumesPersistedEntries(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"second", "first"} {
		e := entry(id, id)
		e.Key = id
		e.EnqueuedAt = base.Add(time.Duration(1-i) * time.Minute)
		require.NoError(t, store.Put(ctx, storage.BucketOutbox, id, e))
	}

	var mu sync.Mutex
	var order []string
	m := New(Options{
		Store:       store,
		MaxInFlight: 1,
		Online:      true,
		Scheduler:   sched.NewVirtual(base),
		Deliverer: DelivererFunc(func(ctx context.Context, e types.OutboxEntry) error {
			mu.Lock()
			order = append(order, e.Key)
			mu.Unlock()
			return nil
		}),
	})
	defer m.Close()

	n, err := m.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

type discardRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *discardRecorder) DiscardMessage(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func TestVideoRetryRestartsUpload(t *testing.T) {
	ctx := context.Background()
	d := newDeliverer()
	d.errs["tmp-v"] = []error{errors.New("upload broke")}
	uploads := &discardRecorder{}
	clock := sched.NewVirtual(time.Now())
	m := New(Options{Deliverer: d, Online: true, Scheduler: clock, Uploads: uploads})
	defer m.Close()

	e := entry("tmp-v", "")
	e.Files = []types.FileRef{{Name: "clip.mp4", Kind: types.AttachmentVideo}}
	_, err := m.Enqueue(ctx, e)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		uploads.mu.Lock()
		defer uploads.mu.Unlock()
		return len(uploads.ids) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, []string{"tmp-v"}, uploads.ids)
}
