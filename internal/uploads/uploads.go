// Package uploads sends files in ordered chunks with a bounded number of
// concurrent jobs. Job offsets are persisted after every chunk so an
// interrupted upload resumes where it stopped.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/adamavenir/threadline/internal/adapter"
	"github.com/adamavenir/threadline/internal/api"
	"github.com/adamavenir/threadline/internal/logging"
	"github.com/adamavenir/threadline/internal/storage"
	"github.com/adamavenir/threadline/internal/types"
)

// ErrDiscarded is returned to waiters of a job removed by Discard.
var ErrDiscarded = errors.New("uploads: job discarded")

// ErrClosed is returned once the manager is closed.
var ErrClosed = errors.New("uploads: manager closed")

// Transport sends one chunk.
type Transport interface {
	UploadChunk(ctx context.Context, path string, chunk api.Chunk) (*types.Attachment, error)
}

// Source is an open file being uploaded.
type Source interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// Opener opens the file behind a FileRef.
type Opener func(ref types.FileRef) (Source, error)

type fileSource struct {
	*os.File
	size int64
}

func (f fileSource) Size() int64 { return f.size }

// OpenFile opens ref.Path from the local filesystem.
func OpenFile(ref types.FileRef) (Source, error) {
	f, err := os.Open(ref.Path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return fileSource{File: f, size: st.Size()}, nil
}

// Observer receives upload events.
type Observer interface {
	ChunkSent(bytes int)
	JobFinished(outcome string)
	QueueDepth(running, pending int)
}

type nopObserver struct{}

func (nopObserver) ChunkSent(int)       {}
func (nopObserver) JobFinished(string)  {}
func (nopObserver) QueueDepth(int, int) {}

// Options configures a Manager.
type Options struct {
	Adapter     adapter.Adapter
	Transport   Transport
	Store       storage.Store
	Opener      Opener
	ChunkSize   int64
	MaxParallel int
	Now         func() time.Time
	Logger      *slog.Logger
	Observer    Observer
}

type result struct {
	att types.Attachment
	err error
}

type job struct {
	rec     types.UploadJob
	waiters []chan result
	cancel  context.CancelFunc
	running bool
}

// Manager schedules upload jobs.
type Manager struct {
	opts Options
	log  *slog.Logger
	obs  Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	jobs     map[string]*job
	pending  []*job
	running  int
	done     map[string]types.Attachment
	progress map[string]types.UploadJob
	closed   bool
}

// New creates a manager.
func New(opts Options) *Manager {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 2 * 1024 * 1024
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 2
	}
	if opts.Opener == nil {
		opts.Opener = OpenFile
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		log:      logging.OrDefault(opts.Logger).With("component", "uploads"),
		obs:      obs,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*job),
		done:     make(map[string]types.Attachment),
		progress: make(map[string]types.UploadJob),
	}
}

// JobID names the job for one file of one message.
func JobID(clientTempID, fileName string) string {
	return clientTempID + "-" + fileName
}

// Upload sends file and returns its attachment descriptor. A job already
// queued or running for the same file is joined rather than restarted.
func (m *Manager) Upload(ctx context.Context, threadID, clientTempID string, file types.FileRef) (types.Attachment, error) {
	if err := adapter.Require(m.opts.Adapter, adapter.CapUploads); err != nil {
		return types.Attachment{}, err
	}
	id := JobID(clientTempID, file.Name)
	wait := make(chan result, 1)

	att, attached, err := m.attach(id, wait, nil)
	if err != nil || att != nil {
		return deref(att), err
	}
	if !attached {
		// Store I/O runs unlocked; attach rechecks for a job created
		// meanwhile.
		rec, found := m.loadJob(ctx, id)
		if !found {
			rec = types.UploadJob{
				ID:           id,
				File:         file,
				ThreadID:     threadID,
				ClientTempID: clientTempID,
				ChunkSize:    m.opts.ChunkSize,
				CreatedAt:    m.opts.Now(),
			}
			m.saveJob(ctx, rec)
		}
		if att, _, err = m.attach(id, wait, &rec); err != nil || att != nil {
			return deref(att), err
		}
	}

	select {
	case r := <-wait:
		return r.att, r.err
	case <-ctx.Done():
		return types.Attachment{}, ctx.Err()
	}
}

// attach adds wait to the job for id. A finished result is returned
// directly. When no job exists one is created from rec; with a nil rec
// attach reports false and leaves the manager unchanged.
func (m *Manager) attach(id string, wait chan result, rec *types.UploadJob) (*types.Attachment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	if att, ok := m.done[id]; ok {
		delete(m.done, id)
		return &att, true, nil
	}
	j, ok := m.jobs[id]
	if !ok {
		if rec == nil {
			return nil, false, nil
		}
		j = &job{rec: *rec}
		m.jobs[id] = j
		m.pending = append(m.pending, j)
		m.progress[id] = *rec
	}
	j.waiters = append(j.waiters, wait)
	m.admitLocked()
	return nil, true, nil
}

func deref(att *types.Attachment) types.Attachment {
	if att == nil {
		return types.Attachment{}
	}
	return *att
}

// Resume queues every persisted job that is not already known. Finished
// resumed jobs keep their result until a later Upload for the same file
// collects it.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	if m.opts.Store == nil {
		return 0, nil
	}
	keys, err := m.opts.Store.Keys(ctx, storage.BucketUploads)
	if err != nil {
		return 0, fmt.Errorf("list upload jobs: %w", err)
	}

	var recs []types.UploadJob
	for _, key := range keys {
		if rec, found := m.loadJob(ctx, key); found {
			recs = append(recs, rec)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, rec := range recs {
		if _, ok := m.jobs[rec.ID]; ok {
			continue
		}
		j := &job{rec: rec}
		m.jobs[rec.ID] = j
		m.pending = append(m.pending, j)
		m.progress[rec.ID] = rec
		n++
	}
	if n > 0 {
		m.log.Info("resuming uploads", "jobs", n)
	}
	m.admitLocked()
	return n, nil
}

// Discard drops a job and its persisted record. A running job is cancelled.
func (m *Manager) Discard(ctx context.Context, jobID string) error {
	m.mu.Lock()
	delete(m.done, jobID)
	delete(m.progress, jobID)
	if j, ok := m.jobs[jobID]; ok {
		delete(m.jobs, jobID)
		if j.running && j.cancel != nil {
			j.cancel()
		} else {
			m.removePendingLocked(j)
		}
		m.notifyLocked(j, result{err: ErrDiscarded})
	}
	m.mu.Unlock()

	if m.opts.Store == nil {
		return nil
	}
	return m.opts.Store.Delete(ctx, storage.BucketUploads, jobID)
}

// DiscardMessage drops every job that belongs to clientTempID.
func (m *Manager) DiscardMessage(ctx context.Context, clientTempID string) error {
	jobs, err := m.Jobs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, j := range jobs {
		if j.ClientTempID == clientTempID {
			errs = append(errs, m.Discard(ctx, j.ID))
		}
	}
	return errors.Join(errs...)
}

// Jobs lists persisted jobs ordered by creation time.
func (m *Manager) Jobs(ctx context.Context) ([]types.UploadJob, error) {
	if m.opts.Store == nil {
		return nil, nil
	}
	keys, err := m.opts.Store.Keys(ctx, storage.BucketUploads)
	if err != nil {
		return nil, err
	}
	out := make([]types.UploadJob, 0, len(keys))
	for _, key := range keys {
		var rec types.UploadJob
		found, err := m.opts.Store.Get(ctx, storage.BucketUploads, key, &rec)
		if err != nil || !found {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Progress returns the combined upload percentage for a message.
func (m *Manager) Progress(clientTempID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sent, total int64
	found := false
	for _, rec := range m.progress {
		if rec.ClientTempID != clientTempID {
			continue
		}
		found = true
		sent += rec.UploadedBytes
		total += rec.File.Size
	}
	if !found {
		return 0, false
	}
	if total <= 0 {
		return 0, true
	}
	return int(sent * 100 / total), true
}

// Running returns the number of jobs currently transferring.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Queued returns the number of admitted-but-waiting jobs.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close cancels running jobs and waits for them to stop. Persisted jobs are
// kept for the next Resume.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, j := range m.pending {
		m.notifyLocked(j, result{err: ErrClosed})
	}
	m.pending = nil
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) admitLocked() {
	for m.running < m.opts.MaxParallel && len(m.pending) > 0 {
		j := m.pending[0]
		m.pending = m.pending[1:]
		ctx, cancel := context.WithCancel(m.ctx)
		j.cancel = cancel
		j.running = true
		m.running++
		m.wg.Add(1)
		go m.run(ctx, j)
	}
	m.obs.QueueDepth(m.running, len(m.pending))
}

func (m *Manager) removePendingLocked(target *job) {
	kept := m.pending[:0]
	for _, j := range m.pending {
		if j != target {
			kept = append(kept, j)
		}
	}
	m.pending = kept
}

func (m *Manager) notifyLocked(j *job, r result) {
	for _, w := range j.waiters {
		w <- r
	}
	j.waiters = nil
}

func (m *Manager) run(ctx context.Context, j *job) {
	defer m.wg.Done()
	defer j.cancel()

	att, err := m.transfer(ctx, j)

	m.mu.Lock()
	m.running--
	j.running = false
	cur, ok := m.jobs[j.rec.ID]
	current := ok && cur == j
	if current {
		delete(m.jobs, j.rec.ID)
	}

	switch {
	case err == nil && !current:
		m.obs.JobFinished("cancelled")
	case err == nil:
		delete(m.progress, j.rec.ID)
		if len(j.waiters) == 0 {
			m.done[j.rec.ID] = att
		}
		m.notifyLocked(j, result{att: att})
		m.obs.JobFinished("completed")
	case errors.Is(err, context.Canceled):
		m.notifyLocked(j, result{err: err})
		m.obs.JobFinished("cancelled")
	default:
		m.log.Warn("upload failed", "job", j.rec.ID, "offset", j.rec.UploadedBytes, "error", err)
		m.notifyLocked(j, result{err: err})
		m.obs.JobFinished("failed")
	}
	if !m.closed {
		m.admitLocked()
	}
	m.mu.Unlock()

	if err == nil && current {
		m.deleteJob(j.rec.ID)
	}
}

// transfer sends the remaining chunks of j in order.
func (m *Manager) transfer(ctx context.Context, j *job) (types.Attachment, error) {
	src, err := m.opts.Opener(j.rec.File)
	if err != nil {
		return types.Attachment{}, fmt.Errorf("open %s: %w", j.rec.File.Name, err)
	}
	defer src.Close()

	m.mu.Lock()
	rec := j.rec
	m.mu.Unlock()

	size := src.Size()
	if rec.File.Size != size {
		rec.File.Size = size
	}
	chunkSize := rec.ChunkSize
	if chunkSize <= 0 {
		chunkSize = m.opts.ChunkSize
		rec.ChunkSize = chunkSize
	}
	if rec.UploadedBytes > size {
		rec.UploadedBytes = 0
	}
	path := m.opts.Adapter.Upload()

	for {
		if err := ctx.Err(); err != nil {
			return types.Attachment{}, err
		}
		offset := rec.UploadedBytes
		n := chunkSize
		if remaining := size - offset; remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if n > 0 {
			read, err := src.ReadAt(buf, offset)
			if err != nil && !(errors.Is(err, io.EOF) && int64(read) == n) {
				return types.Attachment{}, fmt.Errorf("read %s at %d: %w", rec.File.Name, offset, err)
			}
		}
		final := offset+n >= size

		att, err := m.opts.Transport.UploadChunk(ctx, path, api.Chunk{
			JobID:        rec.ID,
			ThreadID:     rec.ThreadID,
			ClientTempID: rec.ClientTempID,
			FileName:     rec.File.Name,
			MimeType:     rec.File.MimeType,
			Offset:       offset,
			TotalSize:    size,
			Final:        final,
			Data:         buf,
		})
		if err != nil {
			return types.Attachment{}, err
		}
		m.obs.ChunkSent(int(n))
		rec.UploadedBytes = offset + n

		if final {
			if att == nil {
				return types.Attachment{}, fmt.Errorf("upload %s: no attachment returned", rec.ID)
			}
			return *att, nil
		}

		m.mu.Lock()
		j.rec = rec
		if _, ok := m.progress[rec.ID]; ok {
			m.progress[rec.ID] = rec
		}
		m.mu.Unlock()
		m.saveJob(ctx, rec)
	}
}

func (m *Manager) loadJob(ctx context.Context, id string) (types.UploadJob, bool) {
	if m.opts.Store == nil {
		return types.UploadJob{}, false
	}
	var rec types.UploadJob
	found, err := m.opts.Store.Get(ctx, storage.BucketUploads, id, &rec)
	if err != nil {
		m.log.Warn("load upload job", "job", id, "error", err)
		return types.UploadJob{}, false
	}
	return rec, found
}

func (m *Manager) saveJob(ctx context.Context, rec types.UploadJob) {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.Put(ctx, storage.BucketUploads, rec.ID, rec); err != nil {
		m.log.Warn("persist upload job", "job", rec.ID, "error", err)
	}
}

func (m *Manager) deleteJob(id string) {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.Delete(context.Background(), storage.BucketUploads, id); err != nil {
		m.log.Warn("delete upload job", "job", id, "error", err)
	}
}
