package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/adamavenir/threadline/internal/connstate"
	"github.com/adamavenir/threadline/internal/receipts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestOutboxObserver(t *testing.T) {
	m := New()
	o := m.Outbox()
	o.Enqueued()
	o.Enqueued()
	o.Delivered()
	o.Failed(false)
	o.Failed(true)
	o.Failed(true)
	o.Depth(3, 2, 1)

	require.Equal(t, 2.0, testutil.ToFloat64(m.outboxEnqueued))
	require.Equal(t, 1.0, testutil.ToFloat64(m.outboxDelivered))
	require.Equal(t, 2.0, testutil.ToFloat64(m.outboxFailures.WithLabelValues("permanent")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.outboxDepth.WithLabelValues("in-flight")))
}

func TestUploadObserver(t *testing.T) {
	m := New()
	u := m.Uploads()
	u.ChunkSent(4)
	u.ChunkSent(4)
	u.JobFinished("ok")
	u.QueueDepth(2, 5)

	require.Equal(t, 8.0, testutil.ToFloat64(m.uploadBytes))
	require.Equal(t, 1.0, testutil.ToFloat64(m.uploadJobs.WithLabelValues("ok")))
	require.Equal(t, 5.0, testutil.ToFloat64(m.uploadsPending))
}

func TestReceiptsCountOnlySuccessfulIDs(t *testing.T) {
	m := New()
	m.Receipts(receipts.Read, 5, nil)
	m.Receipts(receipts.Read, 3, errors.New("502"))

	require.Equal(t, 5.0, testutil.ToFloat64(m.receiptIDs.WithLabelValues("read")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.receiptFlushes.WithLabelValues("read", "error")))
}

func TestConnectionStateIsOneHot(t *testing.T) {
	m := New()
	m.Connection(connstate.Connecting, connstate.Connected)
	m.Connection(connstate.Connected, connstate.Offline)

	require.Equal(t, 1.0, testutil.ToFloat64(m.connState.WithLabelValues("offline")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.connState.WithLabelValues("connected")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.connTransitions.WithLabelValues("connected")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.Reaction("rolled_back")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `threadline_reactions_total{outcome="rolled_back"} 1`)
}
