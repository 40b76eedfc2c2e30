package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/smartramana/hookmesh/pkg/observability"
	"github.com/smartramana/hookmesh/pkg/webhook/signature"
)

func newTestEngine(t *testing.T, repo *Repository, cfg EngineConfig) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, repo, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)
	return e
}

func fastEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.AttemptTimeout = 5 * time.Second
	return cfg
}

// recordingServer counts requests and captures bodies
type recordingServer struct {
	srv    *httptest.Server
	hits   atomic.Int64
	mu     sync.Mutex
	bodies []string
	status atomic.Int64
}

func newRecordingServer(t *testing.T, status int) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.status.Store(int64(status))
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.bodies = append(rs.bodies, string(body))
		rs.mu.Unlock()
		rs.hits.Add(1)
		w.WriteHeader(int(rs.status.Load()))
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *recordingServer) lastBody() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.bodies) == 0 {
		return ""
	}
	return rs.bodies[len(rs.bodies)-1]
}

func createEngineWebhook(t *testing.T, repo *Repository, url string, events ...string) *Webhook {
	t.Helper()
	if len(events) == 0 {
		events = []string{"item.created"}
	}
	w, _, err := repo.CreateWebhook(context.Background(), CreateWebhookInput{
		URL:    url,
		Events: events,
	})
	require.NoError(t, err)
	return w
}

func TestNewEngineRejectsConflictingPolicies(t *testing.T) {
	repo := newTestRepository(t)
	cfg := DefaultEngineConfig()
	cfg.Batch = map[string]BatchPolicy{"e": {Size: 5, Window: time.Second}}
	cfg.Debounce = map[string]DebouncePolicy{"e": {Window: time.Second}}

	_, err := NewEngine(cfg, repo, observability.NewNoopLogger(), nil)
	assert.ErrorIs(t, err, ErrConflictingPolicy)
}

func TestDeliverEventSuccess(t *testing.T) {
	repo := newTestRepository(t)
	rs := newRecordingServer(t, http.StatusOK)
	w := createEngineWebhook(t, repo, rs.srv.URL)
	e := newTestEngine(t, repo, fastEngineConfig())

	d, err := e.DeliverEvent(context.Background(), w.ID, "item.created", map[string]interface{}{"id": "42"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, d.Status)
	assert.Equal(t, int64(1), rs.hits.Load())

	var event Event
	require.NoError(t, json.Unmarshal([]byte(rs.lastBody()), &event))
	assert.Equal(t, "item.created", event.Type)
	assert.Equal(t, "42", event.Data["id"])
	assert.NotEmpty(t, event.ID)

	attempts := repo.AttemptsForDelivery(d.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, StatusSuccess, attempts[0].Status)
	assert.Equal(t, http.StatusOK, attempts[0].ResponseCode)
}

func TestDeliverEventSignsPayload(t *testing.T) {
	repo := newTestRepository(t)

	var gotSig, gotID, gotAgent string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotID = r.Header.Get("X-Webhook-ID")
		gotAgent = r.Header.Get("User-Agent")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, secret, err := repo.CreateWebhook(context.Background(), CreateWebhookInput{
		URL:     srv.URL,
		Events:  []string{"e"},
		Headers: map[string]string{"X-Custom": "yes"},
	})
	require.NoError(t, err)

	e := newTestEngine(t, repo, fastEngineConfig())
	_, err = e.DeliverEvent(context.Background(), w.ID, "e", nil)
	require.NoError(t, err)

	assert.Equal(t, w.ID, gotID)
	assert.Equal(t, "hookmesh-webhook/1.0", gotAgent)

	sum := sha256.Sum256([]byte(secret))
	assert.True(t, signature.Verify(hex.EncodeToString(sum[:]), gotBody, gotSig),
		"signature verifies against the hashed secret")
}

func TestDeliverEventMergesWebhookHeaders(t *testing.T) {
	repo := newTestRepository(t)

	var gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, _, err := repo.CreateWebhook(context.Background(), CreateWebhookInput{
		URL:     srv.URL,
		Events:  []string{"e"},
		Headers: map[string]string{"X-Custom": "value"},
	})
	require.NoError(t, err)

	e := newTestEngine(t, repo, fastEngineConfig())
	_, err = e.DeliverEvent(context.Background(), w.ID, "e", nil)
	require.NoError(t, err)
	assert.Equal(t, "value", gotCustom)
}

func TestDeliverEventRetriesTransientFailures(t *testing.T) {
	repo := newTestRepository(t)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := createEngineWebhook(t, repo, srv.URL, "e")
	cfg := fastEngineConfig()
	cfg.MaxAttempts = 3
	cfg.BaseDelay = 50 * time.Millisecond
	cfg.MaxDelay = time.Second
	e := newTestEngine(t, repo, cfg)

	d, err := e.DeliverEvent(context.Background(), w.ID, "e", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, d.Status)
	assert.Equal(t, int64(3), calls.Load())

	attempts := repo.AttemptsForDelivery(d.ID)
	require.Len(t, attempts, 3)
	assert.Equal(t, StatusFailed, attempts[0].Status)
	assert.Equal(t, StatusSuccess, attempts[2].Status)

	// Each failed attempt schedules a longer wait than the one before it
	require.NotNil(t, attempts[0].NextRetryAt)
	require.NotNil(t, attempts[1].NextRetryAt)
	first := attempts[0].NextRetryAt.Sub(attempts[0].Timestamp)
	second := attempts[1].NextRetryAt.Sub(attempts[1].Timestamp)
	assert.Greater(t, second, first, "retry delays grow between attempts")
}

func TestDeliverEventPermanentFailureStopsImmediately(t *testing.T) {
	repo := newTestRepository(t)
	rs := newRecordingServer(t, http.StatusBadRequest)
	w := createEngineWebhook(t, repo, rs.srv.URL, "e")

	cfg := fastEngineConfig()
	cfg.MaxAttempts = 5
	e := newTestEngine(t, repo, cfg)

	d, err := e.DeliverEvent(context.Background(), w.ID, "e", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, d.Status)
	assert.Equal(t, int64(1), rs.hits.Load(), "4xx does not retry")
	assert.Equal(t, 0, e.DeadLetters().Len(), "permanent failures do not dead-letter")
}

func TestDeliverEventExhaustionDeadLetters(t *testing.T) {
	repo := newTestRepository(t)
	rs := newRecordingServer(t, http.StatusInternalServerError)
	w := createEngineWebhook(t, repo, rs.srv.URL, "e")

	cfg := fastEngineConfig()
	cfg.MaxAttempts = 2
	e := newTestEngine(t, repo, cfg)

	d, err := e.DeliverEvent(context.Background(), w.ID, "e", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, StatusMaxRetriesExceeded, d.Status)
	assert.Equal(t, int64(2), rs.hits.Load())

	require.Equal(t, 1, e.DeadLetters().Len())
	entry, ok := e.DeadLetters().Get(d.ID)
	require.True(t, ok)
	assert.Equal(t, w.ID, entry.WebhookID)
	assert.Equal(t, "e", entry.EventType)
}

func TestReprocessDeadLetterQueue(t *testing.T) {
	repo := newTestRepository(t)
	rs := newRecordingServer(t, http.StatusInternalServerError)
	w := createEngineWebhook(t, repo, rs.srv.URL, "e")

	cfg := fastEngineConfig()
	cfg.MaxAttempts = 1
	e := newTestEngine(t, repo, cfg)

	d, err := e.DeliverEvent(context.Background(), w.ID, "e", nil)
	require.NoError(t, err)
	require.Equal(t, 1, e.DeadLetters().Len())

	count, err := e.ReprocessDeadLetterQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, e.DeadLetters().Len())
	assert.Equal(t, 1, e.QueueDepth(), "the delivery is queued for a fresh attempt sequence")

	restored, err := repo.GetDelivery(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, restored.Status)
}

func TestQueueEventPreconditions(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rs := newRecordingServer(t, http.StatusOK)
	e := newTestEngine(t, repo, fastEngineConfig())

	_, err := e.QueueEvent(ctx, "missing", "e", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	w := createEngineWebhook(t, repo, rs.srv.URL, "e")
	_, err = e.QueueEvent(ctx, w.ID, "other-event", nil)
	assert.ErrorIs(t, err, ErrNotSubscribed)

	off := false
	_, err = repo.UpdateWebhook(ctx, w.ID, UpdateWebhookInput{Active: &off})
	require.NoError(t, err)
	_, err = e.QueueEvent(ctx, w.ID, "e", nil)
	assert.ErrorIs(t, err, ErrInactive)
}

func TestQueueEventQueueFull(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rs := newRecordingServer(t, http.StatusOK)
	w := createEngineWebhook(t, repo, rs.srv.URL, "e")

	cfg := fastEngineConfig()
	cfg.QueueCapacity = 1
	e := newTestEngine(t, repo, cfg)

	// No workers are running, so the first task stays queued
	_, err := e.QueueEvent(ctx, w.ID, "e", nil)
	require.NoError(t, err)

	_, err = e.QueueEvent(ctx, w.ID, "e", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestIdempotencyKeyDeduplicates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rs := newRecordingServer(t, http.StatusOK)
	w := createEngineWebhook(t, repo, rs.srv.URL, "e")
	e := newTestEngine(t, repo, fastEngineConfig())

	d1, err := e.DeliverEvent(ctx, w.ID, "e", nil, WithIdempotencyKey("order-7"))
	require.NoError(t, err)
	d2, err := e.DeliverEvent(ctx, w.ID, "e", nil, WithIdempotencyKey("order-7"))
	require.NoError(t, err)

	assert.Equal(t, d1.ID, d2.ID, "the same key returns the existing delivery")
	assert.Equal(t, int64(1), rs.hits.Load())

	// A different key delivers again
	d3, err := e.DeliverEvent(ctx, w.ID, "e", nil, WithIdempotencyKey("order-8"))
	require.NoError(t, err)
	assert.NotEqual(t, d1.ID, d3.ID)
	assert.Equal(t, int64(2), rs.hits.Load())
}

func TestWorkerPoolDeliversQueuedEvents(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rs := newRecordingServer(t, http.StatusOK)
	w := createEngineWebhook(t, repo, rs.srv.URL, "e")

	e := newTestEngine(t, repo, fastEngineConfig())
	require.NoError(t, e.Start())
	defer e.Stop()

	d, err := e.QueueEvent(ctx, w.ID, "e", map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, d.Status)

	require.Eventually(t, func() bool {
		current, err := repo.GetDelivery(d.ID)
		return err == nil && current.Status == StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), rs.hits.Load())
}

func TestTriggerEventFansOut(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rs := newRecordingServer(t, http.StatusOK)

	sub1 := createEngineWebhook(t, repo, rs.srv.URL, "e")
	sub2 := createEngineWebhook(t, repo, rs.srv.URL, "e")
	createEngineWebhook(t, repo, rs.srv.URL, "other")

	inactive := createEngineWebhook(t, repo, rs.srv.URL, "e")
	off := false
	_, err := repo.UpdateWebhook(ctx, inactive.ID, UpdateWebhookInput{Active: &off})
	require.NoError(t, err)

	e := newTestEngine(t, repo, fastEngineConfig())
	deliveries := e.TriggerEvent(ctx, "e", nil)

	require.Len(t, deliveries, 2)
	got := map[string]bool{}
	for _, d := range deliveries {
		got[d.WebhookID] = true
	}
	assert.True(t, got[sub1.ID])
	assert.True(t, got[sub2.ID])
}

func TestBatchingFlushesBySize(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rs := newRecordingServer(t, http.StatusOK)
	w := createEngineWebhook(t, repo, rs.srv.URL, "e")

	cfg := fastEngineConfig()
	cfg.Batch = map[string]BatchPolicy{"e": {Size: 2, Window: time.Minute}}
	e := newTestEngine(t, repo, cfg)
	require.NoError(t, e.Start())
	defer e.Stop()

	d1, err := e.QueueEvent(ctx, w.ID, "e", map[string]interface{}{"n": float64(1)})
	require.NoError(t, err)
	d2, err := e.QueueEvent(ctx, w.ID, "e", map[string]interface{}{"n": float64(2)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, errA := repo.GetDelivery(d1.ID)
		b, errB := repo.GetDelivery(d2.ID)
		return errA == nil && errB == nil &&
			a.Status == StatusSuccess && b.Status == StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), rs.hits.Load(), "a full batch is one request")

	var envelope struct {
		Type   string  `json:"type"`
		Events []Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(rs.lastBody()), &envelope))
	assert.Equal(t, "batch", envelope.Type)
	require.Len(t, envelope.Events, 2)
	assert.Equal(t, float64(1), envelope.Events[0].Data["n"])
	assert.Equal(t, float64(2), envelope.Events[1].Data["n"])
}

func TestBatchingFlushesByWindow(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rs := newRecordingServer(t, http.StatusOK)
	w := createEngineWebhook(t, repo, rs.srv.URL, "e")

	cfg := fastEngineConfig()
	cfg.Batch = map[string]BatchPolicy{"e": {Size: 100, Window: 50 * time.Millisecond}}
	e := newTestEngine(t, repo, cfg)
	require.NoError(t, e.Start())
	defer e.Stop()

	d, err := e.QueueEvent(ctx, w.ID, "e", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := repo.GetDelivery(d.ID)
		return err == nil && current.Status == StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), rs.hits.Load())
}

func TestDebouncingCollapsesBursts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rs := newRecordingServer(t, http.StatusOK)
	w := createEngineWebhook(t, repo, rs.srv.URL, "e")

	cfg := fastEngineConfig()
	cfg.Debounce = map[string]DebouncePolicy{"e": {Window: 50 * time.Millisecond}}
	e := newTestEngine(t, repo, cfg)
	require.NoError(t, e.Start())
	defer e.Stop()

	d1, err := e.QueueEvent(ctx, w.ID, "e", map[string]interface{}{"seq": float64(1)})
	require.NoError(t, err)
	d2, err := e.QueueEvent(ctx, w.ID, "e", map[string]interface{}{"seq": float64(2)})
	require.NoError(t, err)
	d3, err := e.QueueEvent(ctx, w.ID, "e", map[string]interface{}{"seq": float64(3)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := repo.GetDelivery(d3.ID)
		return err == nil && current.Status == StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), rs.hits.Load(), "only the last burst event is delivered")

	var event Event
	require.NoError(t, json.Unmarshal([]byte(rs.lastBody()), &event))
	assert.Equal(t, float64(3), event.Data["seq"])

	// The superseded deliveries are closed out as failed
	for _, id := range []string{d1.ID, d2.ID} {
		superseded, err := repo.GetDelivery(id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, superseded.Status)
	}
}

func TestPayloadMiddlewareTransformsEnvelope(t *testing.T) {
	repo := newTestRepository(t)
	rs := newRecordingServer(t, http.StatusOK)
	w := createEngineWebhook(t, repo, rs.srv.URL, "e")

	e, err := NewEngine(fastEngineConfig(), repo, observability.NewNoopLogger(), nil,
		WithMiddleware(func(event *Event) *Event {
			if event.Data == nil {
				event.Data = map[string]interface{}{}
			}
			event.Data["enriched"] = true
			return event
		}))
	require.NoError(t, err)

	_, err = e.DeliverEvent(context.Background(), w.ID, "e", map[string]interface{}{"x": float64(1)})
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal([]byte(rs.lastBody()), &event))
	assert.Equal(t, true, event.Data["enriched"])
	assert.Equal(t, float64(1), event.Data["x"])
}

func TestQueuePersistsAcrossRestart(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rs := newRecordingServer(t, http.StatusOK)
	w := createEngineWebhook(t, repo, rs.srv.URL, "e")

	queueFile := filepath.Join(t.TempDir(), "queue.journal")
	cfg := fastEngineConfig()
	cfg.PersistQueue = true
	cfg.QueueFile = queueFile

	// First process queues an event but never runs workers
	e1 := newTestEngine(t, repo, cfg)
	d, err := e1.QueueEvent(ctx, w.ID, "e", nil)
	require.NoError(t, err)
	e1.Stop()
	assert.Equal(t, int64(0), rs.hits.Load())

	// The restarted engine rehydrates and delivers it
	e2 := newTestEngine(t, repo, cfg)
	require.NoError(t, e2.Start())
	defer e2.Stop()

	require.Eventually(t, func() bool {
		current, err := repo.GetDelivery(d.ID)
		return err == nil && current.Status == StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), rs.hits.Load())
}

func TestJournalKeepsInFlightTaskUntilFinished(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rs := newRecordingServer(t, http.StatusInternalServerError)
	w := createEngineWebhook(t, repo, rs.srv.URL, "e")

	queueFile := filepath.Join(t.TempDir(), "queue.journal")
	cfg := fastEngineConfig()
	cfg.PersistQueue = true
	cfg.QueueFile = queueFile
	cfg.MaxWorkers = 1
	cfg.MaxAttempts = 3
	cfg.BaseDelay = time.Hour // park the worker between attempts
	cfg.MaxDelay = time.Hour

	e := newTestEngine(t, repo, cfg)
	require.NoError(t, e.Start())

	d, err := e.QueueEvent(ctx, w.ID, "e", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rs.hits.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The attempt sequence has not finished, so the journal still owes
	// the task to a restarted engine even if this process dies here
	j, err := openJournal(queueFile, observability.NewNoopLogger())
	require.NoError(t, err)
	pending := j.replay()
	j.Close()
	require.Len(t, pending, 1)
	assert.Equal(t, d.ID, pending[0].DeliveryIDs[0])

	// A clean stop mid-backoff compacts the task back in as well
	e.Stop()
	j2, err := openJournal(queueFile, observability.NewNoopLogger())
	require.NoError(t, err)
	pending = j2.replay()
	j2.Close()
	require.Len(t, pending, 1)
	assert.Equal(t, d.ID, pending[0].DeliveryIDs[0])
}

func TestEngineStopIsIdempotentAndLeakFree(t *testing.T) {
	defer goleak.VerifyNone(t)

	repo := newTestRepository(t)
	e := newTestEngine(t, repo, fastEngineConfig())
	require.NoError(t, e.Start())

	e.Stop()
	e.Stop()
	assert.Equal(t, 0, e.QueueDepth())
}
