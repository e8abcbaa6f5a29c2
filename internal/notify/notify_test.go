package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"the-digital-vault/internal/domain"
	"the-digital-vault/internal/logger"
	"the-digital-vault/internal/metrics"
)

func samplePurchase() Purchase {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return Purchase{
		Order: domain.Order{
			ID:            "ORDER-ABC",
			CustomerEmail: "buyer@example.com",
			CustomerName:  "Buyer",
			Total:         25000,
			PaidAt:        &now,
			Items: []domain.OrderItem{
				{ProductID: "doc-1", ProductType: domain.PermanentAsset, Title: "Guide", AssetReference: "https://cdn.example.com/guide.pdf"},
				{ProductID: "game-1", ProductType: domain.TimeLimitedAsset, Title: "Arcade", AssetReference: "https://games.example.com/arcade"},
			},
		},
		Tokens: []domain.AccessToken{
			{ID: "tok-1", ProductID: "game-1", ExpiresAt: now.Add(24 * time.Hour)},
		},
	}
}

func TestBuildMessage(t *testing.T) {
	msg := BuildMessage(samplePurchase(), "https://vault.example.com/")

	assert.Equal(t, "purchase.completed", msg.Event)
	require.Len(t, msg.Downloads, 1)
	assert.Equal(t, "https://cdn.example.com/guide.pdf", msg.Downloads[0].URL)
	require.Len(t, msg.Access, 1)
	assert.Equal(t, "https://vault.example.com/access/tok-1", msg.Access[0].URL)
	assert.Equal(t, "Arcade", msg.Access[0].Title)
	require.NotNil(t, msg.Access[0].ExpiresAt)
}

func TestWebhookNotifierRetriesServerErrors(t *testing.T) {
	var calls int32
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "ORDER-ABC", r.Header.Get("Idempotency-Key"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "https://vault.example.com", time.Second, 3, WithInitialInterval(time.Millisecond))
	require.NoError(t, n.Notify(context.Background(), samplePurchase()))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, "ORDER-ABC", got.OrderID)
	assert.Len(t, got.Access, 1)
}

func TestWebhookNotifierDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", time.Second, 5, WithInitialInterval(time.Millisecond))
	assert.Error(t, n.Notify(context.Background(), samplePurchase()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (r *recordingNotifier) Notify(ctx context.Context, p Purchase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, p.Order.ID)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestDispatcherDeliversAndDrainsOnShutdown(t *testing.T) {
	rec := &recordingNotifier{}
	d, err := NewDispatcher(DispatcherParams{Notifier: rec, Logger: logger.Nop(), Workers: 2, QueueSize: 10})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.True(t, d.Enqueue(ctx, samplePurchase()))
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = d.Run(runCtx)
		close(done)
	}()
	cancel()
	<-done

	assert.Equal(t, 5, rec.count())
	assert.False(t, d.Enqueue(ctx, samplePurchase()))
}

func TestDispatcherEnqueueNeverBlocks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := &recordingNotifier{}
	d, err := NewDispatcher(DispatcherParams{Notifier: rec, Logger: logger.Nop(), Metrics: m, QueueSize: 1})
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, d.Enqueue(ctx, samplePurchase()))

	done := make(chan bool)
	go func() { done <- d.Enqueue(ctx, samplePurchase()) }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	require.NoError(t, d.Close())
}

func TestDispatcherIsolatesNotifierFailures(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("smtp down")}
	d, err := NewDispatcher(DispatcherParams{Notifier: rec, Logger: logger.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx) }()

	assert.True(t, d.Enqueue(context.Background(), samplePurchase()))
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestNewDispatcherRequiresCollaborators(t *testing.T) {
	_, err := NewDispatcher(DispatcherParams{Logger: logger.Nop()})
	assert.Error(t, err)
	_, err = NewDispatcher(DispatcherParams{Notifier: &recordingNotifier{}})
	assert.Error(t, err)
}
