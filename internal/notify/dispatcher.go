package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"the-digital-vault/internal/logger"
	"the-digital-vault/internal/metrics"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 256
	defaultTimeout   = 5 * time.Second
)

type DispatcherParams struct {
	Notifier  Notifier
	Logger    *logger.Logger
	Metrics   *metrics.Vault
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// Dispatcher hands purchases to the notifier off the request path.
// Enqueue never blocks; delivery failures are logged and counted only.
type Dispatcher struct {
	notifier Notifier
	logg     *logger.Logger
	metrics  *metrics.Vault
	workers  int
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Purchase
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	workers := params.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	size := params.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		notifier: params.Notifier,
		logg:     params.Logger,
		metrics:  params.Metrics,
		workers:  workers,
		timeout:  timeout,
		queue:    make(chan Purchase, size),
	}, nil
}

// Enqueue schedules p for delivery. It reports false when the purchase was dropped.
func (d *Dispatcher) Enqueue(ctx context.Context, p Purchase) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(ctx, p, "dispatcher closed")
		return false
	}
	select {
	case d.queue <- p:
		return true
	default:
		d.drop(ctx, p, "notification queue full")
		return false
	}
}

func (d *Dispatcher) drop(ctx context.Context, p Purchase, reason string) {
	d.metrics.NotificationDropped()
	d.logg.Warn(d.logg.WithOrderID(ctx, p.Order.ID), reason)
}

// Run delivers queued purchases until ctx is canceled, then drains what is
// already queued and returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range d.queue {
				d.deliver(p)
			}
		}()
	}

	<-ctx.Done()
	d.Close()
	wg.Wait()
	return nil
}

// Close stops accepting purchases. Safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	return nil
}

func (d *Dispatcher) deliver(p Purchase) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	ctx = d.logg.WithOrderID(ctx, p.Order.ID)

	defer func() {
		if r := recover(); r != nil {
			d.metrics.NotificationDelivered(false)
			d.logg.Error(ctx, "notifier panicked", fmt.Errorf("panic: %v", r))
		}
	}()

	if err := d.notifier.Notify(ctx, p); err != nil {
		d.metrics.NotificationDelivered(false)
		d.logg.Error(ctx, "purchase notification failed", err)
		return
	}
	d.metrics.NotificationDelivered(true)
}
