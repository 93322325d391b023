package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maauso/mxf-transcode-api/internal/metrics"
	"github.com/maauso/mxf-transcode-api/internal/queue"
)

// leaseCell holds the receipt of the current lease on one message. A cycle
// creates one per received message; each extension stores the receipt that
// replaces the previous one, and every later queue call reads it from here.
type leaseCell struct {
	receipt atomic.Pointer[string]
}

func newLeaseCell(receipt string) *leaseCell {
	c := &leaseCell{}
	c.Set(receipt)
	return c
}

func (c *leaseCell) Receipt() string {
	return *c.receipt.Load()
}

func (c *leaseCell) Set(receipt string) {
	c.receipt.Store(&receipt)
}

// leaseKeeper renews the lease on one message while an attempt runs. It
// renews on a timer whatever the attempt is doing, and Touch renews early
// when ExtendInterval has passed since the last renewal. Failed renewals are
// logged and otherwise ignored.
type leaseKeeper struct {
	queue    queue.LeaseQueue
	cell     *leaseCell
	lease    time.Duration
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// keepLease starts a leaseKeeper for cell. Stop must be called before the
// message is settled.
func (w *Worker) keepLease(ctx context.Context, log *slog.Logger, cell *leaseCell) *leaseKeeper {
	k := &leaseKeeper{
		queue:    w.queue,
		cell:     cell,
		lease:    w.cfg.Lease,
		interval: w.cfg.ExtendInterval,
		log:      log,
		now:      w.now,
		last:     w.now(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go k.run(ctx, w.cfg.renewEvery())
	return k
}

func (k *leaseKeeper) run(ctx context.Context, every time.Duration) {
	defer close(k.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stop:
			return
		case <-t.C:
			k.mu.Lock()
			k.extend(ctx)
			k.mu.Unlock()
		}
	}
}

// Touch renews the lease if ExtendInterval has passed since the last renewal.
func (k *leaseKeeper) Touch(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.now().Sub(k.last) < k.interval {
		return
	}
	k.extend(ctx)
}

// Stop ends timer renewals and waits for an in-flight renewal to finish.
func (k *leaseKeeper) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
	<-k.done
}

// extend requires k.mu; receipts rotate, so renewals must not overlap.
func (k *leaseKeeper) extend(ctx context.Context) {
	k.last = k.now()
	receipt, err := k.queue.ExtendLease(ctx, k.cell.Receipt(), k.lease)
	if err != nil {
		metrics.LeaseExtensionsTotal.WithLabelValues("failed").Inc()
		k.log.Warn("lease extension failed", slog.String("error", err.Error()))
		return
	}
	k.cell.Set(receipt)
	metrics.LeaseExtensionsTotal.WithLabelValues("ok").Inc()
}
