/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of tiercache.
 *
 * tiercache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * tiercache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package write_policy

import (
	"context"
	"errors"
	"hash/maphash"
	"sync"
	"time"

	"github.com/IrineSistiana/tiercache/pkg/persist"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var ErrDrainTimeout = errors.New("write behind queue drain timed out")

// WriteBehind commits an op to memory immediately and persists it
// later on worker goroutines. Ops of the same key always go to the
// same worker, so they are persisted in order.
// Persistence failures are logged and counted, never returned.
type WriteBehind struct {
	p    persist.Persister
	opts Opts
	seed maphash.Seed

	closeMu sync.RWMutex
	closed  bool
	queues  []chan Op
	wg      sync.WaitGroup

	// canceled when the drain deadline is exceeded.
	ctx    context.Context
	cancel context.CancelFunc

	enqueuedTotal prometheus.Counter
	droppedTotal  prometheus.Counter
	failedTotal   prometheus.Counter
	queueLen      prometheus.GaugeFunc
}

var _ Policy = (*WriteBehind)(nil)

func NewWriteBehind(p persist.Persister, opts Opts) *WriteBehind {
	opts.init()
	perWorker := opts.QueueSize / opts.Workers
	if perWorker < 1 {
		perWorker = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &WriteBehind{
		p:      p,
		opts:   opts,
		seed:   maphash.MakeSeed(),
		queues: make([]chan Op, opts.Workers),
		ctx:    ctx,
		cancel: cancel,

		enqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "write_behind_enqueued_total",
			Help: "The total number of ops queued for the persistent tier",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "write_behind_dropped_total",
			Help: "The total number of ops dropped because the queue was full or closed",
		}),
		failedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "write_behind_failed_total",
			Help: "The total number of ops that the persistent tier rejected",
		}),
	}
	w.queueLen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "write_behind_queue_len",
		Help: "Current number of queued ops",
	}, func() float64 {
		return float64(w.Len())
	})
	if reg := opts.MetricsReg; reg != nil {
		reg.MustRegister(w.enqueuedTotal, w.droppedTotal, w.failedTotal, w.queueLen)
	}

	for i := range w.queues {
		q := make(chan Op, perWorker)
		w.queues[i] = q
		w.wg.Add(1)
		go w.worker(q)
	}
	return w
}

// Write commits op and queues it. It never blocks on the persister
// and always returns nil.
func (w *WriteBehind) Write(_ context.Context, op Op, commit func()) error {
	commit()

	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		w.drop(op, "policy closed")
		return nil
	}

	q := w.queues[maphash.String(w.seed, op.Key)%uint64(len(w.queues))]
	select {
	case q <- op:
		w.enqueuedTotal.Inc()
	default:
		w.drop(op, "queue is full")
	}
	return nil
}

func (w *WriteBehind) drop(op Op, reason string) {
	w.droppedTotal.Inc()
	w.opts.Logger.Warn("op dropped", zap.String("reason", reason), zap.Stringer("op", op.Kind), zap.String("key", op.Key))
}

func (w *WriteBehind) worker(q chan Op) {
	defer w.wg.Done()
	for op := range q {
		ctx, cancel := context.WithTimeout(w.ctx, w.opts.Timeout)
		err := op.apply(ctx, w.p)
		cancel()
		if err != nil {
			w.failedTotal.Inc()
			w.opts.Logger.Warn("persist failed", zap.Stringer("op", op.Kind), zap.String("key", op.Key), zap.Error(err))
		}
	}
}

// Len returns the number of queued ops.
func (w *WriteBehind) Len() int {
	n := 0
	for _, q := range w.queues {
		n += len(q)
	}
	return n
}

// Close stops intake and waits until all queued ops are processed or
// DrainTimeout is reached. In the later case, pending persister calls
// are canceled, the rest of the queue fails fast and ErrDrainTimeout
// is returned.
func (w *WriteBehind) Close() error {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return nil
	}
	w.closed = true
	for _, q := range w.queues {
		close(q)
	}
	w.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		w.cancel()
		return nil
	case <-timer.C:
		w.opts.Logger.Error("drain timed out", zap.Int("pending", w.Len()))
		w.cancel()
		<-done
		return ErrDrainTimeout
	}
}
