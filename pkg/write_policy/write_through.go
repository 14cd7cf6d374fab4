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

	"github.com/IrineSistiana/tiercache/pkg/persist"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// WriteThrough persists an op before it is committed to memory.
// If the persister fails, the error is returned and memory is untouched.
type WriteThrough struct {
	p      persist.Persister
	opts   Opts
	locker *keyLocker

	errTotal prometheus.Counter
}

var _ Policy = (*WriteThrough)(nil)

func NewWriteThrough(p persist.Persister, opts Opts) *WriteThrough {
	opts.init()
	w := &WriteThrough{
		p:      p,
		opts:   opts,
		locker: newKeyLocker(),
		errTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "write_through_error_total",
			Help: "The total number of ops that the persistent tier rejected",
		}),
	}
	if reg := opts.MetricsReg; reg != nil {
		reg.MustRegister(w.errTotal)
	}
	return w
}

// Write holds a per key lock across the persister call and commit, so
// the persisted order of one key matches its in-memory order.
func (w *WriteThrough) Write(ctx context.Context, op Op, commit func()) error {
	ctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	unlock := w.locker.lock(op.Key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		w.errTotal.Inc()
		return persist.NewStoreError("write_through", op.Kind.String(), op.Key, err)
	}
	if err := op.apply(ctx, w.p); err != nil {
		w.errTotal.Inc()
		w.opts.Logger.Warn("persist failed", zap.Stringer("op", op.Kind), zap.String("key", op.Key), zap.Error(err))
		return err
	}
	commit()
	return nil
}

func (w *WriteThrough) Close() error {
	return nil
}
