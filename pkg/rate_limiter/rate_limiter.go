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

package rate_limiter

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	tableShards       = 32
	defaultGcInterval = time.Minute
)

// Limiter limits the request rate of each client address with a token
// bucket. Idle clients are forgotten by an internal gc, so a client
// that was idle for longer than the gc interval starts with a full bucket.
type Limiter struct {
	limit rate.Limit
	burst int

	closeOnce   sync.Once
	closeNotify chan struct{}
	tables      [tableShards]*tableShard
}

type tableShard struct {
	m     sync.Mutex
	table map[netip.Addr]*limiterEntry
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

type Opts struct {
	// QPS is the refill rate of each client. Must be positive.
	QPS float64

	// Burst is the bucket size. Default is max(1, QPS).
	Burst int

	// GcInterval is the interval of removing idle clients.
	// Default is 1m.
	GcInterval time.Duration
}

// NewRateLimiter creates a new client rate limiter. Call Close to stop
// its gc goroutine.
func NewRateLimiter(opts Opts) *Limiter {
	if opts.Burst <= 0 {
		opts.Burst = int(opts.QPS)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	if opts.GcInterval <= 0 {
		opts.GcInterval = defaultGcInterval
	}

	l := &Limiter{
		limit:       rate.Limit(opts.QPS),
		burst:       opts.Burst,
		closeNotify: make(chan struct{}),
	}
	for i := range l.tables {
		l.tables[i] = &tableShard{table: make(map[netip.Addr]*limiterEntry)}
	}
	go l.gcLoop(opts.GcInterval)
	return l
}

// Allow reports whether client may send one request now.
// An invalid client addr is always allowed.
func (l *Limiter) Allow(client netip.Addr) bool {
	if !client.IsValid() {
		return true
	}
	client = client.Unmap()
	now := time.Now()
	shard := l.getTableShard(client)
	shard.m.Lock()
	e, ok := shard.table[client]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(l.limit, l.burst)}
		shard.table[client] = e
	}
	e.lastSeen = now
	shard.m.Unlock()
	return e.l.AllowN(now, 1)
}

func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeNotify)
	})
	return nil
}

func (l *Limiter) gcLoop(gcInterval time.Duration) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.closeNotify:
			return
		case now := <-ticker.C:
			l.doGc(now, gcInterval)
		}
	}
}

func (l *Limiter) doGc(now time.Time, idle time.Duration) {
	for _, shard := range l.tables {
		shard.m.Lock()
		for a, e := range shard.table {
			if now.Sub(e.lastSeen) > idle {
				delete(shard.table, a)
			}
		}
		shard.m.Unlock()
	}
}

func (l *Limiter) getTableShard(client netip.Addr) *tableShard {
	var i byte
	for _, b := range client.As16() {
		i ^= b
	}
	return l.tables[i%tableShards]
}

// Len returns current number of clients in the Limiter.
func (l *Limiter) Len() int {
	n := 0
	for _, shard := range l.tables {
		shard.m.Lock()
		n += len(shard.table)
		shard.m.Unlock()
	}
	return n
}
