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

package tiered

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IrineSistiana/tiercache/pkg/entry_store"
	"github.com/IrineSistiana/tiercache/pkg/persist"
	"github.com/IrineSistiana/tiercache/pkg/utils"
	"github.com/IrineSistiana/tiercache/pkg/write_policy"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Read through modes. They are the accepted values of cache.read_through.
const (
	// ReadThroughOff never consults the persistent tier on a miss.
	ReadThroughOff = "off"
	// ReadThroughRestore repopulates memory with the persisted expiration.
	ReadThroughRestore = "restore"
	// ReadThroughDefaultTTL repopulates memory with ReadThroughTTL.
	ReadThroughDefaultTTL = "default_ttl"
)

var ErrEmptyKey = errors.New("empty key")

type Opts struct {
	// Store is the memory tier. If nil, a new one without cleaner is used.
	Store *entry_store.Store

	// Persister is the persistent tier. Default is persist.Disabled.
	Persister persist.Persister

	// Policy propagates writes to Persister. If nil, writes only
	// go to memory.
	Policy write_policy.Policy

	// ReadThrough is one of ReadThroughOff, ReadThroughRestore and
	// ReadThroughDefaultTTL. Default is ReadThroughOff.
	ReadThrough string

	// ReadThroughTTL is the ttl of repopulated entries. See ReadThrough.
	// <= 0 means never expire.
	ReadThroughTTL time.Duration

	// DefaultTTL is used by Set when its ttl is <= 0.
	// <= 0 means never expire.
	DefaultTTL time.Duration

	// ReadTimeout bounds read through calls. Default is 2s.
	ReadTimeout time.Duration

	Logger     *zap.Logger
	MetricsReg prometheus.Registerer
}

// Cache is the two tier cache engine. Memory is authoritative for
// freshness. The persistent tier is used for durability and,
// optionally, to repopulate memory on a miss.
type Cache struct {
	opts   Opts
	store  *entry_store.Store
	p      persist.Persister
	policy write_policy.Policy
	logger *zap.Logger

	readSF singleflight.Group

	getTotal            prometheus.Counter
	hitTotal            prometheus.Counter
	expiredTotal        prometheus.Counter
	readThroughHitTotal prometheus.Counter
	setTotal            prometheus.Counter
	setErrorTotal       prometheus.Counter
	deleteTotal         prometheus.Counter
	entries             prometheus.GaugeFunc
}

func New(opts Opts) (*Cache, error) {
	utils.SetDefaultString(&opts.ReadThrough, ReadThroughOff)
	switch opts.ReadThrough {
	case ReadThroughOff, ReadThroughRestore, ReadThroughDefaultTTL:
	default:
		return nil, fmt.Errorf("invalid read through mode %q", opts.ReadThrough)
	}
	utils.SetDefaultNum(&opts.ReadTimeout, time.Second*2)
	if opts.Store == nil {
		opts.Store = entry_store.NewStore(entry_store.Opts{})
	}
	if opts.Persister == nil {
		opts.Persister = persist.Disabled{}
	}
	if opts.Policy == nil {
		opts.Policy = write_policy.MemoryOnly{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Cache{
		opts:   opts,
		store:  opts.Store,
		p:      opts.Persister,
		policy: opts.Policy,
		logger: opts.Logger,

		getTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "get_total",
			Help: "The total number of gets",
		}),
		hitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hit_total",
			Help: "The total number of gets that hit the cache",
		}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expired_total",
			Help: "The total number of gets that found an expired entry",
		}),
		readThroughHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "read_through_hit_total",
			Help: "The total number of gets that were served from the persistent tier",
		}),
		setTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "set_total",
			Help: "The total number of sets",
		}),
		setErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "set_error_total",
			Help: "The total number of sets and deletes that failed",
		}),
		deleteTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delete_total",
			Help: "The total number of deletes",
		}),
	}
	c.entries = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "entries",
		Help: "Current number of entries in memory, including expired ones that are not yet removed",
	}, func() float64 {
		return float64(c.store.Len())
	})
	if reg := opts.MetricsReg; reg != nil {
		reg.MustRegister(
			c.getTotal, c.hitTotal, c.expiredTotal, c.readThroughHitTotal,
			c.setTotal, c.setErrorTotal, c.deleteTotal, c.entries,
		)
	}
	return c, nil
}

// Get returns the value of key. ok is false if key is absent or
// expired. Errors of the persistent tier are logged and reported as a
// miss, so err is only non-nil for invalid input.
func (c *Cache) Get(ctx context.Context, key string) (v string, ok bool, err error) {
	if len(key) == 0 {
		return "", false, ErrEmptyKey
	}
	c.getTotal.Inc()

	e, ok, expired := c.store.GetValid(key, time.Now())
	if ok {
		c.hitTotal.Inc()
		return e.Value, true, nil
	}
	if expired {
		c.expiredTotal.Inc()
	}

	if c.opts.ReadThrough == ReadThroughOff {
		return "", false, nil
	}
	v, ok = c.readThrough(ctx, key)
	if ok {
		c.readThroughHitTotal.Inc()
	}
	return v, ok, nil
}

type readResult struct {
	v  string
	ok bool
}

func (c *Cache) readThrough(ctx context.Context, key string) (string, bool) {
	ch := c.readSF.DoChan(key, func() (any, error) {
		// Detached from the caller, the result is shared by all waiters.
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReadTimeout)
		defer cancel()
		r, ok, err := c.p.Get(ctx, key)
		if err != nil {
			c.logger.Warn("read through failed", zap.String("key", key), zap.Error(err))
			return readResult{}, nil
		}
		if !ok {
			return readResult{}, nil
		}

		now := time.Now()
		var e entry_store.Entry
		switch c.opts.ReadThrough {
		case ReadThroughRestore:
			if !r.ExpiresAt.IsZero() {
				if now.After(r.ExpiresAt) {
					return readResult{}, nil
				}
				e = entry_store.Entry{Value: r.Value, StoredAt: now, ExpiresAt: r.ExpiresAt}
			} else {
				e = entry_store.NewEntry(r.Value, now, c.opts.ReadThroughTTL)
			}
		default:
			e = entry_store.NewEntry(r.Value, now, c.opts.ReadThroughTTL)
		}

		// A concurrent Set wins over the persisted value.
		cur, _ := c.store.SetIfAbsentOrExpired(key, e, now)
		return readResult{v: cur.Value, ok: true}, nil
	})

	select {
	case res := <-ch:
		rr := res.Val.(readResult)
		return rr.v, rr.ok
	case <-ctx.Done():
		return "", false
	}
}

// Set stores value. If ttl <= 0, DefaultTTL is used. The write is
// propagated by the write policy. Under write through, a persistent
// tier failure is returned and memory is not changed.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	c.setTotal.Inc()
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	op := write_policy.Op{Kind: write_policy.OpPut, Key: key, Value: value, TTL: ttl}
	err := c.policy.Write(ctx, op, func() {
		c.store.Set(key, entry_store.NewEntry(value, time.Now(), ttl))
	})
	if err != nil {
		c.setErrorTotal.Inc()
		return fmt.Errorf("failed to set %q, %w", key, err)
	}
	return nil
}

// Delete removes key from both tiers. Deleting an absent key is not
// an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	c.deleteTotal.Inc()
	op := write_policy.Op{Kind: write_policy.OpDel, Key: key}
	err := c.policy.Write(ctx, op, func() {
		c.store.Del(key)
	})
	if err != nil {
		c.setErrorTotal.Inc()
		return fmt.Errorf("failed to delete %q, %w", key, err)
	}
	return nil
}

// Len returns the number of entries in memory.
func (c *Cache) Len() int {
	return c.store.Len()
}

// Peek returns the memory entry of key. It never reads through and
// never removes anything. Expired entries are reported as absent.
func (c *Cache) Peek(key string) (entry_store.Entry, bool) {
	e, ok := c.store.Get(key)
	if !ok || e.Expired(time.Now()) {
		return entry_store.Entry{}, false
	}
	return e, true
}

// Flush drops all entries of the memory tier. The persistent tier is
// not changed, so with read through enabled values come back on demand.
func (c *Cache) Flush() {
	c.store.Flush()
}

// Persister returns the persistent tier.
func (c *Cache) Persister() persist.Persister {
	return c.p
}

// Close closes the write policy, then the persister, then stops the
// memory cleaner. Memory entries are kept.
func (c *Cache) Close() error {
	var errs utils.Errors
	errs.Append(c.policy.Close())
	errs.Append(c.p.Close())
	errs.Append(c.store.Close())
	return errs.Build()
}
