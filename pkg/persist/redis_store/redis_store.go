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

package redis_store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/IrineSistiana/tiercache/pkg/persist"
	"github.com/IrineSistiana/tiercache/pkg/utils"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

var errClientDisabled = fmt.Errorf("redis client temporarily disabled: %w", persist.ErrBackendUnavailable)

type Opts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when Store.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// It only applies when the ctx given to each call has no deadline.
	// Default is 1s.
	ClientTimeout time.Duration

	// Compress enables snappy compression of values.
	Compress bool

	// Logger is the *zap.Logger for this Store.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Store is a persist.Persister backed by redis. Keys are stored
// without a server side expiration.
type Store struct {
	opts           Opts
	clientDisabled atomic.Bool
}

var _ persist.Persister = (*Store)(nil)

func NewStore(opts Opts) (*Store, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Store{opts: opts}, nil
}

// NewStoreFromURL parses a redis url, e.g. redis://127.0.0.1:6379/0,
// and pings the server once.
func NewStoreFromURL(ctx context.Context, url string, opts Opts) (*Store, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url, %w", err)
	}
	ro.MaxRetries = -1
	c := redis.NewClient(ro)
	pingCtx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to ping redis server, %w", err)
	}
	opts.Client = c
	opts.ClientCloser = c
	return NewStore(opts)
}

func (r *Store) disabled() bool {
	return r.clientDisabled.Load()
}

// disableClient makes all calls fail fast until a ping succeeds.
func (r *Store) disableClient() {
	if r.clientDisabled.CompareAndSwap(false, true) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				r.clientDisabled.Store(false)
				r.opts.Logger.Info("redis enabled")
				return
			}
		}()
	}
}

func (r *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opts.ClientTimeout)
}

func (r *Store) newErr(op, key string, err error) error {
	se := persist.NewStoreError(persist.BackendRedis, op, key, err)
	if errors.Is(se, persist.ErrBackendUnavailable) && !errors.Is(err, errClientDisabled) && !errors.Is(err, context.Canceled) {
		r.disableClient()
	}
	return se
}

func (r *Store) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.disabled() {
		return r.newErr(persist.OpPut, key, errClientDisabled)
	}

	data, err := persist.PackRecord(persist.NewRecord(value, time.Now(), ttl), r.opts.Compress)
	if err != nil {
		return persist.NewStoreError(persist.BackendRedis, persist.OpPut, key, err)
	}
	defer data.Release()

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	// Zero expiration, persisted data outlives its ttl.
	if err := r.opts.Client.Set(ctx, key, data.Bytes(), 0).Err(); err != nil {
		return r.newErr(persist.OpPut, key, err)
	}
	return nil
}

func (r *Store) Get(ctx context.Context, key string) (persist.Record, bool, error) {
	if r.disabled() {
		return persist.Record{}, false, r.newErr(persist.OpGet, key, errClientDisabled)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return persist.Record{}, false, nil
		}
		return persist.Record{}, false, r.newErr(persist.OpGet, key, err)
	}

	rec, err := persist.UnpackRecord(b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.String("key", key), zap.Error(err))
		return persist.Record{}, false, persist.NewStoreError(persist.BackendRedis, persist.OpGet, key, err)
	}
	return rec, true, nil
}

func (r *Store) Del(ctx context.Context, key string) error {
	if r.disabled() {
		return r.newErr(persist.OpDel, key, errClientDisabled)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.opts.Client.Del(ctx, key).Err(); err != nil {
		return r.newErr(persist.OpDel, key, err)
	}
	return nil
}

var _ persist.KeyCounter = (*Store)(nil)

// Len returns the number of keys in the selected redis db.
func (r *Store) Len(ctx context.Context) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	i, err := r.opts.Client.DBSize(ctx).Result()
	if err != nil {
		return 0, err
	}
	return int(i), nil
}

// Close closes the redis client.
func (r *Store) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}
