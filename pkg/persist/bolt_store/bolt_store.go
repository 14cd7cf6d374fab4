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

package bolt_store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IrineSistiana/tiercache/pkg/persist"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const defaultBucket = "cache"

var nopLogger = zap.NewNop()

type Opts struct {
	// Path of the database file. Required.
	Path string

	// Bucket name. Default is "cache".
	Bucket string

	// Compress enables snappy compression of values.
	Compress bool

	// OpenTimeout is the time to wait for the file lock.
	// Default is 1s.
	OpenTimeout time.Duration

	Logger *zap.Logger
}

// Store is a persist.Persister backed by a local bbolt file.
// bbolt keeps keys ordered, which makes it the ordered store variant.
type Store struct {
	db       *bbolt.DB
	bucket   []byte
	compress bool
	logger   *zap.Logger
}

var _ persist.Persister = (*Store)(nil)

func Open(opts Opts) (*Store, error) {
	if len(opts.Path) == 0 {
		return nil, errors.New("empty db path")
	}
	if len(opts.Bucket) == 0 {
		opts.Bucket = defaultBucket
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}

	db, err := bbolt.Open(opts.Path, 0644, &bbolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open db %s, %w", opts.Path, err)
	}
	bucket := []byte(opts.Bucket)
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket, %w", err)
	}
	opts.Logger.Info("bolt db opened", zap.String("path", opts.Path), zap.String("bucket", opts.Bucket))
	return &Store{db: db, bucket: bucket, compress: opts.Compress, logger: opts.Logger}, nil
}

func (s *Store) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return persist.NewStoreError(persist.BackendBolt, persist.OpPut, key, err)
	}
	if len(key) == 0 {
		return persist.NewStoreError(persist.BackendBolt, persist.OpPut, key, bbolt.ErrKeyRequired)
	}

	data, err := persist.PackRecord(persist.NewRecord(value, time.Now(), ttl), s.compress)
	if err != nil {
		return persist.NewStoreError(persist.BackendBolt, persist.OpPut, key, err)
	}
	defer data.Release()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), data.Bytes())
	})
	if err != nil {
		return persist.NewStoreError(persist.BackendBolt, persist.OpPut, key, mapErr(err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (persist.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return persist.Record{}, false, persist.NewStoreError(persist.BackendBolt, persist.OpGet, key, err)
	}

	var (
		r     persist.Record
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket).Get([]byte(key))
		if b == nil {
			return nil
		}
		var err error
		r, err = persist.UnpackRecord(b) // r does not reference b
		found = err == nil
		return err
	})
	if err != nil {
		return persist.Record{}, false, persist.NewStoreError(persist.BackendBolt, persist.OpGet, key, mapErr(err))
	}
	return r, found, nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return persist.NewStoreError(persist.BackendBolt, persist.OpDel, key, err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
	if err != nil {
		return persist.NewStoreError(persist.BackendBolt, persist.OpDel, key, mapErr(err))
	}
	return nil
}

var (
	_ persist.KeyLister  = (*Store)(nil)
	_ persist.KeyCounter = (*Store)(nil)
)

// Keys returns up to limit keys in byte order, starting at prefix.
// A limit <= 0 means no limit.
func (s *Store) Keys(ctx context.Context, prefix string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	return keys, mapErr(err)
}

// Len returns the number of stored keys.
func (s *Store) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(s.bucket).Stats().KeyN
		return nil
	})
	return n, mapErr(err)
}

func hasPrefix(b, p []byte) bool {
	return len(b) >= len(p) && string(b[:len(p)]) == string(p)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// mapErr marks a closed db as unavailable.
func mapErr(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return fmt.Errorf("%w: %v", persist.ErrBackendUnavailable, err)
	}
	return err
}
