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

package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Persister is the durable tier of the cache.
// Implementations never retry internally. All failures are returned
// as *StoreError. Persister must be safe for concurrent use.
type Persister interface {
	// Put durably records key and value. ttl <= 0 means the value
	// never expires. The ttl is stored as metadata only, it is never
	// enforced by the backend.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Get looks up key. ok is false if key is absent.
	Get(ctx context.Context, key string) (r Record, ok bool, err error)

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	io.Closer
}

// KeyCounter is implemented by persisters that can count their keys.
type KeyCounter interface {
	Len(ctx context.Context) (int, error)
}

// KeyLister is implemented by persisters that keep keys in order.
// Keys returns up to limit keys that start with prefix, in byte order.
// A limit <= 0 means no limit.
type KeyLister interface {
	Keys(ctx context.Context, prefix string, limit int) ([]string, error)
}

// Record is a value read back from a Persister.
type Record struct {
	Value     string
	StoredAt  time.Time
	ExpiresAt time.Time // zero means no expiration was recorded.
}

// NewRecord builds a Record stored at now.
func NewRecord(value string, now time.Time, ttl time.Duration) Record {
	r := Record{Value: value, StoredAt: now}
	if ttl > 0 {
		r.ExpiresAt = now.Add(ttl)
	}
	return r
}

// Backend names. They are also the accepted values of the
// persist.backend config.
const (
	BackendNone  = "none"
	BackendBolt  = "bolt"
	BackendRedis = "redis"
	BackendMongo = "mongo"
)

var (
	// ErrBackendUnavailable means the backend could not be reached,
	// timed out or was closed.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendWriteFailed means the backend was reached but
	// rejected the write.
	ErrBackendWriteFailed = errors.New("backend write failed")
)

// StoreError is the error returned by every Persister.
// errors.Is works with both Kind and the underlying Err.
type StoreError struct {
	Backend string
	Op      string
	Key     string
	Kind    error // ErrBackendUnavailable or ErrBackendWriteFailed
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s %q: %v: %v", e.Backend, e.Op, e.Key, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Ops that are used in StoreError.
const (
	OpPut = "put"
	OpGet = "get"
	OpDel = "del"
)

// NewStoreError wraps err. Connectivity errors (timeouts, canceled
// contexts, net errors, closed connections) are classified as
// ErrBackendUnavailable. Other write errors are ErrBackendWriteFailed.
func NewStoreError(backend, op, key string, err error) *StoreError {
	kind := ErrBackendWriteFailed
	if op == OpGet || isConnErr(err) {
		kind = ErrBackendUnavailable
	}
	return &StoreError{Backend: backend, Op: op, Key: key, Kind: kind, Err: err}
}

func isConnErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrBackendUnavailable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Disabled is the Persister used when no backend is configured.
// Put and Del always succeed, Get always reports absent.
type Disabled struct{}

var _ Persister = Disabled{}

func (Disabled) Put(context.Context, string, string, time.Duration) error { return nil }

func (Disabled) Get(context.Context, string) (Record, bool, error) { return Record{}, false, nil }

func (Disabled) Del(context.Context, string) error { return nil }

func (Disabled) Close() error { return nil }
