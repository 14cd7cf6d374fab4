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
	"fmt"
	"sync"
	"time"

	"github.com/IrineSistiana/tiercache/pkg/persist"
	"github.com/IrineSistiana/tiercache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Policy names. They are the accepted values of cache.write_policy.
const (
	NameWriteThrough = "write_through"
	NameWriteBehind  = "write_behind"
)

// Policy decides how a mutation reaches the persistent tier relative
// to the in-memory commit.
type Policy interface {
	// Write propagates op. commit applies op to the memory tier.
	// Whether and when commit is called depends on the policy.
	Write(ctx context.Context, op Op, commit func()) error

	// Close stops accepting ops and waits for pending ones.
	Close() error
}

type OpKind uint8

const (
	OpPut OpKind = iota
	OpDel
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpDel:
		return "del"
	default:
		return fmt.Sprintf("op(%d)", k)
	}
}

// Op is a mutation of one key.
type Op struct {
	Kind  OpKind
	Key   string
	Value string        // OpPut only
	TTL   time.Duration // OpPut only, <= 0 means no expiration
}

func (o Op) apply(ctx context.Context, p persist.Persister) error {
	switch o.Kind {
	case OpPut:
		return p.Put(ctx, o.Key, o.Value, o.TTL)
	case OpDel:
		return p.Del(ctx, o.Key)
	default:
		return fmt.Errorf("unknown op kind %d", o.Kind)
	}
}

type Opts struct {
	// Timeout bounds every persister call. Default is 2s.
	Timeout time.Duration

	// QueueSize is the total capacity of the write behind queue.
	// Default is 4096.
	QueueSize int

	// Workers is the number of write behind workers. Default is 1.
	Workers int

	// DrainTimeout bounds how long Close waits for queued ops.
	// Default is 10s.
	DrainTimeout time.Duration

	// Logger is optional.
	Logger *zap.Logger

	// MetricsReg is optional.
	MetricsReg prometheus.Registerer
}

func (opts *Opts) init() {
	utils.SetDefaultNum(&opts.Timeout, time.Second*2)
	utils.SetDefaultNum(&opts.QueueSize, 4096)
	utils.SetDefaultNum(&opts.Workers, 1)
	utils.SetDefaultNum(&opts.DrainTimeout, time.Second*10)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
}

// New builds the policy called name on top of p.
func New(name string, p persist.Persister, opts Opts) (Policy, error) {
	switch name {
	case NameWriteThrough:
		return NewWriteThrough(p, opts), nil
	case NameWriteBehind:
		return NewWriteBehind(p, opts), nil
	case "":
		return nil, fmt.Errorf("write policy is required, must be %s or %s", NameWriteThrough, NameWriteBehind)
	default:
		return nil, fmt.Errorf("unknown write policy %q", name)
	}
}

// MemoryOnly is the policy used when there is no persistent tier.
// It commits immediately and never fails.
type MemoryOnly struct{}

var _ Policy = MemoryOnly{}

func (MemoryOnly) Write(_ context.Context, _ Op, commit func()) error {
	commit()
	return nil
}

func (MemoryOnly) Close() error { return nil }

// keyLocker serializes ops on the same key. Each key in use has its
// own mutex, so unrelated keys never wait for each other.
type keyLocker struct {
	m     sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	ref int // guarded by keyLocker.m
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[string]*keyLock)}
}

// lock locks key and returns the function that unlocks it.
func (k *keyLocker) lock(key string) (unlock func()) {
	k.m.Lock()
	kl := k.locks[key]
	if kl == nil {
		kl = new(keyLock)
		k.locks[key] = kl
	}
	kl.ref++
	k.m.Unlock()

	kl.Lock()
	return func() {
		kl.Unlock()
		k.m.Lock()
		kl.ref--
		if kl.ref == 0 {
			delete(k.locks, key)
		}
		k.m.Unlock()
	}
}

// len returns the number of keys that are locked or waited on.
func (k *keyLocker) len() int {
	k.m.Lock()
	defer k.m.Unlock()
	return len(k.locks)
}
