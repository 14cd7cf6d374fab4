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

package entry_store

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"
)

const (
	shardSize = 64
)

// Entry is a cached value. A zero ExpiresAt means the entry never expires.
type Entry struct {
	Value     string
	StoredAt  time.Time
	ExpiresAt time.Time
}

// NewEntry returns an Entry stored at now. If ttl <= 0, the entry never expires.
func NewEntry(v string, now time.Time, ttl time.Duration) Entry {
	e := Entry{Value: v, StoredAt: now}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}

// Expired reports whether e is dead at now. An entry whose expiration
// instant equals now is still valid.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// TTL returns the remaining time to live at now. ok is false if e never expires.
func (e Entry) TTL(now time.Time) (ttl time.Duration, ok bool) {
	if e.ExpiresAt.IsZero() {
		return 0, false
	}
	return e.ExpiresAt.Sub(now), true
}

func (e Entry) same(o Entry) bool {
	return e.Value == o.Value && e.StoredAt.Equal(o.StoredAt) && e.ExpiresAt.Equal(o.ExpiresAt)
}

type Opts struct {
	// CleanerInterval specifies the interval that Store scans
	// and discards expired entries. If CleanerInterval <= 0,
	// no cleaner will be started and entries are only removed
	// lazily by GetValid.
	CleanerInterval time.Duration

	// OnClean is called after every cleaner run with the number of
	// removed entries. Optional.
	OnClean func(removed int)
}

// Store is a concurrent mapping from key to Entry.
// Keys are spread over shards. Operations on keys in different shards
// never block each other. Operations on the same key are serialized.
type Store struct {
	opts   Opts
	seed   maphash.Seed
	shards [shardSize]shard

	closed           atomic.Bool
	closeCleanerChan chan struct{}
	cleanerDone      chan struct{}
}

func NewStore(opts Opts) *Store {
	s := &Store{
		opts:             opts,
		seed:             maphash.MakeSeed(),
		closeCleanerChan: make(chan struct{}),
		cleanerDone:      make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]Entry)
	}
	if opts.CleanerInterval > 0 {
		go s.startCleaner(opts.CleanerInterval)
	} else {
		close(s.cleanerDone)
	}
	return s
}

func (s *Store) getShard(key string) *shard {
	return &s.shards[maphash.String(s.seed, key)%shardSize]
}

// Get returns the entry of key, expired or not.
func (s *Store) Get(key string) (Entry, bool) {
	return s.getShard(key).get(key)
}

// GetValid returns the entry of key if it is not expired at now.
// An expired entry is removed before GetValid returns, unless it was
// replaced concurrently.
func (s *Store) GetValid(key string, now time.Time) (e Entry, ok bool, expired bool) {
	sh := s.getShard(key)
	e, ok = sh.get(key)
	if !ok {
		return Entry{}, false, false
	}
	if !e.Expired(now) {
		return e, true, false
	}
	sh.delIfSame(key, e)
	return Entry{}, false, true
}

// Set inserts or replaces the entry of key.
func (s *Store) Set(key string, e Entry) {
	s.getShard(key).set(key, e)
}

// Del removes key.
func (s *Store) Del(key string) {
	s.getShard(key).del(key)
}

// DelIfSame removes key only if its current entry equals e.
// It reports whether the entry was removed.
func (s *Store) DelIfSame(key string, e Entry) bool {
	return s.getShard(key).delIfSame(key, e)
}

// SetIfAbsentOrExpired stores e unless key has an entry that is still
// valid at now. It returns the entry of key after the call and whether
// e was stored.
func (s *Store) SetIfAbsentOrExpired(key string, e Entry, now time.Time) (Entry, bool) {
	return s.getShard(key).setIfAbsentOrExpired(key, e, now)
}

// Range calls f for every entry. Each shard is copied out first, so f
// runs without holding any lock and may call other Store methods.
// Entries changed after their shard was copied may not be seen.
// If f returns false, Range stops.
func (s *Store) Range(f func(key string, e Entry) bool) {
	var buf []keyEntry
	for i := range s.shards {
		buf = s.shards[i].appendTo(buf[:0])
		for _, ke := range buf {
			if !f(ke.key, ke.e) {
				return
			}
		}
	}
}

// Clean removes all entries that are expired at now and returns
// the number of removed entries.
func (s *Store) Clean(now time.Time) int {
	n := 0
	for i := range s.shards {
		n += s.shards[i].clean(now)
	}
	return n
}

func (s *Store) Len() int {
	l := 0
	for i := range s.shards {
		l += s.shards[i].len()
	}
	return l
}

// Flush removes all entries.
func (s *Store) Flush() {
	for i := range s.shards {
		s.shards[i].flush()
	}
}

// Close stops the cleaner. Entries are kept and the Store is still usable.
func (s *Store) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.closeCleanerChan)
	}
	<-s.cleanerDone
	return nil
}

func (s *Store) startCleaner(interval time.Duration) {
	defer close(s.cleanerDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCleanerChan:
			return
		case now := <-ticker.C:
			n := s.Clean(now)
			if f := s.opts.OnClean; f != nil {
				f(n)
			}
		}
	}
}

type shard struct {
	l sync.RWMutex
	m map[string]Entry
}

func (m *shard) get(key string) (Entry, bool) {
	m.l.RLock()
	defer m.l.RUnlock()
	e, ok := m.m[key]
	return e, ok
}

func (m *shard) set(key string, e Entry) {
	m.l.Lock()
	defer m.l.Unlock()
	m.m[key] = e
}

func (m *shard) del(key string) {
	m.l.Lock()
	defer m.l.Unlock()
	delete(m.m, key)
}

func (m *shard) delIfSame(key string, e Entry) bool {
	m.l.Lock()
	defer m.l.Unlock()
	cur, ok := m.m[key]
	if !ok || !cur.same(e) {
		return false
	}
	delete(m.m, key)
	return true
}

func (m *shard) setIfAbsentOrExpired(key string, e Entry, now time.Time) (Entry, bool) {
	m.l.Lock()
	defer m.l.Unlock()
	if cur, ok := m.m[key]; ok && !cur.Expired(now) {
		return cur, false
	}
	m.m[key] = e
	return e, true
}

type keyEntry struct {
	key string
	e   Entry
}

func (m *shard) appendTo(dst []keyEntry) []keyEntry {
	m.l.RLock()
	defer m.l.RUnlock()
	for k, e := range m.m {
		dst = append(dst, keyEntry{key: k, e: e})
	}
	return dst
}

func (m *shard) clean(now time.Time) int {
	m.l.Lock()
	defer m.l.Unlock()
	n := 0
	for k, e := range m.m {
		if e.Expired(now) {
			delete(m.m, k)
			n++
		}
	}
	return n
}

func (m *shard) len() int {
	m.l.RLock()
	defer m.l.RUnlock()
	return len(m.m)
}

func (m *shard) flush() {
	m.l.Lock()
	defer m.l.Unlock()
	m.m = make(map[string]Entry)
}
