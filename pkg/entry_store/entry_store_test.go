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
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_Expired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		e    Entry
		at   time.Time
		want bool
	}{
		{"never", NewEntry("v", now, 0), now.Add(time.Hour * 24 * 365), false},
		{"before", NewEntry("v", now, time.Second), now.Add(time.Millisecond * 999), false},
		{"exactly at", NewEntry("v", now, time.Second), now.Add(time.Second), false},
		{"after", NewEntry("v", now, time.Second), now.Add(time.Second + 1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.e.Expired(tt.at))
		})
	}
}

func TestStore_GetValid(t *testing.T) {
	s := NewStore(Opts{})
	defer s.Close()

	now := time.Now()
	s.Set("foo", NewEntry("bar", now, time.Second))
	s.Set("baz", NewEntry("qux", now, 0))

	e, ok, expired := s.GetValid("foo", now.Add(time.Millisecond*500))
	require.True(t, ok)
	assert.False(t, expired)
	assert.Equal(t, "bar", e.Value)

	_, ok, expired = s.GetValid("foo", now.Add(time.Millisecond*1100))
	assert.False(t, ok)
	assert.True(t, expired)
	assert.Equal(t, 1, s.Len(), "expired entry should be removed")
	_, ok = s.Get("foo")
	assert.False(t, ok)

	e, ok, _ = s.GetValid("baz", now.Add(time.Hour*1000))
	require.True(t, ok)
	assert.Equal(t, "qux", e.Value)

	_, ok, expired = s.GetValid("nop", now)
	assert.False(t, ok)
	assert.False(t, expired)
}

func TestStore_DelIfSame(t *testing.T) {
	s := NewStore(Opts{})
	defer s.Close()

	now := time.Now()
	old := NewEntry("old", now, time.Millisecond)
	s.Set("k", old)

	// A newer Set lands between the expiry check and the removal.
	fresh := NewEntry("new", now.Add(time.Millisecond), time.Hour)
	s.Set("k", fresh)
	assert.False(t, s.DelIfSame("k", old))

	e, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", e.Value)

	assert.True(t, s.DelIfSame("k", fresh))
	assert.Equal(t, 0, s.Len())
}

func TestStore_LastWriteWins(t *testing.T) {
	s := NewStore(Opts{})
	defer s.Close()

	now := time.Now()
	s.Set("k", NewEntry("v1", now, time.Millisecond))
	s.Set("k", NewEntry("v2", now, time.Hour))

	e, ok, _ := s.GetValid("k", now.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, "v2", e.Value)
}

func TestStore_cleaner(t *testing.T) {
	var cleaned atomic.Int64
	s := NewStore(Opts{
		CleanerInterval: time.Millisecond * 10,
		OnClean:         func(n int) { cleaned.Add(int64(n)) },
	})
	defer s.Close()

	now := time.Now()
	for i := 0; i < 64; i++ {
		s.Set(strconv.Itoa(i), NewEntry("v", now, time.Millisecond*10))
	}
	s.Set("forever", NewEntry("v", now, 0))

	assert.Eventually(t, func() bool { return cleaned.Load() == 64 }, time.Second, time.Millisecond*10)
	assert.Equal(t, 1, s.Len())
}

func TestStore_Close(t *testing.T) {
	s := NewStore(Opts{CleanerInterval: time.Millisecond})
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	// Still usable after the cleaner stopped.
	s.Set("k", NewEntry("v", time.Now(), 0))
	assert.Equal(t, 1, s.Len())
	s.Flush()
	assert.Equal(t, 0, s.Len())
}

func TestStore_SetIfAbsentOrExpired(t *testing.T) {
	s := NewStore(Opts{})
	now := time.Now()

	got, stored := s.SetIfAbsentOrExpired("k", NewEntry("restored", now, 0), now)
	assert.True(t, stored)
	assert.Equal(t, "restored", got.Value)

	// A valid entry is kept.
	s.Set("k", NewEntry("fresh", now, time.Second))
	got, stored = s.SetIfAbsentOrExpired("k", NewEntry("stale", now, 0), now)
	assert.False(t, stored)
	assert.Equal(t, "fresh", got.Value)
	e, _ := s.Get("k")
	assert.Equal(t, "fresh", e.Value)

	// An expired entry is replaced.
	later := now.Add(time.Second * 2)
	got, stored = s.SetIfAbsentOrExpired("k", NewEntry("restored", later, 0), later)
	assert.True(t, stored)
	assert.Equal(t, "restored", got.Value)
}

func TestStore_SetIfAbsentOrExpired_race(t *testing.T) {
	s := NewStore(Opts{})
	now := time.Now()
	for i := 0; i < 1000; i++ {
		key := strconv.Itoa(i)
		wg := sync.WaitGroup{}
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Set(key, NewEntry("new", now, 0))
		}()
		go func() {
			defer wg.Done()
			s.SetIfAbsentOrExpired(key, NewEntry("old", now, 0), now)
		}()
		wg.Wait()
		e, ok := s.Get(key)
		require.True(t, ok)
		require.Equal(t, "new", e.Value, "a plain Set must never be overwritten")
	}
}

func TestStore_Range_callsStore(t *testing.T) {
	s := NewStore(Opts{})
	now := time.Now()
	for i := 0; i < 64; i++ {
		s.Set(strconv.Itoa(i), NewEntry("v", now, 0))
	}
	// f is called without shard locks held.
	s.Range(func(key string, e Entry) bool {
		s.Set(key, NewEntry("v2", now, 0))
		return true
	})
	s.Range(func(key string, e Entry) bool {
		assert.Equal(t, "v2", e.Value)
		return true
	})
}

func TestStore_Range(t *testing.T) {
	s := NewStore(Opts{})
	now := time.Now()
	for i := 0; i < 128; i++ {
		s.Set(strconv.Itoa(i), NewEntry(strconv.Itoa(i), now, 0))
	}

	seen := make(map[string]bool)
	s.Range(func(key string, e Entry) bool {
		assert.Equal(t, key, e.Value)
		seen[key] = true
		return true
	})
	assert.Len(t, seen, 128)

	n := 0
	s.Range(func(key string, e Entry) bool {
		n++
		return false
	})
	assert.Equal(t, 1, n)
}

func TestStore_race(t *testing.T) {
	s := NewStore(Opts{CleanerInterval: time.Millisecond})
	defer s.Close()

	wg := sync.WaitGroup{}
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				key := strconv.Itoa(i)
				now := time.Now()
				s.Set(key, NewEntry(key, now, time.Microsecond))
				s.GetValid(key, time.Now())
				s.Set(key, NewEntry(key, now, 0))
				s.Clean(time.Now())
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 256, s.Len())
}

func BenchmarkStore_Get_And_Set(b *testing.B) {
	s := NewStore(Opts{})
	keys := make([]string, 2048)
	now := time.Now()
	for i := range keys {
		keys[i] = strconv.Itoa(i)
		s.Set(keys[i], NewEntry("v", now, 0))
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			i++
			key := keys[i%2048]
			s.Set(key, NewEntry("v", now, 0))
			s.GetValid(key, now)
		}
	})
}
