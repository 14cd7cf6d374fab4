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
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/IrineSistiana/tiercache/pkg/entry_store"
	"github.com/IrineSistiana/tiercache/pkg/persist"
	"github.com/IrineSistiana/tiercache/pkg/write_policy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestCache(t *testing.T, opts Opts) *Cache {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_example(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Opts{})

	require.NoError(t, c.Set(ctx, "foo", "bar", time.Second))
	v, ok, err := c.Get(ctx, "foo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bar", v)

	require.NoError(t, c.Set(ctx, "baz", "qux", 0))

	time.Sleep(time.Millisecond * 1100)
	_, ok, err = c.Get(ctx, "foo")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "expired entry should be removed by Get")

	v, ok, _ = c.Get(ctx, "baz")
	require.True(t, ok)
	assert.Equal(t, "qux", v)
}

func TestCache_DefaultTTL(t *testing.T) {
	ctx := context.Background()
	store := entry_store.NewStore(entry_store.Opts{})
	c := newTestCache(t, Opts{Store: store, DefaultTTL: time.Minute})

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	e, ok := store.Get("k")
	require.True(t, ok)
	assert.InDelta(t, time.Minute, e.ExpiresAt.Sub(e.StoredAt), float64(time.Millisecond))

	require.NoError(t, c.Set(ctx, "k", "v", time.Second))
	e, _ = store.Get("k")
	assert.Equal(t, time.Second, e.ExpiresAt.Sub(e.StoredAt))
}

func TestCache_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Opts{})

	require.NoError(t, c.Set(ctx, "k", "v1", time.Millisecond))
	require.NoError(t, c.Set(ctx, "k", "v2", 0))
	time.Sleep(time.Millisecond * 5)
	v, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestCache_Peek_Flush(t *testing.T) {
	ctx := context.Background()
	p := persist.NewDummyPersister()
	c := newTestCache(t, Opts{
		Persister:   p,
		Policy:      write_policy.NewWriteThrough(p, write_policy.Opts{}),
		ReadThrough: ReadThroughRestore,
	})

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Set(ctx, "short", "v", time.Millisecond))
	e, ok := c.Peek("k")
	require.True(t, ok)
	ttl, hasTTL := e.TTL(time.Now())
	assert.True(t, hasTTL)
	assert.InDelta(t, time.Minute, ttl, float64(time.Second))

	time.Sleep(time.Millisecond * 5)
	_, ok = c.Peek("short")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len(), "peek must not remove entries")

	c.Flush()
	assert.Equal(t, 0, c.Len())
	_, ok = c.Peek("k")
	assert.False(t, ok)

	// Restored from the persistent tier.
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Same(t, p, c.Persister())
}

func TestCache_emptyKey(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Opts{})
	_, _, err := c.Get(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyKey)
	assert.ErrorIs(t, c.Set(ctx, "", "v", 0), ErrEmptyKey)
	assert.ErrorIs(t, c.Delete(ctx, ""), ErrEmptyKey)
}

func TestCache_WriteThrough(t *testing.T) {
	ctx := context.Background()
	p := persist.NewDummyPersister()
	reg := prometheus.NewRegistry()
	c := newTestCache(t, Opts{
		Persister:  p,
		Policy:     write_policy.NewWriteThrough(p, write_policy.Opts{Timeout: time.Millisecond * 50}),
		MetricsReg: reg,
	})

	require.NoError(t, c.Set(ctx, "k", "v1", 0))
	r, ok := p.Peek("k")
	require.True(t, ok)
	assert.Equal(t, "v1", r.Value)

	p.SetErr(errors.New("rejected"))
	err := c.Set(ctx, "k", "v2", 0)
	assert.ErrorIs(t, err, persist.ErrBackendWriteFailed)
	v, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v1", v, "failed write must not change memory")

	err = c.Set(ctx, "new", "v", 0)
	assert.Error(t, err)
	_, ok, _ = c.Get(ctx, "new")
	assert.False(t, ok)

	assert.Error(t, c.Delete(ctx, "k"))
	_, ok, _ = c.Get(ctx, "k")
	assert.True(t, ok)

	p.SetErr(nil)
	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
	_, ok = p.Peek("k")
	assert.False(t, ok)

	assert.Equal(t, float64(3), testutil.ToFloat64(c.setErrorTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.setTotal))
}

func TestCache_WriteBehind(t *testing.T) {
	ctx := context.Background()
	p := persist.NewDummyPersister()
	p.SetDelay(time.Millisecond * 200)
	c := newTestCache(t, Opts{
		Persister: p,
		Policy:    write_policy.NewWriteBehind(p, write_policy.Opts{}),
	})

	start := time.Now()
	require.NoError(t, c.Set(ctx, "k", "v", 0))
	assert.Less(t, time.Since(start), time.Millisecond*100, "set must not wait for the backend")
	v, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	assert.Eventually(t, func() bool {
		_, ok := p.Peek("k")
		return ok
	}, time.Second, time.Millisecond*20)

	p.SetDelay(0)
	p.SetErr(errors.New("rejected"))
	require.NoError(t, c.Set(ctx, "k2", "v2", 0))
	v, ok, _ = c.Get(ctx, "k2")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestCache_ReadThrough(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name      string
		mode      string
		ttl       time.Duration
		rec       persist.Record
		wantHit   bool
		wantNever bool
		wantTTL   time.Duration
	}{
		{"off", ReadThroughOff, 0, persist.NewRecord("v", now, time.Hour), false, false, 0},
		{"restore", ReadThroughRestore, 0, persist.NewRecord("v", now, time.Hour), true, false, time.Hour},
		{"restore expired", ReadThroughRestore, 0, persist.NewRecord("v", now.Add(-time.Hour), time.Minute), false, false, 0},
		{"restore no expiry", ReadThroughRestore, 0, persist.NewRecord("v", now, 0), true, true, 0},
		{"restore no expiry with ttl", ReadThroughRestore, time.Minute, persist.NewRecord("v", now, 0), true, false, time.Minute},
		{"default ttl", ReadThroughDefaultTTL, time.Minute, persist.NewRecord("v", now.Add(-time.Hour), time.Minute), true, false, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := persist.NewDummyPersister()
			p.Load("k", tt.rec)
			store := entry_store.NewStore(entry_store.Opts{})
			c := newTestCache(t, Opts{Store: store, Persister: p, ReadThrough: tt.mode, ReadThroughTTL: tt.ttl})

			v, ok, err := c.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, tt.wantHit, ok)
			e, inMem := store.Get("k")
			assert.Equal(t, tt.wantHit, inMem)
			if !tt.wantHit {
				return
			}
			assert.Equal(t, "v", v)
			ttl, hasTTL := e.TTL(time.Now())
			assert.Equal(t, tt.wantNever, !hasTTL)
			if hasTTL {
				assert.InDelta(t, tt.wantTTL, ttl, float64(time.Second))
			}
		})
	}
}

func TestCache_ReadThrough_backendError(t *testing.T) {
	ctx := context.Background()
	p := persist.NewDummyPersister()
	p.Load("k", persist.NewRecord("v", time.Now(), 0))
	p.SetErr(errors.New("down"))
	c := newTestCache(t, Opts{Persister: p, ReadThrough: ReadThroughRestore})

	_, ok, err := c.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_ReadThrough_singleflight(t *testing.T) {
	p := persist.NewDummyPersister()
	p.Load("k", persist.NewRecord("v", time.Now(), 0))
	p.SetDelay(time.Millisecond * 100)
	c := newTestCache(t, Opts{Persister: p, ReadThrough: ReadThroughRestore})

	g := new(errgroup.Group)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			v, ok, err := c.Get(context.Background(), "k")
			if err != nil {
				return err
			}
			if !ok || v != "v" {
				return errors.New("unexpected miss")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, float64(16), testutil.ToFloat64(c.getTotal))
}

func TestCache_ReadThrough_concurrentSetWins(t *testing.T) {
	ctx := context.Background()
	p := persist.NewDummyPersister()
	p.Load("k", persist.NewRecord("old", time.Now(), 0))
	p.SetDelay(time.Millisecond * 200)
	store := entry_store.NewStore(entry_store.Opts{})
	c := newTestCache(t, Opts{Store: store, Persister: p, ReadThrough: ReadThroughRestore})

	type getResult struct {
		v  string
		ok bool
	}
	res := make(chan getResult, 1)
	go func() {
		v, ok, _ := c.Get(ctx, "k")
		res <- getResult{v: v, ok: ok}
	}()

	// Lands while the persisted value is still being read.
	time.Sleep(time.Millisecond * 50)
	require.NoError(t, c.Set(ctx, "k", "new", 0))

	r := <-res
	assert.True(t, r.ok)
	assert.Equal(t, "new", r.v)
	e, ok := store.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", e.Value)
}

func TestCache_concurrentDisjointKeys(t *testing.T) {
	ctx := context.Background()
	p := persist.NewDummyPersister()
	c := newTestCache(t, Opts{
		Persister: p,
		Policy:    write_policy.NewWriteThrough(p, write_policy.Opts{}),
	})

	wg := sync.WaitGroup{}
	for g := 0; g < 16; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				k := strconv.Itoa(g) + "_" + strconv.Itoa(i)
				assert.NoError(t, c.Set(ctx, k, k, 0))
				v, ok, err := c.Get(ctx, k)
				assert.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, k, v)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1600, c.Len())
	assert.Equal(t, 1600, p.Puts())
}

func TestCache_Dump(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Opts{})
	n := dumpBlockSize*3 + 7
	for i := 0; i < n; i++ {
		require.NoError(t, c.Set(ctx, strconv.Itoa(i), "v"+strconv.Itoa(i), time.Hour))
	}
	require.NoError(t, c.Set(ctx, "never", "v", 0))
	require.NoError(t, c.Set(ctx, "expired", "v", time.Nanosecond))
	time.Sleep(time.Millisecond)

	buf := new(bytes.Buffer)
	enw, err := c.WriteDump(buf)
	require.NoError(t, err)
	assert.Equal(t, n+1, enw)

	store := entry_store.NewStore(entry_store.Opts{})
	c2 := newTestCache(t, Opts{Store: store})
	enr, err := c2.ReadDump(buf)
	require.NoError(t, err)
	assert.Equal(t, enw, enr)

	v, ok, _ := c2.Get(ctx, "42")
	require.True(t, ok)
	assert.Equal(t, "v42", v)
	e, ok := store.Get("never")
	require.True(t, ok)
	assert.True(t, e.ExpiresAt.IsZero())
	_, ok = store.Get("expired")
	assert.False(t, ok)
}

type blockingWriter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	buf     bytes.Buffer
}

func (w *blockingWriter) Write(b []byte) (int, error) {
	w.once.Do(func() {
		close(w.entered)
		<-w.release
	})
	return w.buf.Write(b)
}

func TestCache_WriteDump_slowWriter(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Opts{})
	for i := 0; i < 512; i++ {
		require.NoError(t, c.Set(ctx, strconv.Itoa(i), "v", 0))
	}

	w := &blockingWriter{entered: make(chan struct{}), release: make(chan struct{})}
	dumped := make(chan error, 1)
	go func() {
		_, err := c.WriteDump(w)
		dumped <- err
	}()
	<-w.entered

	// The memory tier must stay writable while the dump writer is stuck.
	setDone := make(chan struct{})
	go func() {
		defer close(setDone)
		for i := 0; i < 512; i++ {
			assert.NoError(t, c.Set(ctx, strconv.Itoa(i), "v2", 0))
		}
	}()
	select {
	case <-setDone:
	case <-time.After(time.Second * 2):
		t.Error("set is blocked by a slow dump writer")
	}
	close(w.release)
	require.NoError(t, <-dumped)
	<-setDone
}

func TestCache_DumpFile(t *testing.T) {
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "dump")
	c := newTestCache(t, Opts{})

	en, err := c.LoadDumpFile(p)
	require.NoError(t, err)
	assert.Equal(t, 0, en)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		c.StartDumpLoop(p, time.Hour, done)
		close(finished)
	}()
	close(done)
	<-finished

	c2 := newTestCache(t, Opts{})
	en, err = c2.LoadDumpFile(p)
	require.NoError(t, err)
	assert.Equal(t, 1, en)
	v, ok, _ := c2.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestCache_ReadDump_invalid(t *testing.T) {
	c := newTestCache(t, Opts{})
	_, err := c.ReadDump(bytes.NewReader([]byte("not a gzip stream")))
	assert.Error(t, err)
}

func TestNew_invalidReadThrough(t *testing.T) {
	_, err := New(Opts{ReadThrough: "always"})
	assert.Error(t, err)
}
