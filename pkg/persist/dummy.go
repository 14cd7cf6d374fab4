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
	"sync"
	"time"
)

// DummyPersister is an in-memory Persister for tests.
// Failures and latency can be injected.
type DummyPersister struct {
	m       sync.Mutex
	records map[string]Record
	err     error
	delay   time.Duration
	puts    int
	dels    int
}

var _ Persister = (*DummyPersister)(nil)

func NewDummyPersister() *DummyPersister {
	return &DummyPersister{records: make(map[string]Record)}
}

// SetErr makes all following calls fail with err. A nil err clears it.
func (d *DummyPersister) SetErr(err error) {
	d.m.Lock()
	defer d.m.Unlock()
	d.err = err
}

// SetDelay makes all following calls wait for t or until ctx is done.
func (d *DummyPersister) SetDelay(t time.Duration) {
	d.m.Lock()
	defer d.m.Unlock()
	d.delay = t
}

func (d *DummyPersister) wait(ctx context.Context, op, key string) error {
	d.m.Lock()
	delay, err := d.delay, d.err
	d.m.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return NewStoreError("dummy", op, key, ctx.Err())
		}
	}
	if err != nil {
		return NewStoreError("dummy", op, key, err)
	}
	return nil
}

func (d *DummyPersister) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := d.wait(ctx, OpPut, key); err != nil {
		return err
	}
	d.m.Lock()
	defer d.m.Unlock()
	d.records[key] = NewRecord(value, time.Now(), ttl)
	d.puts++
	return nil
}

func (d *DummyPersister) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := d.wait(ctx, OpGet, key); err != nil {
		return Record{}, false, err
	}
	d.m.Lock()
	defer d.m.Unlock()
	r, ok := d.records[key]
	return r, ok, nil
}

func (d *DummyPersister) Del(ctx context.Context, key string) error {
	if err := d.wait(ctx, OpDel, key); err != nil {
		return err
	}
	d.m.Lock()
	defer d.m.Unlock()
	delete(d.records, key)
	d.dels++
	return nil
}

// Load stores r directly, bypassing injected failures.
func (d *DummyPersister) Load(key string, r Record) {
	d.m.Lock()
	defer d.m.Unlock()
	d.records[key] = r
}

// Peek returns the record of key, bypassing injected failures.
func (d *DummyPersister) Peek(key string) (Record, bool) {
	d.m.Lock()
	defer d.m.Unlock()
	r, ok := d.records[key]
	return r, ok
}

// Puts returns the number of successful Put calls.
func (d *DummyPersister) Puts() int {
	d.m.Lock()
	defer d.m.Unlock()
	return d.puts
}

// Dels returns the number of successful Del calls.
func (d *DummyPersister) Dels() int {
	d.m.Lock()
	defer d.m.Unlock()
	return d.dels
}

func (d *DummyPersister) Close() error {
	return nil
}
