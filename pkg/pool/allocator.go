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

package pool

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
)

// defaultBufPool is an Allocator that has a maximum capacity.
var defaultBufPool = NewAllocator()

// Buffer is a []byte borrowed from an Allocator.
// It must not be used after Release.
type Buffer struct {
	a *Allocator
	b []byte
}

// Bytes returns the underlying slice. Its length is the size
// that was asked for.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// SetLen shrinks or grows the buffer within its capacity.
func (b *Buffer) SetLen(n int) {
	b.b = b.b[:n]
}

// Release returns the buffer to its Allocator.
func (b *Buffer) Release() {
	b.a.release(b)
}

// GetBuf returns a *Buffer from pool with most appropriate cap.
// It panics if size < 0.
func GetBuf(size int) *Buffer {
	return defaultBufPool.Get(size)
}

type Allocator struct {
	buffers []sync.Pool
}

// NewAllocator initiates a []byte Allocator.
// The waste(memory fragmentation) of space allocation is guaranteed to be
// no more than 50%.
func NewAllocator() *Allocator {
	alloc := &Allocator{
		buffers: make([]sync.Pool, bits.UintSize+1),
	}

	for i := range alloc.buffers {
		var bufSize uint
		if i == bits.UintSize {
			bufSize = math.MaxUint
		} else {
			bufSize = 1 << i
		}
		alloc.buffers[i].New = func() any {
			return &Buffer{a: alloc, b: make([]byte, bufSize)}
		}
	}
	return alloc
}

// Get returns a *Buffer from pool with most appropriate cap
func (alloc *Allocator) Get(size int) *Buffer {
	if size < 0 {
		panic(fmt.Sprintf("invalid slice size %d", size))
	}

	i := shard(size)
	buf := alloc.buffers[i].Get().(*Buffer)
	buf.b = buf.b[:size]
	return buf
}

func (alloc *Allocator) release(buf *Buffer) {
	c := cap(buf.b)
	i := shard(c)
	if c == 0 || c != 1<<i {
		panic("unexpected cap size")
	}
	alloc.buffers[i].Put(buf)
}

// shard returns the shard index that is suitable for the size.
func shard(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len64(uint64(size - 1))
}
