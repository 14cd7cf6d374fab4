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
	"bytes"
	"fmt"
	"sync"
)

// BytesBufPool is a pool of bytes.Buffer for encoders that write
// variable length output, e.g. json responses.
type BytesBufPool struct {
	p       sync.Pool
	maxSize int
}

// NewBytesBufPool returns a pool whose new buffers have initSize capacity.
// Buffers that grew larger than maxSize are not put back. maxSize <= 0
// means no limit.
func NewBytesBufPool(initSize, maxSize int) *BytesBufPool {
	if initSize < 0 {
		panic(fmt.Sprintf("pool.NewBytesBufPool: negative init size %d", initSize))
	}

	return &BytesBufPool{
		p: sync.Pool{New: func() any {
			b := new(bytes.Buffer)
			b.Grow(initSize)
			return b
		}},
		maxSize: maxSize,
	}
}

func (p *BytesBufPool) Get() *bytes.Buffer {
	return p.p.Get().(*bytes.Buffer)
}

func (p *BytesBufPool) Release(b *bytes.Buffer) {
	if p.maxSize > 0 && b.Cap() > p.maxSize {
		return
	}
	b.Reset()
	p.p.Put(b)
}
