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
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/IrineSistiana/tiercache/pkg/pool"
	"github.com/golang/snappy"
)

// Packed record layout:
//
//	[0:8]   stored time, unix nano, big endian
//	[8:16]  expiration time, unix nano, big endian. 0 means none.
//	[16]    flags
//	[17:]   value, maybe snappy compressed
const (
	recordHeaderLen = 17

	flagSnappy byte = 1 << 0
)

var errRecordTooShort = errors.New("record is too short")

// PackRecord packs r into one byte slice. If compress is true, the value
// is compressed by snappy.
// The returned buffer should be released by the caller.
func PackRecord(r Record, compress bool) (*pool.Buffer, error) {
	var flags byte
	var payload []byte
	if compress {
		maxLen := snappy.MaxEncodedLen(len(r.Value))
		if maxLen < 0 {
			return nil, fmt.Errorf("value is too large to compress, len %d", len(r.Value))
		}
		cb := pool.GetBuf(maxLen)
		defer cb.Release()
		payload = snappy.Encode(cb.Bytes(), []byte(r.Value))
		flags |= flagSnappy
	}

	var buf *pool.Buffer
	if compress {
		buf = pool.GetBuf(recordHeaderLen + len(payload))
		copy(buf.Bytes()[recordHeaderLen:], payload)
	} else {
		buf = pool.GetBuf(recordHeaderLen + len(r.Value))
		copy(buf.Bytes()[recordHeaderLen:], r.Value)
	}
	b := buf.Bytes()
	binary.BigEndian.PutUint64(b[:8], uint64(unixNano(r.StoredAt)))
	binary.BigEndian.PutUint64(b[8:16], uint64(unixNano(r.ExpiresAt)))
	b[16] = flags
	return buf, nil
}

// UnpackRecord unpacks b which was packed by PackRecord.
// The returned Record does not reference b.
func UnpackRecord(b []byte) (Record, error) {
	if len(b) < recordHeaderLen {
		return Record{}, errRecordTooShort
	}
	r := Record{
		StoredAt:  fromUnixNano(int64(binary.BigEndian.Uint64(b[:8]))),
		ExpiresAt: fromUnixNano(int64(binary.BigEndian.Uint64(b[8:16]))),
	}
	flags := b[16]
	payload := b[recordHeaderLen:]
	if flags&flagSnappy != 0 {
		v, err := snappy.Decode(nil, payload)
		if err != nil {
			return Record{}, fmt.Errorf("snappy decode err: %w", err)
		}
		r.Value = string(v)
	} else {
		r.Value = string(payload)
	}
	return r, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
