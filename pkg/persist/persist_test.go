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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Record(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		r        Record
		compress bool
	}{
		{"no ttl", NewRecord("bar", now, 0), false},
		{"ttl", NewRecord("bar", now, time.Minute), false},
		{"empty value", NewRecord("", now, time.Minute), false},
		{"compressed", NewRecord(strings.Repeat("abc", 1024), now, time.Minute), true},
		{"compressed empty", NewRecord("", now, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := PackRecord(tt.r, tt.compress)
			require.NoError(t, err)
			defer buf.Release()

			if tt.compress && len(tt.r.Value) > 0 {
				assert.Less(t, len(buf.Bytes()), recordHeaderLen+len(tt.r.Value))
			}

			got, err := UnpackRecord(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, tt.r.Value, got.Value)
			assert.True(t, tt.r.StoredAt.Equal(got.StoredAt), "stored time: want %v, got %v", tt.r.StoredAt, got.StoredAt)
			assert.True(t, tt.r.ExpiresAt.Equal(got.ExpiresAt), "expiration time: want %v, got %v", tt.r.ExpiresAt, got.ExpiresAt)
			assert.Equal(t, tt.r.ExpiresAt.IsZero(), got.ExpiresAt.IsZero())
		})
	}
}

func Test_UnpackRecord_Invalid(t *testing.T) {
	_, err := UnpackRecord([]byte{1, 2, 3})
	assert.Error(t, err)

	b := make([]byte, recordHeaderLen+4)
	b[16] = flagSnappy
	copy(b[recordHeaderLen:], []byte{0xff, 0xff, 0xff, 0xff})
	_, err = UnpackRecord(b)
	assert.Error(t, err)
}

func TestNewStoreError(t *testing.T) {
	someErr := errors.New("rejected")
	tests := []struct {
		name     string
		op       string
		err      error
		wantKind error
	}{
		{"get is unavailable", OpGet, someErr, ErrBackendUnavailable},
		{"put rejected", OpPut, someErr, ErrBackendWriteFailed},
		{"put timeout", OpPut, context.DeadlineExceeded, ErrBackendUnavailable},
		{"del canceled", OpDel, context.Canceled, ErrBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewStoreError("test", tt.op, "k", tt.err)
			assert.ErrorIs(t, err, tt.wantKind)
			assert.ErrorIs(t, err, tt.err)

			var se *StoreError
			require.ErrorAs(t, error(err), &se)
			assert.Equal(t, "k", se.Key)
			assert.Contains(t, err.Error(), "test "+tt.op)
		})
	}
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	var p Persister = Disabled{}
	assert.NoError(t, p.Put(ctx, "k", "v", time.Second))
	_, ok, err := p.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, p.Del(ctx, "k"))
	assert.NoError(t, p.Close())
}
