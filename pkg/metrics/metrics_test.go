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

package metrics

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	h := r.GetOrSet("set", func() Var { return NewHistogram(1024) }).(*Histogram)
	assert.Same(t, h, r.GetOrSet("set", func() Var { return NewHistogram(1024) }))

	for i := 1; i <= 100; i++ {
		h.Observe(time.Duration(i) * time.Microsecond)
	}
	errs := NewCounter()
	errs.Inc(3)
	r.Set("errors", errs)
	assert.Equal(t, []string{"errors", "set"}, r.Names())
	assert.Nil(t, r.Get("nop"))

	b := new(bytes.Buffer)
	require.NoError(t, WriteJSON(b, r))
	var out map[string]any
	require.NoError(t, json.Unmarshal(b.Bytes(), &out))
	assert.EqualValues(t, 3, out["errors"])

	set := out["set"].(map[string]any)
	assert.EqualValues(t, 100, set["count"])
	assert.EqualValues(t, 1, set["min_us"])
	assert.EqualValues(t, 100, set["max_us"])
	assert.EqualValues(t, 50, set["avg_us"])
}
