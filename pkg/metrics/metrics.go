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
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Var is a value that can be reported.
type Var interface {
	// Publish should return a build-in type or a map[string]any
	// of build-in types.
	Publish() any
}

// Registry is a set of named Vars. It is used by client side tools to
// collect and print results. Server side metrics are exported by
// prometheus.
type Registry struct {
	l sync.RWMutex
	m map[string]Var
}

func NewRegistry() *Registry {
	return &Registry{
		m: make(map[string]Var),
	}
}

func (r *Registry) Get(name string) Var {
	r.l.RLock()
	defer r.l.RUnlock()
	return r.m[name]
}

func (r *Registry) GetOrSet(name string, f func() Var) Var {
	r.l.Lock()
	defer r.l.Unlock()
	v, ok := r.m[name]
	if !ok {
		v = f()
		r.m[name] = v
	}
	return v
}

func (r *Registry) Set(name string, v Var) {
	r.l.Lock()
	defer r.l.Unlock()
	r.m[name] = v
}

// Names returns all registered names in order.
func (r *Registry) Names() []string {
	r.l.RLock()
	defer r.l.RUnlock()
	names := make([]string, 0, len(r.m))
	for name := range r.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Publish() any {
	m := make(map[string]any)
	r.l.RLock()
	defer r.l.RUnlock()
	for name, v := range r.m {
		m[name] = v.Publish()
	}
	return m
}

// WriteJSON writes the published values of v to w as indented json.
func WriteJSON(w io.Writer, v Var) error {
	b, err := json.MarshalIndent(v.Publish(), "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// Histogram is a latency histogram. Values are recorded in microseconds.
type Histogram struct {
	metrics.Histogram
}

func NewHistogram(reservoirSize int) *Histogram {
	return &Histogram{Histogram: metrics.NewHistogram(metrics.NewUniformSample(reservoirSize))}
}

// Observe records d.
func (h *Histogram) Observe(d time.Duration) {
	h.Update(d.Microseconds())
}

// Publish returns count and latency percentiles in microseconds.
func (h *Histogram) Publish() any {
	m := make(map[string]any)
	ps := h.Percentiles([]float64{0, 0.5, 0.9, 0.99, 1})
	m["count"] = h.Count()
	m["min_us"] = int64(ps[0])
	m["p50_us"] = int64(ps[1])
	m["p90_us"] = int64(ps[2])
	m["p99_us"] = int64(ps[3])
	m["max_us"] = int64(ps[4])
	m["avg_us"] = int64(h.Mean())
	return m
}

type Counter struct {
	metrics.Counter
}

func NewCounter() *Counter {
	return &Counter{Counter: metrics.NewCounter()}
}

func (c *Counter) Publish() any {
	return c.Count()
}
