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

package coremain

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/IrineSistiana/tiercache/pkg/persist"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxKeysLimit = 10000

type statsResp struct {
	Backend      string `json:"backend"`
	Entries      int    `json:"entries"`
	PersistKeys  *int   `json:"persist_keys,omitempty"`
	PersistError string `json:"persist_error,omitempty"`
}

type entryResp struct {
	Key      string    `json:"key"`
	Value    string    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
	TTL      *int64    `json:"ttl,omitempty"` // seconds, absent if the entry never expires
}

type keysResp struct {
	Keys []string `json:"keys"`
}

type apiErrResp struct {
	Error string `json:"error"`
}

// initCacheApi registers the cache admin entries. It must be called
// after t.cache is set and before the api server starts.
func (t *TierCache) initCacheApi(backend string) {
	t.apiMux.Route("/cache", func(r chi.Router) {
		r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
			resp := statsResp{Backend: backend, Entries: t.cache.Len()}
			if kc, ok := t.cache.Persister().(persist.KeyCounter); ok {
				n, err := kc.Len(req.Context())
				if err != nil {
					resp.PersistError = err.Error()
				} else {
					resp.PersistKeys = &n
				}
			}
			t.writeApiJSON(w, http.StatusOK, resp)
		})

		r.Get("/entry", func(w http.ResponseWriter, req *http.Request) {
			key := req.URL.Query().Get("key")
			if len(key) == 0 {
				t.writeApiJSON(w, http.StatusBadRequest, apiErrResp{Error: "missing key parameter"})
				return
			}
			e, ok := t.cache.Peek(key)
			if !ok {
				t.writeApiJSON(w, http.StatusNotFound, apiErrResp{Error: "Key not found"})
				return
			}
			resp := entryResp{Key: key, Value: e.Value, StoredAt: e.StoredAt}
			if ttl, ok := e.TTL(time.Now()); ok {
				sec := int64(ttl / time.Second)
				resp.TTL = &sec
			}
			t.writeApiJSON(w, http.StatusOK, resp)
		})

		r.Post("/flush", func(w http.ResponseWriter, req *http.Request) {
			n := t.cache.Len()
			t.cache.Flush()
			t.logger.Info("memory tier flushed", zap.Int("entries", n))
			t.writeApiJSON(w, http.StatusOK, statsResp{Backend: backend, Entries: n})
		})
	})

	if kl, ok := t.cache.Persister().(persist.KeyLister); ok {
		t.apiMux.Get("/persist/keys", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			limit := 100
			if s := q.Get("limit"); len(s) > 0 {
				i, err := strconv.Atoi(s)
				if err != nil || i <= 0 || i > maxKeysLimit {
					t.writeApiJSON(w, http.StatusBadRequest, apiErrResp{Error: "invalid limit"})
					return
				}
				limit = i
			}
			keys, err := kl.Keys(req.Context(), q.Get("prefix"), limit)
			if err != nil {
				t.logger.Warn("failed to list keys", zap.Error(err))
				t.writeApiJSON(w, http.StatusServiceUnavailable, apiErrResp{Error: err.Error()})
				return
			}
			if keys == nil {
				keys = []string{}
			}
			t.writeApiJSON(w, http.StatusOK, keysResp{Keys: keys})
		})
	}
}

func (t *TierCache) writeApiJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.logger.Debug("failed to write api response", zap.Error(err))
	}
}
