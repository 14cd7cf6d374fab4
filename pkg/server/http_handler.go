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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/netip"
	"time"

	"github.com/IrineSistiana/tiercache/pkg/persist"
	"github.com/IrineSistiana/tiercache/pkg/pool"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodySize = MaxLineLen + 4096

var respBufPool = pool.NewBytesBufPool(512, 64*1024)

type HttpHandlerOpts struct {
	// Logger specifies the logger which Handler writes its log to.
	// Default is a nop logger.
	Logger *zap.Logger

	// Limiter optionally limits the request rate of each client.
	Limiter Limiter
}

type HttpHandler struct {
	c       Cache
	logger  *zap.Logger
	limiter Limiter
	mux     *chi.Mux
}

var _ http.Handler = (*HttpHandler)(nil)

type setReq struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	TTL   *int64 `json:"ttl,omitempty"` // seconds
}

type delReq struct {
	Key string `json:"key"`
}

type statusResp struct {
	Status string `json:"status"`
}

type valueResp struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type errorResp struct {
	Error string `json:"error"`
}

// NewHttpHandler returns the JSON API of c:
//
//	POST /set {"key": "k", "value": "v", "ttl": 60}
//	GET  /get?key=k
//	POST /del {"key": "k"}
func NewHttpHandler(c Cache, opts HttpHandlerOpts) *HttpHandler {
	h := &HttpHandler{c: c, logger: opts.Logger, limiter: opts.Limiter, mux: chi.NewRouter()}
	if h.logger == nil {
		h.logger = nopLogger
	}
	if h.limiter != nil {
		h.mux.Use(h.limit)
	}
	h.mux.Post("/set", h.handleSet)
	h.mux.Get("/get", h.handleGet)
	h.mux.Post("/del", h.handleDel)
	return h
}

func (h *HttpHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.mux.ServeHTTP(w, req)
}

func (h *HttpHandler) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var client netip.Addr
		if ap, err := netip.ParseAddrPort(req.RemoteAddr); err == nil {
			client = ap.Addr()
		}
		if !h.limiter.Allow(client) {
			h.writeErr(w, req, ErrRateLimited)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (h *HttpHandler) warnErr(req *http.Request, msg string, err error) {
	h.logger.Warn(msg, zap.String("from", req.RemoteAddr), zap.String("method", req.Method), zap.String("url", req.RequestURI), zap.Error(err))
}

func (h *HttpHandler) handleSet(w http.ResponseWriter, req *http.Request) {
	r := new(setReq)
	if err := decodeBody(w, req, r); err != nil {
		h.writeErr(w, req, err)
		return
	}
	if len(r.Key) == 0 {
		h.writeErr(w, req, malformed("empty key"))
		return
	}
	var ttl time.Duration
	if r.TTL != nil {
		if *r.TTL < 0 {
			h.writeErr(w, req, malformed("negative ttl"))
			return
		}
		if *r.TTL > maxTTLSeconds {
			h.writeErr(w, req, malformed(fmt.Sprintf("ttl is too large, max %d", maxTTLSeconds)))
			return
		}
		ttl = time.Duration(*r.TTL) * time.Second
	}

	if err := h.c.Set(req.Context(), r.Key, r.Value, ttl); err != nil {
		h.writeErr(w, req, err)
		return
	}
	h.writeJSON(w, req, http.StatusOK, statusResp{Status: "success"})
}

func (h *HttpHandler) handleGet(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Query().Get("key")
	if len(key) == 0 {
		h.writeErr(w, req, malformed("missing key parameter"))
		return
	}
	v, ok, err := h.c.Get(req.Context(), key)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	if !ok {
		h.writeJSON(w, req, http.StatusOK, errorResp{Error: RespKeyNotFound})
		return
	}
	h.writeJSON(w, req, http.StatusOK, valueResp{Key: key, Value: v})
}

func (h *HttpHandler) handleDel(w http.ResponseWriter, req *http.Request) {
	r := new(delReq)
	if err := decodeBody(w, req, r); err != nil {
		h.writeErr(w, req, err)
		return
	}
	if len(r.Key) == 0 {
		h.writeErr(w, req, malformed("empty key"))
		return
	}
	if err := h.c.Delete(req.Context(), r.Key); err != nil {
		h.writeErr(w, req, err)
		return
	}
	h.writeJSON(w, req, http.StatusOK, statusResp{Status: "success"})
}

// maxTTLSeconds is the largest ttl that fits in a time.Duration.
const maxTTLSeconds = int64(math.MaxInt64 / time.Second)

func decodeBody(w http.ResponseWriter, req *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json body, %v", ErrMalformedRequest, err)
	}
	return nil
}

func (h *HttpHandler) writeErr(w http.ResponseWriter, req *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrMalformedRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, persist.ErrBackendUnavailable), errors.Is(err, persist.ErrBackendWriteFailed):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.warnErr(req, "request failed", err)
	}
	h.writeJSON(w, req, status, errorResp{Error: err.Error()})
}

func (h *HttpHandler) writeJSON(w http.ResponseWriter, req *http.Request, status int, v any) {
	b := respBufPool.Get()
	defer respBufPool.Release(b)
	if err := json.NewEncoder(b).Encode(v); err != nil {
		h.warnErr(req, "failed to encode json", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b.Bytes()); err != nil {
		h.warnErr(req, "failed to write response", err)
	}
}
