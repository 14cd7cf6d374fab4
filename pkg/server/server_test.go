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
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/IrineSistiana/tiercache/pkg/persist"
	"github.com/IrineSistiana/tiercache/pkg/rate_limiter"
	"github.com/IrineSistiana/tiercache/pkg/tiered"
	"github.com/IrineSistiana/tiercache/pkg/write_policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getListener(tb testing.TB) net.Listener {
	l, err := Listen(context.Background(), "127.0.0.1:0", ListenerSocketOpts{SO_REUSEPORT: true})
	if err != nil {
		tb.Fatal(err)
	}
	return l
}

// newWriteThroughCache returns a cache whose persistent tier is p.
func newWriteThroughCache(t *testing.T, p persist.Persister) *tiered.Cache {
	c, err := tiered.New(tiered.Opts{
		Persister: p,
		Policy:    write_policy.NewWriteThrough(p, write_policy.Opts{Timeout: time.Millisecond * 100}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func startLineServer(t *testing.T, opts ServerOpts) (*Server, string) {
	t.Helper()
	l := getListener(t)
	s := NewServer(opts)
	errC := make(chan error, 1)
	go func() { errC <- s.ServeLine(l) }()
	t.Cleanup(func() {
		s.Close()
		assert.ErrorIs(t, <-errC, ErrServerClosed)
	})
	return s, l.Addr().String()
}

type lineClient struct {
	t *testing.T
	c net.Conn
	r *bufio.Reader
}

func dialLine(t *testing.T, addr string) *lineClient {
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &lineClient{t: t, c: c, r: bufio.NewReader(c)}
}

func (lc *lineClient) do(line string) string {
	lc.t.Helper()
	_, err := lc.c.Write([]byte(line + "\n"))
	require.NoError(lc.t, err)
	lc.c.SetReadDeadline(time.Now().Add(time.Second * 2))
	resp, err := lc.r.ReadString('\n')
	require.NoError(lc.t, err)
	return strings.TrimSuffix(resp, "\n")
}

func TestServer_ServeLine(t *testing.T) {
	c := newWriteThroughCache(t, persist.NewDummyPersister())
	_, addr := startLineServer(t, ServerOpts{Cache: c})
	lc := dialLine(t, addr)

	tests := []struct {
		req        string
		want       string
		wantPrefix bool
	}{
		{"SET foo bar baz", RespOK, false},
		{"GET foo", "bar baz", false},
		{"get foo", "bar baz", false},
		{"GET nop", RespKeyNotFound, false},
		{"SET foo", RespErrPrefix, true},
		{"GET", RespErrPrefix, true},
		{"GET a b", RespErrPrefix, true},
		{"PING", RespErrPrefix, true},
		{"", RespErrPrefix, true},
		{"SET k \xff\xfe", RespInvalidUTF8, false},
		{"GET foo\r", "bar baz", false},
		{"DEL foo", RespOK, false},
		{"GET foo", RespKeyNotFound, false},
		{"DEL foo", RespOK, false},
		{"SET sp v  ", RespOK, false},
		{"GET sp", "v  ", false},
	}
	for _, tt := range tests {
		got := lc.do(tt.req)
		if tt.wantPrefix {
			assert.True(t, strings.HasPrefix(got, tt.want), "req %q: got %q", tt.req, got)
		} else {
			assert.Equal(t, tt.want, got, "req %q", tt.req)
		}
	}
}

func TestServer_ServeLine_backendFailure(t *testing.T) {
	p := persist.NewDummyPersister()
	p.SetErr(errors.New("rejected"))
	c := newWriteThroughCache(t, p)
	_, addr := startLineServer(t, ServerOpts{Cache: c})
	lc := dialLine(t, addr)

	assert.True(t, strings.HasPrefix(lc.do("SET k v"), RespErrPrefix))
	assert.Equal(t, RespKeyNotFound, lc.do("GET k"), "connection must stay usable")
}

func TestServer_ServeLine_connLimits(t *testing.T) {
	c := newWriteThroughCache(t, persist.NewDummyPersister())
	_, addr := startLineServer(t, ServerOpts{Cache: c, IdleTimeout: time.Millisecond * 200})

	// too long
	lc := dialLine(t, addr)
	go lc.c.Write([]byte(strings.Repeat("a", MaxLineLen+16) + "\n"))
	lc.c.SetReadDeadline(time.Now().Add(time.Second * 2))
	_, err := lc.r.ReadString('\n')
	assert.Error(t, err, "connection should be closed")

	// idle
	lc = dialLine(t, addr)
	assert.Equal(t, RespOK, lc.do("SET k v"))
	lc.c.SetReadDeadline(time.Now().Add(time.Second * 2))
	_, err = lc.r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_ServeLine_proxyProtocol(t *testing.T) {
	c := newWriteThroughCache(t, persist.NewDummyPersister())
	_, addr := startLineServer(t, ServerOpts{Cache: c, ProxyProtocol: true})
	lc := dialLine(t, addr)

	_, err := lc.c.Write([]byte("PROXY TCP4 192.0.2.1 127.0.0.1 5555 6379\r\n"))
	require.NoError(t, err)
	assert.Equal(t, RespOK, lc.do("SET k v"))
	assert.Equal(t, "v", lc.do("GET k"))
}

func TestServer_Close(t *testing.T) {
	c := newWriteThroughCache(t, persist.NewDummyPersister())
	l := getListener(t)
	s := NewServer(ServerOpts{Cache: c})
	errC := make(chan error, 1)
	go func() { errC <- s.ServeLine(l) }()

	lc := dialLine(t, l.Addr().String())
	assert.Equal(t, RespOK, lc.do("SET k v"))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, <-errC, ErrServerClosed)
	lc.c.SetReadDeadline(time.Now().Add(time.Second))
	_, err := lc.r.ReadString('\n')
	assert.Error(t, err)

	assert.ErrorIs(t, s.ServeLine(getListener(t)), ErrServerClosed)
	assert.NoError(t, s.Close())
}

func TestHttpHandler(t *testing.T) {
	p := persist.NewDummyPersister()
	h := NewHttpHandler(newWriteThroughCache(t, p), HttpHandlerOpts{})

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"set", http.MethodPost, "/set", `{"key":"foo","value":"bar","ttl":60}`, 200, `{"status":"success"}`},
		{"set no ttl", http.MethodPost, "/set", `{"key":"baz","value":"qux"}`, 200, `{"status":"success"}`},
		{"get", http.MethodGet, "/get?key=foo", "", 200, `{"key":"foo","value":"bar"}`},
		{"get miss", http.MethodGet, "/get?key=nop", "", 200, `{"error":"Key not found"}`},
		{"get no key", http.MethodGet, "/get", "", 400, ""},
		{"set bad json", http.MethodPost, "/set", `{"key":`, 400, ""},
		{"set empty key", http.MethodPost, "/set", `{"value":"v"}`, 400, ""},
		{"set negative ttl", http.MethodPost, "/set", `{"key":"k","value":"v","ttl":-1}`, 400, ""},
		{"set overflowing ttl", http.MethodPost, "/set", `{"key":"k","value":"v","ttl":18446744074}`, 400, ""},
		{"set max ttl", http.MethodPost, "/set", `{"key":"max","value":"v","ttl":9223372036}`, 200, `{"status":"success"}`},
		{"get max ttl", http.MethodGet, "/get?key=max", "", 200, `{"key":"max","value":"v"}`},
		{"get rejected ttl", http.MethodGet, "/get?key=k", "", 200, `{"error":"Key not found"}`},
		{"set wrong type", http.MethodPost, "/set", `{"key":"k","value":1}`, 400, ""},
		{"del", http.MethodPost, "/del", `{"key":"baz"}`, 200, `{"status":"success"}`},
		{"get deleted", http.MethodGet, "/get?key=baz", "", 200, `{"error":"Key not found"}`},
		{"wrong method", http.MethodGet, "/set", "", 405, ""},
		{"not found", http.MethodGet, "/nop", "", 404, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
			if len(tt.wantBody) > 0 {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
			if tt.wantStatus == 400 {
				assert.Contains(t, w.Body.String(), `"error"`)
			}
		})
	}

	r, ok := p.Peek("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", r.Value)
}

func TestHttpHandler_backendFailure(t *testing.T) {
	p := persist.NewDummyPersister()
	p.SetErr(errors.New("rejected"))
	h := NewHttpHandler(newWriteThroughCache(t, p), HttpHandlerOpts{})

	req := httptest.NewRequest(http.MethodPost, "/set", strings.NewReader(`{"key":"foo","value":"bar"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"error"`)

	req = httptest.NewRequest(http.MethodGet, "/get?key=foo", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.JSONEq(t, `{"error":"Key not found"}`, w.Body.String())
}

func TestNewHttpServer(t *testing.T) {
	c := newWriteThroughCache(t, persist.NewDummyPersister())
	hs, err := NewHttpServer(NewHttpHandler(c, HttpHandlerOpts{}), 0)
	require.NoError(t, err)
	l := getListener(t)
	go hs.Serve(l)
	defer hs.Close()

	url := "http://" + l.Addr().String()
	resp, err := http.Post(url+"/set", "application/json", strings.NewReader(`{"key":"k","value":"v"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(url + "/get?key=k")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"k","value":"v"}`, string(b))
}

func TestServer_rateLimit(t *testing.T) {
	c := newWriteThroughCache(t, persist.NewDummyPersister())
	lim := rate_limiter.NewRateLimiter(rate_limiter.Opts{QPS: 0.01, Burst: 2})
	defer lim.Close()

	_, addr := startLineServer(t, ServerOpts{Cache: c, Limiter: lim})
	lc := dialLine(t, addr)
	assert.Equal(t, RespOK, lc.do("SET k v"))
	assert.Equal(t, "v", lc.do("GET k"))
	assert.Equal(t, RespErrPrefix+ErrRateLimited.Error(), lc.do("GET k"))

	h := NewHttpHandler(c, HttpHandlerOpts{Limiter: lim})
	// Same client addr as the line connection.
	req := httptest.NewRequest(http.MethodGet, "/get?key=k", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/get?key=k", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
