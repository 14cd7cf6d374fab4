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
	"fmt"
	"io"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/IrineSistiana/tiercache/pkg/utils"
	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"
)

const (
	// MaxLineLen is the longest request line accepted. Longer lines
	// close the connection.
	MaxLineLen = 1 << 20

	proxyHeaderTimeout = time.Second * 5
)

// Line protocol responses.
const (
	RespOK          = "OK"
	RespKeyNotFound = "Key not found"
	RespErrPrefix   = "ERROR: "
	RespInvalidUTF8 = RespErrPrefix + "invalid utf-8"
)

var errMissingCache = errors.New("missing cache")

// ServeLine serves the line protocol on l. Each request is one line,
// GET <key>, SET <key> <value> or DEL <key>, and each response is
// one line.
func (s *Server) ServeLine(l net.Listener) error {
	defer l.Close()

	if s.opts.Cache == nil {
		return errMissingCache
	}
	if s.opts.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l, ReadHeaderTimeout: proxyHeaderTimeout}
	}

	closer := io.Closer(l)
	if ok := s.trackCloser(&closer, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(&closer, false)

	for {
		c, err := l.Accept()
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			return fmt.Errorf("unexpected listener err: %w", err)
		}
		go s.handleLineConn(c)
	}
}

func (s *Server) handleLineConn(c net.Conn) {
	defer c.Close()

	closer := io.Closer(c)
	if !s.trackConn(&closer, true) {
		return
	}
	defer s.trackConn(&closer, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := s.opts.Logger
	client := utils.GetAddrFromAddr(c.RemoteAddr())
	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 0, 4096), MaxLineLen)
	w := bufio.NewWriter(c)
	for {
		c.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		if !sc.Scan() {
			if err := sc.Err(); err != nil && !s.Closed() {
				logger.Debug("connection closed", zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
			}
			return
		}

		var resp string
		if l := s.opts.Limiter; l != nil && !l.Allow(client) {
			resp = errResp(ErrRateLimited)
		} else {
			resp = s.handleLine(ctx, sc.Text())
		}
		w.WriteString(resp)
		w.WriteByte('\n')
		if err := w.Flush(); err != nil {
			logger.Warn("failed to write response", zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
			return
		}
	}
}

// handleLine returns the response of one request line, without
// the line break.
func (s *Server) handleLine(ctx context.Context, line string) string {
	if !utf8.ValidString(line) {
		return RespInvalidUTF8
	}

	cmd, args := utils.SplitLineArgs(line)
	switch strings.ToUpper(cmd) {
	case "GET":
		if len(args) != 1 {
			return errResp(malformed("usage: GET <key>"))
		}
		v, ok, err := s.opts.Cache.Get(ctx, args[0])
		if err != nil {
			return errResp(err)
		}
		if !ok {
			return RespKeyNotFound
		}
		return v
	case "SET":
		if len(args) != 2 {
			return errResp(malformed("usage: SET <key> <value>"))
		}
		if err := s.opts.Cache.Set(ctx, args[0], args[1], 0); err != nil {
			s.opts.Logger.Warn("set failed", zap.String("key", args[0]), zap.Error(err))
			return errResp(err)
		}
		return RespOK
	case "DEL":
		if len(args) != 1 {
			return errResp(malformed("usage: DEL <key>"))
		}
		if err := s.opts.Cache.Delete(ctx, args[0]); err != nil {
			s.opts.Logger.Warn("delete failed", zap.String("key", args[0]), zap.Error(err))
			return errResp(err)
		}
		return RespOK
	case "":
		return errResp(malformed("empty request"))
	default:
		return errResp(malformed(fmt.Sprintf("unknown command %q", cmd)))
	}
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedRequest, reason)
}

func errResp(err error) string {
	// Keep the response on one line.
	return RespErrPrefix + strings.ReplaceAll(err.Error(), "\n", " ")
}
