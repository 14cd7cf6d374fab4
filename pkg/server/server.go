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
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrServerClosed = errors.New("server closed")

	nopLogger = zap.NewNop()
)

const defaultLineIdleTimeout = time.Second * 60

type ServerOpts struct {
	// Cache is required.
	Cache Cache

	// IdleTimeout limits the maximum time period that a connection
	// can idle. Default is 60s.
	IdleTimeout time.Duration

	// ProxyProtocol makes ServeLine read a PROXY protocol header
	// from every connection.
	ProxyProtocol bool

	// Limiter optionally limits the request rate of each client.
	Limiter Limiter

	// Logger optionally specifies logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger
}

func (opts *ServerOpts) init() {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultLineIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Server is a line protocol server.
// ServeLine will block and close the net.Listener and always return
// a non-nil error. If Server was closed, the returned err will be
// ErrServerClosed.
type Server struct {
	opts ServerOpts

	m             sync.Mutex
	closed        bool
	closerTracker map[*io.Closer]struct{}
	wg            sync.WaitGroup
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	return &Server{opts: opts}
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// trackCloser adds or removes c to the Server and return true if Server is not closed.
// We use a pointer in case the underlying value is incomparable.
func (s *Server) trackCloser(c *io.Closer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closerTracker == nil {
		s.closerTracker = make(map[*io.Closer]struct{})
	}

	if add {
		if s.closed {
			return false
		}
		s.closerTracker[c] = struct{}{}
	} else {
		delete(s.closerTracker, c)
	}
	return true
}

// trackConn is trackCloser for connections. Close waits for tracked
// connections to be untracked.
func (s *Server) trackConn(c *io.Closer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()
	if add {
		if s.closed {
			return false
		}
		if s.closerTracker == nil {
			s.closerTracker = make(map[*io.Closer]struct{})
		}
		s.closerTracker[c] = struct{}{}
		s.wg.Add(1)
	} else {
		delete(s.closerTracker, c)
		s.wg.Done()
	}
	return true
}

// Close closes the Server, all its listeners and connections, and
// waits for running requests to finish.
func (s *Server) Close() error {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return nil
	}
	s.closed = true
	for closer := range s.closerTracker {
		(*closer).Close()
	}
	s.m.Unlock()

	s.wg.Wait()
	return nil
}
