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

package safe_close

import (
	"fmt"
	"io"
	"sync"

	"github.com/IrineSistiana/tiercache/pkg/utils"
)

// SafeClose coordinates the shutdown of a service.
//
//  1. Long-running goroutines are started by Attach and must return
//     after the close signal.
//  2. Resources are registered by AttachCloser. They are closed in the
//     reverse order of registration, after all attached goroutines
//     returned.
//  3. Any goroutine may call SendCloseSignal, e.g. when a server exits
//     with an error. Only the first error is kept.
//  4. CloseWait sends the signal, waits and runs the closers. It must
//     not be called from an attached goroutine.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	closeErr    error

	closers    []namedCloser
	closeOnce  sync.Once
	closersErr error
}

type namedCloser struct {
	name string
	c    io.Closer
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
	}
}

// SendCloseSignal sends a close signal. err may be nil.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()
	select {
	case <-s.closeSignal:
	default:
		s.closeErr = err
		close(s.closeSignal)
	}
}

// Err returns the error of the first SendCloseSignal.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Attach runs f in a new goroutine. CloseWait waits for f to return.
// If s was closed, f will not run.
func (s *SafeClose) Attach(f func(closeSignal <-chan struct{})) {
	s.m.Lock()
	defer s.m.Unlock()
	select {
	case <-s.closeSignal:
	default:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			f(s.closeSignal)
		}()
	}
}

// AttachCloser registers c to be closed by CloseWait.
// If s was closed, c is closed immediately.
func (s *SafeClose) AttachCloser(name string, c io.Closer) {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		c.Close()
		return
	default:
	}
	s.closers = append(s.closers, namedCloser{name: name, c: c})
	s.m.Unlock()
}

// CloseWait sends a close signal, waits for attached goroutines and
// closes the registered closers. It is concurrent safe and can be
// called multiple times. It returns the joint errors of the closers.
func (s *SafeClose) CloseWait() error {
	s.SendCloseSignal(nil)
	s.wg.Wait()

	s.closeOnce.Do(func() {
		s.m.Lock()
		closers := s.closers
		s.closers = nil
		s.m.Unlock()

		var errs utils.Errors
		for i := len(closers) - 1; i >= 0; i-- {
			nc := closers[i]
			if err := nc.c.Close(); err != nil {
				errs.Append(fmt.Errorf("failed to close %s, %w", nc.name, err))
			}
		}
		s.closersErr = errs.Build()
	})
	return s.closersErr
}
