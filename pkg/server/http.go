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
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

const defaultHttpIdleTimeout = time.Second * 30

// NewHttpServer returns a *http.Server for h with HTTP/2 configured.
func NewHttpServer(h http.Handler, idleTimeout time.Duration) (*http.Server, error) {
	if idleTimeout <= 0 {
		idleTimeout = defaultHttpIdleTimeout
	}
	hs := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: time.Second * 5,
		ReadTimeout:       time.Second * 10,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    4096,
	}
	if err := http2.ConfigureServer(hs, &http2.Server{
		IdleTimeout:                  idleTimeout,
		MaxUploadBufferPerConnection: 1 << 21,
		MaxUploadBufferPerStream:     1 << 21,
	}); err != nil {
		return nil, fmt.Errorf("failed to setup http2 server, %w", err)
	}
	return hs, nil
}
