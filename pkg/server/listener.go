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
	"context"
	"net"
	"strings"
	"syscall"
)

type ControlFunc func(network, address string, c syscall.RawConn) error

type ListenerSocketOpts struct {
	SO_REUSEPORT bool
	SO_RCVBUF    int
	SO_SNDBUF    int
}

// Listen listens on addr. An addr starting with "@" is a unix socket.
func Listen(ctx context.Context, addr string, opts ListenerSocketOpts) (net.Listener, error) {
	network := "tcp"
	if strings.HasPrefix(addr, "@") {
		network = "unix"
	}
	lc := net.ListenConfig{Control: ListenerControl(opts)}
	return lc.Listen(ctx, network, addr)
}
