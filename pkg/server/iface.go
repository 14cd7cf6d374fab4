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
	"errors"
	"net/netip"
	"time"
)

// Cache is the engine that servers decode requests into.
type Cache interface {
	Get(ctx context.Context, key string) (v string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

var (
	// ErrMalformedRequest is the error kind of unparseable requests.
	ErrMalformedRequest = errors.New("malformed request")

	ErrRateLimited = errors.New("rate limited")
)

// Limiter limits requests per client. An invalid addr means the client
// address is unknown.
type Limiter interface {
	Allow(client netip.Addr) bool
}
