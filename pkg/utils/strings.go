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

package utils

import (
	"strings"
)

// SplitString2 split s to two parts by given symbol
func SplitString2(s, symbol string) (s1 string, s2 string, ok bool) {
	if len(symbol) == 0 {
		return "", s, true
	}
	if i := strings.Index(s, symbol); i >= 0 {
		return s[:i], s[i+len(symbol):], true
	}
	return "", "", false
}

// SplitLineArgs splits a protocol line into the command and at most two
// arguments. The second argument takes the rest of the line, so it keeps
// its inner and trailing spaces. A trailing '\r' is removed. Spaces
// before a token are skipped.
func SplitLineArgs(line string) (cmd string, args []string) {
	line = strings.TrimLeft(strings.TrimSuffix(line, "\r"), " ")
	if len(line) == 0 {
		return "", nil
	}
	cmd, rest, ok := SplitString2(line, " ")
	if !ok {
		return line, nil
	}
	rest = strings.TrimLeft(rest, " ")
	if len(rest) == 0 {
		return cmd, nil
	}
	k, v, ok := SplitString2(rest, " ")
	if !ok {
		return cmd, []string{rest}
	}
	v = strings.TrimLeft(v, " ")
	if len(v) == 0 {
		return cmd, []string{k}
	}
	return cmd, []string{k, v}
}
