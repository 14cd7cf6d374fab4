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

package tiered

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/IrineSistiana/tiercache/pkg/entry_store"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

// A dump is a gzip stream of blocks. Each block is a uvarint length
// followed by a protobuf encoded message:
//
//	message Block { repeated Entry entries = 1; }
//	message Entry {
//	  string key = 1;
//	  string value = 2;
//	  int64 stored_at = 3;  // unix nano
//	  int64 expires_at = 4; // unix nano, 0 means never
//	}
const (
	dumpBlockSize   = 128
	maxDumpBlockLen = 64 << 20

	fieldBlockEntry = 1

	fieldEntryKey       = 1
	fieldEntryValue     = 2
	fieldEntryStoredAt  = 3
	fieldEntryExpiresAt = 4
)

type dumpEntry struct {
	key string
	e   entry_store.Entry
}

// WriteDump writes all entries that are not expired to w.
// The memory tier is copied out shard by shard, a slow w never blocks
// writers. It returns the number of written entries.
func (c *Cache) WriteDump(w io.Writer) (int, error) {
	gw := gzip.NewWriter(w)
	now := time.Now()

	en := 0
	block := make([]dumpEntry, 0, dumpBlockSize)
	var b []byte
	var werr error
	writeBlock := func() {
		b = appendBlock(b[:0], block)
		b2 := binary.AppendUvarint(nil, uint64(len(b)))
		if _, err := gw.Write(b2); err != nil {
			werr = err
			return
		}
		if _, err := gw.Write(b); err != nil {
			werr = err
			return
		}
		en += len(block)
		block = block[:0]
	}

	c.store.Range(func(key string, e entry_store.Entry) bool {
		if e.Expired(now) {
			return true
		}
		block = append(block, dumpEntry{key: key, e: e})
		if len(block) >= dumpBlockSize {
			writeBlock()
		}
		return werr == nil
	})
	if werr == nil && len(block) > 0 {
		writeBlock()
	}
	if werr != nil {
		return en, fmt.Errorf("failed to write dump, %w", werr)
	}
	if err := gw.Close(); err != nil {
		return en, fmt.Errorf("failed to close gzip writer, %w", err)
	}
	return en, nil
}

// ReadDump loads entries from r, which was written by WriteDump.
// Entries that are already expired are skipped. Loaded entries
// overwrite the memory tier only. They are not propagated.
// It returns the number of loaded entries.
func (c *Cache) ReadDump(r io.Reader) (int, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read gzip header, %w", err)
	}
	br := bufio.NewReader(gr)
	now := time.Now()

	en := 0
	var b []byte
	for {
		l, err := binary.ReadUvarint(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return en, fmt.Errorf("failed to read block length, %w", err)
		}
		if l > maxDumpBlockLen {
			return en, fmt.Errorf("block is too large, %d", l)
		}
		if uint64(cap(b)) < l {
			b = make([]byte, l)
		}
		b = b[:l]
		if _, err := io.ReadFull(br, b); err != nil {
			return en, fmt.Errorf("failed to read block, %w", err)
		}
		entries, err := parseBlock(b)
		if err != nil {
			return en, fmt.Errorf("invalid block, %w", err)
		}
		for _, de := range entries {
			if de.e.Expired(now) {
				continue
			}
			c.store.Set(de.key, de.e)
			en++
		}
	}
	// Close validates the gzip checksum.
	if err := gr.Close(); err != nil {
		return en, err
	}
	return en, nil
}

// DumpToFile writes a dump to path. The file is replaced atomically.
func (c *Cache) DumpToFile(path string) (int, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	en, err := c.WriteDump(f)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return en, os.Rename(tmp, path)
}

// LoadDumpFile loads the dump at path. A missing file is not an error.
func (c *Cache) LoadDumpFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	return c.ReadDump(f)
}

// StartDumpLoop dumps the memory tier to path every interval until
// done is closed, then dumps a last time.
func (c *Cache) StartDumpLoop(path string, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	dump := func() {
		start := time.Now()
		en, err := c.DumpToFile(path)
		if err != nil {
			c.logger.Error("failed to dump cache", zap.String("file", path), zap.Error(err))
			return
		}
		c.logger.Info("cache dumped", zap.Int("entries", en), zap.Duration("elapsed", time.Since(start)))
	}
	for {
		select {
		case <-ticker.C:
			dump()
		case <-done:
			dump()
			return
		}
	}
}

func appendBlock(b []byte, entries []dumpEntry) []byte {
	for _, de := range entries {
		var eb []byte
		eb = protowire.AppendTag(eb, fieldEntryKey, protowire.BytesType)
		eb = protowire.AppendString(eb, de.key)
		eb = protowire.AppendTag(eb, fieldEntryValue, protowire.BytesType)
		eb = protowire.AppendString(eb, de.e.Value)
		eb = protowire.AppendTag(eb, fieldEntryStoredAt, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(unixNano(de.e.StoredAt)))
		eb = protowire.AppendTag(eb, fieldEntryExpiresAt, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(unixNano(de.e.ExpiresAt)))

		b = protowire.AppendTag(b, fieldBlockEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

func parseBlock(b []byte) ([]dumpEntry, error) {
	var entries []dumpEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldBlockEntry || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		eb, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		de, err := parseEntry(eb)
		if err != nil {
			return nil, err
		}
		entries = append(entries, de)
	}
	return entries, nil
}

func parseEntry(b []byte) (dumpEntry, error) {
	var de dumpEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return de, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldEntryKey && typ == protowire.BytesType:
			de.key, n = protowire.ConsumeString(b)
		case num == fieldEntryValue && typ == protowire.BytesType:
			de.e.Value, n = protowire.ConsumeString(b)
		case num == fieldEntryStoredAt && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			de.e.StoredAt = fromUnixNano(int64(v))
		case num == fieldEntryExpiresAt && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			de.e.ExpiresAt = fromUnixNano(int64(v))
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return de, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if len(de.key) == 0 {
		return de, errors.New("entry without key")
	}
	return de, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
