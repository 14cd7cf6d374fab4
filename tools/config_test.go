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

package tools

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/IrineSistiana/tiercache/coremain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestGenAndCheckCfg(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "config.yaml")
	require.NoError(t, genCfg(f))
	assert.Error(t, genCfg(f), "gen should not overwrite an existing file")

	b := new(bytes.Buffer)
	require.NoError(t, checkCfg(f, b))

	cfg := new(coremain.Config)
	require.NoError(t, yaml.Unmarshal(b.Bytes(), cfg))
	assert.Equal(t, "none", cfg.Persist.Backend)
	assert.Equal(t, "127.0.0.1:6060", cfg.Server.HTTP.Listen)
	assert.Equal(t, 4096, cfg.WriteBehind.QueueSize)

	out := filepath.Join(dir, "config.json")
	require.NoError(t, convCfg(f, out))
	_, err := os.Stat(out)
	assert.NoError(t, err)
}

func TestCheckCfg_Invalid(t *testing.T) {
	f := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("persist:\n  backend: bolt\n"), 0644))
	assert.ErrorContains(t, checkCfg(f, new(bytes.Buffer)), "persist.addr")
}
