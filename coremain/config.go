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

package coremain

import (
	"errors"
	"fmt"

	"github.com/IrineSistiana/tiercache/mlog"
	"github.com/IrineSistiana/tiercache/pkg/persist"
	"github.com/IrineSistiana/tiercache/pkg/tiered"
	"github.com/IrineSistiana/tiercache/pkg/write_policy"
	"github.com/spf13/viper"
)

type Config struct {
	Log         mlog.LogConfig    `yaml:"log"`
	Cache       CacheConfig       `yaml:"cache"`
	Persist     PersistConfig     `yaml:"persist"`
	WriteBehind WriteBehindConfig `yaml:"write_behind"`
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
}

type CacheConfig struct {
	// WritePolicy is required if Persist.Backend is not "none".
	// "write_through" or "write_behind".
	WritePolicy     string `yaml:"write_policy"`
	DefaultTTL      int    `yaml:"default_ttl"`      // (sec) 0 means never expire.
	CleanerInterval int    `yaml:"cleaner_interval"` // (sec) 0 disables the cleaner.

	// ReadThrough is "off", "restore" or "default_ttl".
	ReadThrough    string `yaml:"read_through"`
	ReadThroughTTL int    `yaml:"read_through_ttl"` // (sec)

	DumpFile     string `yaml:"dump_file"`
	DumpInterval int    `yaml:"dump_interval"` // (sec)
}

type PersistConfig struct {
	// Backend is "none", "bolt", "redis" or "mongo".
	Backend string `yaml:"backend"`

	// Addr is the db file path for bolt, the url for redis and mongo.
	Addr       string `yaml:"addr"`
	Database   string `yaml:"database"`   // mongo only
	Collection string `yaml:"collection"` // mongo only
	Timeout    int    `yaml:"timeout"`    // (ms)
	Compress   bool   `yaml:"compress"`   // bolt and redis only
}

type WriteBehindConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

type ServerConfig struct {
	HTTP      HttpServerConfig `yaml:"http"`
	Line      LineServerConfig `yaml:"line"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
}

// RateLimitConfig limits requests per client ip, shared by both servers.
type RateLimitConfig struct {
	QPS   float64 `yaml:"qps"` // 0 disables the limit.
	Burst int     `yaml:"burst"`
}

type HttpServerConfig struct {
	Listen      string `yaml:"listen"`
	IdleTimeout int    `yaml:"idle_timeout"` // (sec)
}

type LineServerConfig struct {
	Listen        string `yaml:"listen"`
	IdleTimeout   int    `yaml:"idle_timeout"` // (sec)
	ProxyProtocol bool   `yaml:"proxy_protocol"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

// defaults has an entry for every config key, so that every key can
// also be set by an environment variable.
var defaults = map[string]any{
	"log.level":      "info",
	"log.file":       "",
	"log.production": false,

	"cache.write_policy":     "",
	"cache.default_ttl":      0,
	"cache.cleaner_interval": 0,
	"cache.read_through":     tiered.ReadThroughOff,
	"cache.read_through_ttl": 0,
	"cache.dump_file":        "",
	"cache.dump_interval":    600,

	"persist.backend":    persist.BackendNone,
	"persist.addr":       "",
	"persist.database":   "cache",
	"persist.collection": "data",
	"persist.timeout":    2000,
	"persist.compress":   false,

	"write_behind.queue_size": 4096,
	"write_behind.workers":    1,

	"server.http.listen":         "127.0.0.1:6060",
	"server.http.idle_timeout":   30,
	"server.line.listen":         "",
	"server.line.idle_timeout":   60,
	"server.line.proxy_protocol": false,
	"server.rate_limit.qps":      0,
	"server.rate_limit.burst":    0,

	"api.http": "",
}

func setDefaults(v *viper.Viper) {
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
}

// DefaultViper returns a viper that only has default values.
func DefaultViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// Validate checks values that cannot be fixed by a default.
func (c *Config) Validate() error {
	switch c.Persist.Backend {
	case persist.BackendNone:
	case persist.BackendBolt, persist.BackendRedis, persist.BackendMongo:
		if len(c.Persist.Addr) == 0 {
			return fmt.Errorf("persist.addr is required by backend %s", c.Persist.Backend)
		}
		switch c.Cache.WritePolicy {
		case write_policy.NameWriteThrough, write_policy.NameWriteBehind:
		case "":
			return fmt.Errorf("cache.write_policy is required by backend %s", c.Persist.Backend)
		default:
			return fmt.Errorf("invalid cache.write_policy %q", c.Cache.WritePolicy)
		}
	default:
		return fmt.Errorf("invalid persist.backend %q", c.Persist.Backend)
	}

	switch c.Cache.ReadThrough {
	case tiered.ReadThroughOff, tiered.ReadThroughRestore, tiered.ReadThroughDefaultTTL:
	default:
		return fmt.Errorf("invalid cache.read_through %q", c.Cache.ReadThrough)
	}

	for name, n := range map[string]int{
		"cache.default_ttl":        c.Cache.DefaultTTL,
		"cache.cleaner_interval":   c.Cache.CleanerInterval,
		"cache.read_through_ttl":   c.Cache.ReadThroughTTL,
		"persist.timeout":          c.Persist.Timeout,
		"write_behind.queue_size":  c.WriteBehind.QueueSize,
		"write_behind.workers":     c.WriteBehind.Workers,
		"server.http.idle_timeout": c.Server.HTTP.IdleTimeout,
		"server.line.idle_timeout": c.Server.Line.IdleTimeout,
		"server.rate_limit.burst":  c.Server.RateLimit.Burst,
	} {
		if n < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	if c.Server.RateLimit.QPS < 0 {
		return errors.New("server.rate_limit.qps cannot be negative")
	}
	if len(c.Cache.DumpFile) > 0 && c.Cache.DumpInterval <= 0 {
		return errors.New("cache.dump_interval must be positive")
	}

	if len(c.Server.HTTP.Listen) == 0 && len(c.Server.Line.Listen) == 0 {
		return errors.New("no server is configured")
	}
	return nil
}
