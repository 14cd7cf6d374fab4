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
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/IrineSistiana/tiercache/mlog"
	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix of environment variables that override
// config keys, e.g. TIERCACHE_PERSIST_BACKEND overrides persist.backend.
const EnvPrefix = "TIERCACHE"

var rootCmd = &cobra.Command{
	Use: "tiercache",
}

func init() {
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start tiercache main program.",
		RunE:  StartServer,

		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.PersistentFlags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	_ = fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:               "service",
		Short:             "Manage tiercache as a system service.",
		PersistentPreRunE: initService,
	}
	serviceCmd.AddCommand(newSvcCmds()...)
	rootCmd.AddCommand(serviceCmd)
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var sf = serverFlags{}

func StartServer(cmd *cobra.Command, args []string) error {
	if sf.asService {
		return runService(&sf)
	}

	tc, err := NewServer(&sf)
	if err != nil {
		return err
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigC:
		tc.Logger().Info("signal received", zap.Stringer("signal", sig))
	case <-tc.GetSafeClose().ReceiveCloseSignal():
	}
	return tc.Shutdown()
}

// NewServer applies flags, loads the config and starts a TierCache.
func NewServer(sf *serverFlags) (*TierCache, error) {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return nil, fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, v, err := LoadConfig(sf.c)
	if err != nil {
		return nil, err
	}
	if f := v.ConfigFileUsed(); len(f) > 0 {
		mlog.L().Info("config loaded", zap.String("file", f))
	}

	tc, err := NewTierCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start tiercache, %w", err)
	}
	if len(v.ConfigFileUsed()) > 0 {
		watchLogLevel(v, tc)
	}
	return tc, nil
}

// LoadConfig reads the config file at path, or ./config.* if path is
// empty, and applies environment overrides. A missing file is allowed
// only if path is empty.
func LoadConfig(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(path) > 0 {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(path) > 0 || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config file, %w", err)
		}
		mlog.L().Info("no config file found, using defaults and environment variables")
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config, %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config, %w", err)
	}
	return cfg, v, nil
}

func decoderOpt(cfg *mapstructure.DecoderConfig) {
	cfg.ErrorUnused = true
	cfg.TagName = "yaml"
	cfg.WeaklyTypedInput = true
}

// watchLogLevel reloads log.level when the config file changes.
// Other keys require a restart.
func watchLogLevel(v *viper.Viper, tc *TierCache) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		lvl := v.GetString("log.level")
		if err := tc.SetLogLevel(lvl); err != nil {
			tc.Logger().Warn("failed to reload log level", zap.String("file", e.Name), zap.Error(err))
			return
		}
		tc.Logger().Info("log level reloaded", zap.String("level", lvl))
	})
	v.WatchConfig()
}
