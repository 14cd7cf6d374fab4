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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/IrineSistiana/tiercache/mlog"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// initialized by "service" sub command
	svc    service.Service
	svcCfg = &service.Config{
		Name:        "tiercache",
		DisplayName: "tiercache",
		Description: "A tiered key-value cache",
	}
)

// serverService runs one TierCache under the service manager.
type serverService struct {
	f  *serverFlags
	tc *TierCache
}

func (ss *serverService) Start(_ service.Service) error {
	mlog.L().Info("starting service", zap.String("platform", service.Platform()))
	tc, err := NewServer(ss.f)
	if err != nil {
		return err
	}
	ss.tc = tc
	go ss.exitOnFailure()
	return nil
}

// exitOnFailure exits the process if tc stops by itself with an error,
// so the service manager can restart it. A Stop sends a nil error.
func (ss *serverService) exitOnFailure() {
	sc := ss.tc.GetSafeClose()
	<-sc.ReceiveCloseSignal()
	if err := sc.Err(); err != nil {
		_ = ss.tc.Shutdown()
		ss.tc.Logger().Fatal("tiercache failed", zap.Error(err))
	}
}

func (ss *serverService) Stop(_ service.Service) error {
	if ss.tc == nil {
		return nil
	}
	ss.tc.Logger().Info("service is shutting down")
	return ss.tc.Shutdown()
}

// runService runs tiercache under the system service manager.
// It blocks until the service is stopped.
func runService(sf *serverFlags) error {
	s, err := service.New(&serverService{f: sf}, svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	return s.Run()
}

// initService will init svc for sub command "service"
func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

// installArgs returns the arguments that the service manager starts
// tiercache with. An empty dir means the dir of the executable.
func installArgs(dir, config string) ([]string, error) {
	if len(dir) == 0 {
		ep, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("cannot solve current executable path, %w", err)
		}
		dir = filepath.Dir(ep)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot solve absolute working dir path, %w", err)
	}
	args := []string{"start", "--as-service", "-d", absDir}
	if len(config) > 0 {
		args = append(args, "-c", config)
	}
	return args, nil
}

func statusString(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func newSvcCmds() []*cobra.Command {
	install := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install tiercache as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			config, _ := cmd.Flags().GetString("config")
			a, err := installArgs(dir, config)
			if err != nil {
				return err
			}
			mlog.L().Info("installing service", zap.Strings("args", a))
			svcCfg.Arguments = a
			return svc.Install()
		},
	}
	install.Flags().StringP("dir", "d", "", "working dir")
	install.Flags().StringP("config", "c", "", "config path")

	start := &cobra.Command{
		Use:   "start",
		Short: "Start tiercache system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.Start(); err != nil {
				return err
			}
			time.Sleep(time.Second)
			s, err := svc.Status()
			if err != nil {
				mlog.L().Warn("cannot get service status", zap.Error(err))
				return nil
			}
			if s == service.StatusStopped {
				return fmt.Errorf("service stopped right after start, check the system service log")
			}
			mlog.L().Info("service started", zap.String("status", statusString(s)))
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Status of tiercache system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusString(s))
			return nil
		},
	}

	cmds := []*cobra.Command{install, start, status}
	for _, action := range []string{"uninstall", "stop", "restart"} {
		action := action
		cmds = append(cmds, &cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("Control action %q of tiercache system service.", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				return service.Control(svc, action)
			},
		})
	}
	for _, c := range cmds {
		c.Args = cobra.NoArgs
		c.DisableFlagsInUseLine = true
		c.SilenceUsage = true
	}
	return cmds
}
