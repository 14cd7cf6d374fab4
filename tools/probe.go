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
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/IrineSistiana/tiercache/mlog"
	"github.com/IrineSistiana/tiercache/pkg/metrics"
	"github.com/IrineSistiana/tiercache/pkg/server"
	"github.com/IrineSistiana/tiercache/pkg/utils"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// DefaultLinePort is used when the probed addr has no port.
const DefaultLinePort = 6380

const probeTimeout = time.Second * 5

var errKeyNotFound = errors.New(server.RespKeyNotFound)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get server_addr[:port] key",
		Args:  cobra.ExactArgs(2),
		Short: "Get a value from the line server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(args[0], func(c *LineClient) error {
				v, err := c.Get(args[1])
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			})
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set server_addr[:port] key value",
		Args:  cobra.MinimumNArgs(3),
		Short: "Set a value via the line server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(args[0], func(c *LineClient) error {
				return c.Set(args[1], strings.Join(args[2:], " "))
			})
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
}

func newDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del server_addr[:port] key",
		Args:  cobra.ExactArgs(2),
		Short: "Delete a key via the line server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(args[0], func(c *LineClient) error {
				return c.Del(args[1])
			})
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
}

func newIdleTimeoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "idle-timeout server_addr[:port]",
		Args:  cobra.ExactArgs(1),
		Short: "Probe server's idle timeout.",
		Run: func(cmd *cobra.Command, args []string) {
			mlog.S().Info("testing server idle timeout, awaiting server closing the connection, this may take a while")
			d, err := ProbeIdleTimeout(args[0])
			if err != nil {
				mlog.S().Fatal(err)
			}
			mlog.S().Infof("connection closed by peer, it's idle timeout is %.2f sec", d.Seconds())
		},
		DisableFlagsInUseLine: true,
	}
}

func newBenchCmd() *cobra.Command {
	var (
		n, conc, size int
	)
	c := &cobra.Command{
		Use:   "bench [-n requests] [-c connections] [-s value_size] server_addr[:port]",
		Args:  cobra.ExactArgs(1),
		Short: "Benchmark SET and GET latency of the line server.",
		Run: func(cmd *cobra.Command, args []string) {
			start := time.Now()
			reg, err := Bench(context.Background(), args[0], n, conc, size)
			if err != nil {
				mlog.S().Fatal(err)
			}
			mlog.S().Infof("%d requests finished in %s", n*2, time.Since(start))
			if err := metrics.WriteJSON(os.Stdout, reg); err != nil {
				mlog.S().Fatal(err)
			}
		},
		DisableFlagsInUseLine: true,
	}
	c.Flags().IntVarP(&n, "requests", "n", 10000, "number of SET requests, each one is followed by a GET")
	c.Flags().IntVarP(&conc, "conns", "c", 8, "number of concurrent connections")
	c.Flags().IntVarP(&size, "size", "s", 64, "value size in bytes")
	return c
}

func runOnce(addr string, f func(c *LineClient) error) error {
	c, err := DialLine(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	return f(c)
}

// LineClient is a client of the line protocol. It is not concurrent safe.
type LineClient struct {
	c net.Conn
	r *bufio.Reader
}

// DialLine connects to the line server at addr. addr may have
// a "tcp://" scheme.
func DialLine(addr string) (*LineClient, error) {
	protocol, host := utils.SplitSchemeAndHost(addr)
	if len(host) == 0 || (len(protocol) > 0 && protocol != "tcp") {
		return nil, fmt.Errorf("invalid addr %s", addr)
	}
	c, err := net.DialTimeout("tcp", utils.TryAddPort(host, DefaultLinePort), probeTimeout)
	if err != nil {
		return nil, err
	}
	return &LineClient{c: c, r: bufio.NewReader(c)}, nil
}

// Do sends one request line and returns the response line.
func (lc *LineClient) Do(line string) (string, error) {
	lc.c.SetDeadline(time.Now().Add(probeTimeout))
	if _, err := lc.c.Write([]byte(line + "\n")); err != nil {
		return "", fmt.Errorf("failed to write request: %w", err)
	}
	resp, err := lc.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return strings.TrimSuffix(resp, "\n"), nil
}

// Get returns errKeyNotFound if key is absent.
func (lc *LineClient) Get(key string) (string, error) {
	resp, err := lc.Do("GET " + key)
	if err != nil {
		return "", err
	}
	switch {
	case resp == server.RespKeyNotFound:
		return "", errKeyNotFound
	case strings.HasPrefix(resp, server.RespErrPrefix):
		return "", errors.New(resp)
	}
	return resp, nil
}

func (lc *LineClient) Set(key, value string) error {
	return lc.expectOK("SET " + key + " " + value)
}

func (lc *LineClient) Del(key string) error {
	return lc.expectOK("DEL " + key)
}

func (lc *LineClient) expectOK(line string) error {
	resp, err := lc.Do(line)
	if err != nil {
		return err
	}
	if resp != server.RespOK {
		return errors.New(resp)
	}
	return nil
}

func (lc *LineClient) Close() error {
	return lc.c.Close()
}

// ProbeIdleTimeout sends one request and waits until the server closes
// the connection.
func ProbeIdleTimeout(addr string) (time.Duration, error) {
	c, err := DialLine(addr)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	if _, err := c.Do("GET tiercache-probe"); err != nil {
		return 0, err
	}
	start := time.Now()
	c.c.SetDeadline(time.Time{})
	b := make([]byte, 64)
	for {
		if _, err := c.c.Read(b); err != nil {
			break
		}
	}
	return time.Since(start), nil
}

// Bench sends n SET requests over conc connections, each followed by a GET
// of the same key. Latencies are recorded in the "set" and "get" histograms.
func Bench(ctx context.Context, addr string, n, conc, valueSize int) (*metrics.Registry, error) {
	if n <= 0 || conc <= 0 {
		return nil, fmt.Errorf("invalid requests %d or connections %d", n, conc)
	}
	if conc > n {
		conc = n
	}
	if valueSize <= 0 {
		valueSize = 1
	}
	reg := metrics.NewRegistry()
	setH := metrics.NewHistogram(n)
	getH := metrics.NewHistogram(n)
	reg.Set("set", setH)
	reg.Set("get", getH)

	value := strings.Repeat("v", valueSize)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < conc; w++ {
		w := w
		g.Go(func() error {
			c, err := DialLine(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			for i := w; i < n; i += conc {
				if err := ctx.Err(); err != nil {
					return err
				}
				key := "bench:" + strconv.Itoa(i)
				start := time.Now()
				if err := c.Set(key, value); err != nil {
					return fmt.Errorf("set %s: %w", key, err)
				}
				setH.Observe(time.Since(start))

				start = time.Now()
				v, err := c.Get(key)
				if err != nil {
					return fmt.Errorf("get %s: %w", key, err)
				}
				getH.Observe(time.Since(start))
				if v != value {
					return fmt.Errorf("get %s: unexpected value", key)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reg, nil
}
