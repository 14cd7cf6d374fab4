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
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/IrineSistiana/tiercache/mlog"
	"github.com/IrineSistiana/tiercache/pkg/entry_store"
	"github.com/IrineSistiana/tiercache/pkg/persist"
	"github.com/IrineSistiana/tiercache/pkg/persist/bolt_store"
	"github.com/IrineSistiana/tiercache/pkg/persist/mongo_store"
	"github.com/IrineSistiana/tiercache/pkg/persist/redis_store"
	"github.com/IrineSistiana/tiercache/pkg/rate_limiter"
	"github.com/IrineSistiana/tiercache/pkg/safe_close"
	"github.com/IrineSistiana/tiercache/pkg/server"
	"github.com/IrineSistiana/tiercache/pkg/tiered"
	"github.com/IrineSistiana/tiercache/pkg/utils"
	"github.com/IrineSistiana/tiercache/pkg/write_policy"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type TierCache struct {
	logger *zap.Logger // non-nil logger.
	level  zap.AtomicLevel

	cache      *tiered.Cache
	apiMux     *chi.Mux
	metricsReg *prometheus.Registry
	sc         *safe_close.SafeClose

	lineAddr net.Addr
	httpAddr net.Addr
	apiAddr  net.Addr
}

// NewTierCache builds both tiers from cfg and starts the servers.
// cfg must be valid. If NewTierCache returns an error, everything
// that was started is closed.
func NewTierCache(cfg *Config) (*TierCache, error) {
	lg, level, err := mlog.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	t := &TierCache{
		logger:     lg,
		level:      level,
		apiMux:     chi.NewRouter(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	// This must be called after t.apiMux and t.metricsReg been set.
	t.initApiMux()

	if err := t.init(cfg); err != nil {
		t.sc.SendCloseSignal(err)
		if cerr := t.sc.CloseWait(); cerr != nil {
			lg.Error("failed to close", zap.Error(cerr))
		}
		return nil, err
	}
	lg.Info("tiercache started")
	return t, nil
}

func (t *TierCache) init(cfg *Config) error {
	reg := t.GetMetricsReg()

	p, err := newPersister(cfg.Persist, t.logger.Named("persist"))
	if err != nil {
		return fmt.Errorf("failed to init persistent tier, %w", err)
	}

	var policy write_policy.Policy
	if cfg.Persist.Backend == persist.BackendNone {
		policy = write_policy.MemoryOnly{}
	} else {
		policy, err = write_policy.New(cfg.Cache.WritePolicy, p, write_policy.Opts{
			Timeout:    time.Duration(cfg.Persist.Timeout) * time.Millisecond,
			QueueSize:  cfg.WriteBehind.QueueSize,
			Workers:    cfg.WriteBehind.Workers,
			Logger:     t.logger.Named(cfg.Cache.WritePolicy),
			MetricsReg: reg,
		})
		if err != nil {
			p.Close()
			return err
		}
	}

	storeLogger := t.logger.Named("store")
	store := entry_store.NewStore(entry_store.Opts{
		CleanerInterval: utils.Seconds(cfg.Cache.CleanerInterval),
		OnClean: func(removed int) {
			if removed > 0 {
				storeLogger.Debug("expired entries removed", zap.Int("removed", removed))
			}
		},
	})

	c, err := tiered.New(tiered.Opts{
		Store:          store,
		Persister:      p,
		Policy:         policy,
		ReadThrough:    cfg.Cache.ReadThrough,
		ReadThroughTTL: utils.Seconds(cfg.Cache.ReadThroughTTL),
		DefaultTTL:     utils.Seconds(cfg.Cache.DefaultTTL),
		ReadTimeout:    time.Duration(cfg.Persist.Timeout) * time.Millisecond,
		Logger:         t.logger.Named("cache"),
		MetricsReg:     reg,
	})
	if err != nil {
		policy.Close()
		p.Close()
		store.Close()
		return err
	}
	t.cache = c
	// Closed after all servers and the dump loop exited.
	t.sc.AttachCloser("cache", c)
	t.logger.Info("cache initialized",
		zap.String("backend", cfg.Persist.Backend),
		zap.String("write_policy", cfg.Cache.WritePolicy),
		zap.String("read_through", cfg.Cache.ReadThrough),
	)

	if f := cfg.Cache.DumpFile; len(f) > 0 {
		en, err := c.LoadDumpFile(f)
		if err != nil {
			t.logger.Warn("failed to load cache dump", zap.String("file", f), zap.Error(err))
		} else {
			t.logger.Info("cache dump loaded", zap.String("file", f), zap.Int("entries", en))
		}
		interval := utils.Seconds(cfg.Cache.DumpInterval)
		t.sc.Attach(func(closeSignal <-chan struct{}) {
			c.StartDumpLoop(f, interval, closeSignal)
		})
	}

	t.initCacheApi(cfg.Persist.Backend)

	if err := t.startServers(cfg); err != nil {
		return err
	}
	if addr := cfg.API.HTTP; len(addr) > 0 {
		l, err := server.Listen(context.Background(), addr, server.ListenerSocketOpts{})
		if err != nil {
			return fmt.Errorf("failed to start api server, %w", err)
		}
		t.apiAddr = l.Addr()
		t.serveHttp("api", &http.Server{Handler: t.apiMux, ReadHeaderTimeout: time.Second * 5}, l)
	}
	return nil
}

func newPersister(cfg PersistConfig, lg *zap.Logger) (persist.Persister, error) {
	timeout := time.Duration(cfg.Timeout) * time.Millisecond
	switch cfg.Backend {
	case persist.BackendNone:
		return persist.Disabled{}, nil
	case persist.BackendBolt:
		s, err := bolt_store.Open(bolt_store.Opts{Path: cfg.Addr, Compress: cfg.Compress, Logger: lg})
		if err != nil {
			return nil, err
		}
		return s, nil
	case persist.BackendRedis:
		s, err := redis_store.NewStoreFromURL(context.Background(), cfg.Addr, redis_store.Opts{
			ClientTimeout: timeout,
			Compress:      cfg.Compress,
			Logger:        lg,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case persist.BackendMongo:
		s, err := mongo_store.Open(context.Background(), mongo_store.Opts{
			URI:        cfg.Addr,
			Database:   cfg.Database,
			Collection: cfg.Collection,
			Logger:     lg,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func (t *TierCache) startServers(cfg *Config) error {
	socketOpt := server.ListenerSocketOpts{
		SO_REUSEPORT: true,
		SO_RCVBUF:    64 * 1024,
	}

	var limiter server.Limiter
	if rl := cfg.Server.RateLimit; rl.QPS > 0 {
		l := rate_limiter.NewRateLimiter(rate_limiter.Opts{QPS: rl.QPS, Burst: rl.Burst})
		t.sc.AttachCloser("rate limiter", l)
		limiter = l
	}

	if addr := cfg.Server.Line.Listen; len(addr) > 0 {
		l, err := server.Listen(context.Background(), addr, socketOpt)
		if err != nil {
			return fmt.Errorf("failed to start line server, %w", err)
		}
		t.lineAddr = l.Addr()
		s := server.NewServer(server.ServerOpts{
			Cache:         t.cache,
			IdleTimeout:   utils.Seconds(cfg.Server.Line.IdleTimeout),
			ProxyProtocol: cfg.Server.Line.ProxyProtocol,
			Limiter:       limiter,
			Logger:        t.logger.Named("line_server"),
		})
		t.logger.Info("line server started", zap.Stringer("addr", l.Addr()), zap.Bool("proxy_protocol", cfg.Server.Line.ProxyProtocol))
		t.sc.Attach(func(closeSignal <-chan struct{}) {
			errC := make(chan error, 1)
			go func() { errC <- s.ServeLine(l) }()
			select {
			case err := <-errC:
				t.sc.SendCloseSignal(fmt.Errorf("line server exited, %w", err))
			case <-closeSignal:
				s.Close()
				<-errC
			}
		})
	}

	if addr := cfg.Server.HTTP.Listen; len(addr) > 0 {
		hh := server.NewHttpHandler(t.cache, server.HttpHandlerOpts{
			Logger:  t.logger.Named("http_server"),
			Limiter: limiter,
		})
		hs, err := server.NewHttpServer(hh, utils.Seconds(cfg.Server.HTTP.IdleTimeout))
		if err != nil {
			return err
		}
		l, err := server.Listen(context.Background(), addr, socketOpt)
		if err != nil {
			return fmt.Errorf("failed to start http server, %w", err)
		}
		t.httpAddr = l.Addr()
		t.logger.Info("http server started", zap.Stringer("addr", l.Addr()))
		t.serveHttp("http server", hs, l)
	}
	return nil
}

// serveHttp serves hs on l until the close signal.
func (t *TierCache) serveHttp(name string, hs *http.Server, l net.Listener) {
	t.sc.Attach(func(closeSignal <-chan struct{}) {
		errC := make(chan error, 1)
		go func() { errC <- hs.Serve(l) }()
		select {
		case err := <-errC:
			t.sc.SendCloseSignal(fmt.Errorf("%s exited, %w", name, err))
		case <-closeSignal:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			if err := hs.Shutdown(ctx); err != nil {
				hs.Close()
			}
			<-errC
		}
	})
}

func (t *TierCache) GetSafeClose() *safe_close.SafeClose {
	return t.sc
}

// Shutdown stops the servers, writes the last dump and closes both
// tiers. It returns the error that triggered the shutdown, if any,
// joint with close errors.
func (t *TierCache) Shutdown() error {
	t.logger.Info("starting shutdown sequences")
	var errs utils.Errors
	closeErr := t.sc.CloseWait()
	if err := t.sc.Err(); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, server.ErrServerClosed) {
		errs.Append(err)
	}
	errs.Append(closeErr)
	if err := errs.Build(); err != nil {
		t.logger.Error("tiercache exited", zap.Error(err))
		return err
	}
	t.logger.Info("tiercache exited")
	return nil
}

// Logger returns a non-nil logger.
func (t *TierCache) Logger() *zap.Logger {
	return t.logger
}

// SetLogLevel changes the level of t.Logger() at runtime.
func (t *TierCache) SetLogLevel(level string) error {
	return t.level.UnmarshalText([]byte(level))
}

// Cache returns the cache engine.
func (t *TierCache) Cache() *tiered.Cache {
	return t.cache
}

// GetMetricsReg returns a prometheus.Registerer with a prefix of "tiercache_"
func (t *TierCache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("tiercache_", t.metricsReg)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// initApiMux initializes api entries. It MUST be called after t.metricsReg being initialized.
func (t *TierCache) initApiMux() {
	// Register metrics.
	t.apiMux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(t.metricsReg, promhttp.HandlerOpts{}))

	// Register pprof.
	t.apiMux.Route("/debug/pprof", func(r chi.Router) {
		r.Get("/*", pprof.Index)
		r.Get("/cmdline", pprof.Cmdline)
		r.Get("/profile", pprof.Profile)
		r.Get("/symbol", pprof.Symbol)
		r.Get("/trace", pprof.Trace)
	})

	// A helper page for invalid request.
	invalidApiReqHelper := func(w http.ResponseWriter, req *http.Request) {
		b := new(bytes.Buffer)
		_, _ = fmt.Fprintf(b, "Invalid request %s %s\n\n", req.Method, req.RequestURI)
		b.WriteString("Available api urls:\n")
		_ = chi.Walk(t.apiMux, func(method string, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
			b.WriteString(method)
			b.WriteByte(' ')
			b.WriteString(route)
			b.WriteByte('\n')
			return nil
		})
		_, _ = w.Write(b.Bytes())
	}
	t.apiMux.NotFound(invalidApiReqHelper)
	t.apiMux.MethodNotAllowed(invalidApiReqHelper)
}
