// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package exporter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

const DEFAULT_SHUTDOWN_TIMEOUT = 5 * time.Second

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" env:"SMU_EXPORTER_ADDR" env-default:":9465"`
	Path            string        `yaml:"path" env:"SMU_EXPORTER_PATH" env-default:"/metrics"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"SMU_EXPORTER_POLL_INTERVAL"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SMU_EXPORTER_SHUTDOWN_TIMEOUT"`
}

// Server serves a private registry over HTTP. With a poll interval set, every
// poller runs on that interval instead of on each scrape.
type Server struct {
	cfg      ServerConfig
	registry *prometheus.Registry
	pollers  []func() error
	clock    clock.WithTicker
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DEFAULT_SHUTDOWN_TIMEOUT
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	return &Server{cfg: cfg, registry: prometheus.NewRegistry(), clock: clock.RealClock{}}
}

func (s *Server) Register(c prometheus.Collector) error {
	return s.registry.Register(c)
}

// AddPoller adds a refresh to run every PollInterval
func (s *Server) AddPoller(poll func() error) {
	s.pollers = append(s.pollers, poll)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{ErrorLog: klogAdapter{}}))
	return mux
}

// Run serves until ctx is cancelled or the listener fails
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		klog.InfoS("exporter: serving", "addr", ln.Addr().String(), "path", s.cfg.Path)
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if s.cfg.PollInterval > 0 {
		for _, poll := range s.pollers {
			poll := poll
			g.Go(func() error {
				s.pollLoop(gctx, poll)
				return nil
			})
		}
	}
	return g.Wait()
}

func (s *Server) pollLoop(ctx context.Context, poll func() error) {
	t := s.clock.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if err := poll(); err != nil {
				klog.ErrorS(err, "exporter: poll failed")
			}
		}
	}
}

type klogAdapter struct{}

func (klogAdapter) Println(v ...interface{}) {
	klog.Error(v...)
}
