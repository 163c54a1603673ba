// Command muserver runs the HTTP/1.1 server with a small demo handler chain
// and optionally exposes Prometheus metrics.
package main

import (
	"context"
	"flag"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/3redronin/mu-server/application/http/actor/server"
	"github.com/3redronin/mu-server/application/http/config"
	"github.com/3redronin/mu-server/application/http/stats"
	"github.com/3redronin/mu-server/transport/tcp"
	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a JSON configuration file")
		addr        = flag.String("addr", "", "listen address, overrides the configuration")
		metricsAddr = flag.String("metrics-addr", "", "address serving /metrics, overrides the configuration")
		debug       = flag.Bool("debug", false, "log each request")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			logger.Error("failed to load configuration", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Listen.Address = *addr
	}
	if *metricsAddr != "" {
		cfg.Metrics.Address = *metricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	clk := clock.New()

	opts, limiter, err := cfg.ServerOptions(clk)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts.Stats = stats.NewPrometheus(reg)

	l, err := tcp.Listen(ctx, cfg.Listen.Address, cfg.ListenOptions(), logger)
	if err != nil {
		return err
	}

	var srv *server.Server
	srv = server.New(l, logger, clk, demoHandlers(func() []server.ConnInfo { return srv.Connections() }), opts)
	if err := srv.Start(); err != nil {
		return err
	}

	if limiter != nil {
		go limiter.Run(ctx, time.Minute)
	}

	var metrics *nethttp.Server
	if cfg.Metrics.Address != "" {
		mux := nethttp.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metrics = &nethttp.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", cfg.Metrics.Address)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if metrics != nil {
		metrics.Close()
	}
	return srv.Close(opts.Timeout.ShutdownGracePeriod + 5*time.Second)
}

type connView struct {
	ID                uint64    `json:"id"`
	Remote            string    `json:"remote"`
	Started           time.Time `json:"started"`
	LastIO            time.Time `json:"lastIO"`
	CompletedRequests int64     `json:"completedRequests"`
	TLS               bool      `json:"tls"`
	Current           string    `json:"current,omitempty"`
}

func demoHandlers(conns func() []server.ConnInfo) []server.Handler {
	route := func(path string, h server.HandlerFunc) server.Handler {
		return server.HandlerFunc(func(req *server.Request, res *server.Response) (bool, error) {
			if req.URI().Path != path {
				return false, nil
			}
			return h(req, res)
		})
	}

	return []server.Handler{
		route("/", func(req *server.Request, res *server.Response) (bool, error) {
			return true, res.SendString("Hello from mu-server")
		}),
		route("/echo", func(req *server.Request, res *server.Response) (bool, error) {
			body, err := req.ReadBodyAsString()
			if err != nil {
				return true, err
			}
			if v, ok := req.Headers().Get("content-type"); ok {
				res.SetContentType(v)
			}
			return true, res.SendString(body)
		}),
		route("/stream", func(req *server.Request, res *server.Response) (bool, error) {
			for i := range 5 {
				if err := res.SendChunk("chunk " + strconv.Itoa(i+1) + "\n"); err != nil {
					return true, err
				}
			}
			return true, nil
		}),
		route("/connections", func(req *server.Request, res *server.Response) (bool, error) {
			infos := conns()
			views := make([]connView, 0, len(infos))
			for _, info := range infos {
				v := connView{
					ID:                info.ID,
					Remote:            info.RemoteAddr.String(),
					Started:           info.StartTime,
					LastIO:            info.LastIO,
					CompletedRequests: info.CompletedRequests,
					TLS:               info.TLS != nil,
				}
				if info.Current != nil {
					v.Current = info.Current.Method() + " " + info.Current.RawTarget()
				}
				views = append(views, v)
			}

			b, err := json.Marshal(views)
			if err != nil {
				return true, errors.Wrap(err, "encoding connections")
			}
			res.SetContentType("application/json")
			return true, res.Send(b)
		}),
		route("/redirect", func(req *server.Request, res *server.Response) (bool, error) {
			return true, res.Redirect("/")
		}),
	}
}
