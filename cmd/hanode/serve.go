package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/risa-org/hacore/handshake"
	"github.com/risa-org/hacore/metrics"
	"github.com/risa-org/hacore/server"
	"github.com/risa-org/hacore/store/bolt"
	"github.com/risa-org/hacore/store/file"
	"github.com/risa-org/hacore/store/memory"
)

type serveOptions struct {
	configPath  string
	nodeID      string
	listen      string
	wsListen    string
	liveURL     string
	backupURL   string
	passive     bool
	store       string
	storePath   string
	metricsAddr string
}

func newServeCommand() *cobra.Command {
	var o serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a live or passive backup node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), o)
		},
	}
	bindOptions(cmd, []opt{
		newOpt(&o.configPath, "config", "", "path to a TOML config file"),
		newOpt(&o.nodeID, "node-id", "node-1", "node id; a live node and its backup share it"),
		newOpt(&o.listen, "listen", "127.0.0.1:5445", "tcp listen address"),
		newOpt(&o.wsListen, "ws-listen", "", "websocket listen address, empty to disable"),
		newOpt(&o.liveURL, "live-url", "", "connector clients use to reach this node (default tcp://<listen>)"),
		newOpt(&o.backupURL, "backup-url", "", "connector of this node's backup"),
		newOpt(&o.passive, "passive", false, "start as a passive backup, activated by SIGUSR1"),
		newOpt(&o.store, "store", "bolt", "session store: memory, file or bolt"),
		newOpt(&o.storePath, "store-path", "hanode.db", "session store path for file and bolt stores"),
		newOpt(&o.metricsAddr, "metrics-addr", "", "address serving /metrics, empty to disable"),
	})
	return cmd
}

func runServe(ctx context.Context, o serveOptions) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, closeStore, err := openStore(o, log)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.PrometheusCollectors()...)

	if o.liveURL == "" {
		o.liveURL = "tcp://" + o.listen
	}
	node, err := server.New(server.Config{
		NodeID:        o.nodeID,
		Live:          o.liveURL,
		Backup:        o.backupURL,
		Active:        !o.passive,
		Store:         store,
		ConnectionTTL: time.Duration(cfg.ConnectionTTL),
		Logger:        log,
		Metrics:       m,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", o.listen)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := node.Serve(ln); !errors.Is(err, server.ErrNodeClosed) {
			return err
		}
		return nil
	})

	var servers []*http.Server
	if o.wsListen != "" {
		servers = append(servers, &http.Server{Addr: o.wsListen, Handler: node.WebSocketHandler()})
	}
	if o.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{Addr: o.metricsAddr, Handler: mux})
	}
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	activate := make(chan os.Signal, 1)
	signal.Notify(activate, syscall.SIGUSR1)
	defer signal.Stop(activate)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				err := node.Close()
				for _, srv := range servers {
					err = multierr.Append(err, srv.Close())
				}
				return err
			case <-activate:
				node.Activate()
			}
		}
	})

	log.Info("Node started",
		zap.String("node_id", o.nodeID),
		zap.String("live", o.liveURL),
		zap.String("backup", o.backupURL),
		zap.Bool("active", !o.passive),
		zap.String("store", o.store))
	return g.Wait()
}

func openStore(o serveOptions, log *zap.Logger) (handshake.SessionStore, func() error, error) {
	noop := func() error { return nil }
	switch o.store {
	case "memory":
		return memory.New(), noop, nil
	case "file":
		s, err := file.New(o.storePath)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case "bolt":
		s := bolt.New(o.storePath)
		s.Logger = log
		if err := s.Open(); err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, errors.New("unknown store " + o.store)
	}
}
