package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/utilitywarehouse/ghfs/internal/cache"
	"github.com/utilitywarehouse/ghfs/internal/daemon"
	ghfsfs "github.com/utilitywarehouse/ghfs/internal/fs"
	"github.com/utilitywarehouse/ghfs/internal/gitrepo"
	"github.com/utilitywarehouse/ghfs/internal/state"
)

var mountCmd = &cobra.Command{
	Use:   "mount [mountpoint]",
	Short: "Mount the filesystem and run the daemon in the foreground",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			conf.MountPoint = args[0]
		}
		return runDaemon(conf)
	},
}

func runDaemon(conf *Config) error {
	logger.Info("starting ghfs", "version", version(), "mount", conf.MountPoint, "cache-root", conf.CacheRoot)

	// promhttp.Handler serves the default registry
	cache.EnableMetrics("", prometheus.DefaultRegisterer)
	ghfsfs.EnableMetrics("", prometheus.DefaultRegisterer)

	layout := cache.NewLayout(conf.CacheRoot)
	if err := os.MkdirAll(layout.Root(), 0755); err != nil {
		return fmt.Errorf("unable to create cache root err:%w", err)
	}
	if err := os.MkdirAll(conf.MountPoint, 0755); err != nil {
		return fmt.Errorf("unable to create mount point err:%w", err)
	}

	st, err := state.Open(layout.StatePath())
	if err != nil {
		return err
	}
	defer st.Close()

	// rebuild metadata from whatever survived on disk before serving
	gcStats := state.RunGC(st, layout, logger.With("logger", "gc"))
	logger.Info("state reconciled", "scanned", gcStats.ReposScanned, "removed", gcStats.ReposRemoved, "sync-resets", gcStats.SyncResets)

	git := gitrepo.New("", nil, logger.With("logger", "git"))
	repoCache := cache.New(layout, git, cache.Options{
		MaxAge:      conf.MaxAge,
		LockTimeout: conf.LockTimeout,
	}, logger.With("logger", "cache"))

	worker := daemon.NewWorker(repoCache, st, cache.NewNegativeCache(logger.With("logger", "negative-cache")), logger.With("logger", "worker"))
	worker.Start()
	defer worker.Stop()

	scheduler := daemon.NewScheduler(st, worker, conf.RefreshInterval, conf.MaxAge, logger.With("logger", "scheduler"))
	scheduler.Start()
	defer scheduler.Stop()

	filesystem := ghfsfs.New(worker, layout, logger.With("logger", "fs"))
	server, err := ghfsfs.NewServer(filesystem, conf.MountPoint, conf.FuseDebug)
	if err != nil {
		return fmt.Errorf("unable to mount filesystem err:%w", err)
	}

	socket := daemon.NewSocketServer(conf.SocketPath, worker, st, conf.MountPoint, version(), func() {
		logger.Info("stop requested over control socket")
		if err := server.Unmount(); err != nil {
			logger.Error("unable to unmount", "err", err)
		}
	}, logger.With("logger", "socket"))
	if err := socket.Start(); err != nil {
		server.Unmount()
		return err
	}
	defer socket.Stop()

	if conf.HTTPBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		httpServer := &http.Server{Addr: conf.HTTPBind, Handler: mux}
		go func() {
			logger.Info("starting web server", "addr", conf.HTTPBind)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server terminated", "err", err)
			}
		}()
		defer httpServer.Close()
	}

	// unmount on SIGINT/SIGTERM, which unblocks Serve
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("shutting down...")
		if err := server.Unmount(); err != nil {
			logger.Error("unable to unmount, is the mount busy?", "err", err)
		}
	}()

	logger.Info("filesystem mounted", "mount", conf.MountPoint)
	server.Serve()
	logger.Info("filesystem unmounted")
	return nil
}
