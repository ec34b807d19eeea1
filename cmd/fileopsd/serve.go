package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/franksops/fileops/api"
	"github.com/franksops/fileops/config"
	"github.com/franksops/fileops/engine"
	"github.com/franksops/fileops/jobs"
	"github.com/franksops/fileops/logging"
	"github.com/franksops/fileops/sandbox"
	"github.com/franksops/fileops/session"
	"github.com/franksops/fileops/store"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (FILEOPS_* variables override it)")
	return cmd
}

func serve(cfg *config.Config) error {
	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer log.Sync()

	sb, err := sandbox.New(cfg.SandboxRoots)
	if err != nil {
		return err
	}
	if len(sb.Roots()) == 0 {
		log.Warn("no sandbox roots configured, local paths are disabled")
	}

	dialer := &session.NetDialer{
		Timeout:        cfg.Sessions.DialTimeout,
		CommandTimeout: cfg.Sessions.CommandTimeout,
		HostKeys:       session.NewHostKeys(cfg.Sessions.KnownHosts),
	}
	registry := session.NewRegistry(cfg.Sessions.TTL, dialer, log)

	var direct engine.DirectTransfer
	if cfg.Transfer.FXP {
		direct = session.NewFXP(cfg.Transfer.LftpPath, log)
	}

	spool, err := engine.NewSpool(cfg.Spool.Dir, cfg.Spool.LimitBytes, cfg.Spool.StaleAge, log)
	if err != nil {
		return err
	}
	spool.Sweep()

	eng := engine.New(engine.Config{
		ChunkSize:        cfg.Transfer.ChunkSize,
		RequireFreeSpace: cfg.Transfer.RequireFreeSpace,
	}, sb, registry, direct, spool, log)

	// The history outlives the manager so finish hooks never see it closed.
	var history store.Store
	var bolt *store.BoltStore
	if cfg.HistoryPath != "" {
		if bolt, err = store.NewBoltStore(cfg.HistoryPath, log); err != nil {
			return err
		}
		defer bolt.Close()
		history = bolt
	}

	manager := jobs.NewManager(context.Background(), jobs.Config{
		Workers:   cfg.Jobs.Workers,
		QueueSize: cfg.Jobs.QueueSize,
		MaxJobs:   cfg.Jobs.MaxJobs,
		TTL:       cfg.Jobs.TTL,
	}, log)
	defer manager.Stop()
	if bolt != nil {
		manager.OnFinish(bolt.Record)
	}

	srv := api.New(api.Config{PollInterval: cfg.Progress.PollInterval},
		engine.NewService(eng, manager, log), manager, registry, history, log)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", cfg.ListenAddr),
			zap.Strings("sandbox_roots", sb.Roots()),
			zap.Int("workers", cfg.Jobs.Workers),
			zap.String("spool_dir", spool.Dir()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}
