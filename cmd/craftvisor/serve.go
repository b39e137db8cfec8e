package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/craftvisor/internal/config"
	"github.com/loykin/craftvisor/internal/cronjob"
	"github.com/loykin/craftvisor/internal/event"
	"github.com/loykin/craftvisor/internal/history"
	"github.com/loykin/craftvisor/internal/history/factory"
	"github.com/loykin/craftvisor/internal/logger"
	"github.com/loykin/craftvisor/internal/manager"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/pidfile"
	"github.com/loykin/craftvisor/internal/server"
	"github.com/loykin/craftvisor/internal/tls"
)

const (
	// killWait bounds reaping after the final kill on shutdown.
	killWait = 10 * time.Second
	// taskWait bounds how long shutdown waits for a running scheduled task.
	taskWait = 5 * time.Second
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor daemon",
		Long: `Run the daemon: register every [[servers]] entry, start those with
auto_start, and serve the HTTP API until SIGINT or SIGTERM. On shutdown each
server is sent its stop command and killed after server.shutdown_grace.

Without a config file the daemon starts with no servers; add them over the API.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg := config.Default()
			if path != "" {
				var err error
				if cfg, err = config.Load(path); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, nil)
		},
	}
}

// runServe runs the daemon until ctx is done. ready, if set, receives the
// bound API address once requests can be served.
func runServe(ctx context.Context, cfg *config.FileConfig, ready func(addr string)) error {
	log, logCloser := logger.New(cfg.Log)
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)

	if cfg.Server.PIDFile != "" {
		pf := pidfile.File{Path: cfg.Server.PIDFile}
		if err := pf.Acquire(os.Getpid()); err != nil {
			return fmt.Errorf("pidfile: %w", err)
		}
		defer func() { _ = pf.Remove() }()
	}

	bus := event.NewBus[event.Event]()
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		defer metrics.Observe(bus)()
	}

	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		return err
	}
	mgr := manager.NewManager(bus)
	mgr.SetGlobalEnv(globalEnv)
	for _, s := range cfg.Servers {
		mgr.AddServer(s.Name, s.Dir, cfg.ProcessConfig(s))
	}

	sinks, err := openSinks(cfg.History)
	if err != nil {
		return err
	}
	if len(sinks) > 0 {
		rec := history.NewRecorder(sinks...)
		detach := rec.Attach(bus)
		defer func() {
			detach()
			if err := rec.Close(); err != nil {
				log.Warn("closing history sinks", "error", err)
			}
		}()
	}

	if cfg.Metrics.SampleInterval > 0 {
		sampler := metrics.NewSampler(mgr, cfg.Metrics.SampleInterval)
		sampler.Start(ctx)
		defer sampler.Stop()
	}

	// registered after the recorder so close events still reach history
	defer mgr.StopAll(cfg.Server.ShutdownGrace, killWait)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	sched := cronjob.NewScheduler(mgr, loc)
	for _, s := range cfg.Servers {
		for _, t := range s.Tasks {
			if err := sched.Add(t); err != nil {
				return err
			}
		}
	}
	sched.Start()
	// stops before StopAll so no task restarts a server mid-shutdown
	defer sched.Stop(taskWait)

	tlsCfg, err := tls.Setup(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv, err := server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, mgr, bus,
		server.WithTLS(tlsCfg), server.WithTasks(sched))
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	defer func() {
		if err := server.Shutdown(srv, 5*time.Second); err != nil {
			log.Warn("http shutdown", "error", err)
		}
	}()
	log.Info("api listening", "addr", srv.Addr, "base_path", cfg.Server.BasePath, "tls", tlsCfg != nil)

	for _, s := range cfg.Servers {
		if s.AutoStart {
			mgr.Start(s.Name)
		}
	}
	if ready != nil {
		ready(srv.Addr)
	}

	<-ctx.Done()
	log.Info("shutting down", "servers", mgr.Count(), "grace", cfg.Server.ShutdownGrace)
	return nil
}

func openSinks(dsns []string) ([]history.Sink, error) {
	sinks := make([]history.Sink, 0, len(dsns))
	for _, dsn := range dsns {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			for _, opened := range sinks {
				if c, ok := opened.(interface{ Close() error }); ok {
					_ = c.Close()
				}
			}
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
