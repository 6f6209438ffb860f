package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bothive/bothive/pkg/broadcast"
	"github.com/bothive/bothive/pkg/config"
	"github.com/bothive/bothive/pkg/deploy"
	"github.com/bothive/bothive/pkg/logging"
	"github.com/bothive/bothive/pkg/registry"
	"github.com/bothive/bothive/pkg/server"
	"github.com/bothive/bothive/pkg/supervisor"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"
)

type flagOptions struct {
	Config  string `long:"config" description:"path to YAML configuration file"`
	Listen  string `long:"listen" description:"listen address, overrides configuration"`
	DataDir string `long:"data-dir" description:"data directory, overrides configuration"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func moduleLogger(base logging.Logger, module string) logging.Logger {
	return logging.NewLogger(logPrefix(module), logging.LogFuncs{
		Debugf: base.Debugf,
		Infof:  base.Infof,
		Warnf:  base.Warnf,
		Errorf: base.Errorf,
	})
}

func loadConfig(opts flagOptions) (*config.ServerConfig, error) {
	var cfg *config.ServerConfig
	var err error

	if opts.Config != "" {
		cfg, err = config.LoadConfigFromFile(opts.Config)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = &config.ServerConfig{}
		config.SetConfigDefaults(cfg)
	}

	if opts.Listen != "" {
		cfg.Server.ListenAddress = opts.Listen
	}
	if opts.DataDir != "" {
		cfg.Supervisor.DataDir = opts.DataDir
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Printf("Configuration loading failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Logger initialization failed: %v\n", err)
		os.Exit(1)
	}

	logger.Infof("Starting, listen: %s, data dir: %s", cfg.Server.ListenAddress, cfg.Supervisor.DataDir)

	if err := os.MkdirAll(cfg.Supervisor.DataDir, 0755); err != nil {
		logger.Errorf("Failed to create data directory: %v", err)
		os.Exit(1)
	}

	store, err := registry.Open(filepath.Join(cfg.Supervisor.DataDir, "units.yaml"), moduleLogger(logger, "registry"))
	if err != nil {
		logger.Errorf("Failed to open unit registry: %v", err)
		os.Exit(1)
	}

	pipeline := deploy.NewPipeline(filepath.Join(cfg.Supervisor.DataDir, "units"), store, moduleLogger(logger, "deploy"))
	hub := broadcast.NewHub(moduleLogger(logger, "broadcast"))

	sup := supervisor.NewSupervisor(supervisor.Options{
		RuntimeCommand:  cfg.Supervisor.RuntimeCommand,
		InstallCommand:  cfg.Supervisor.InstallCommand,
		QuiescenceDelay: cfg.Supervisor.QuiescenceDelay,
	}, store, pipeline, hub, moduleLogger(logger, "supervisor"))

	handler := server.NewHandler(sup, store, hub, moduleLogger(logger, "server"))

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddress,
		Handler: handler,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Infof("Listening on %s", cfg.Server.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Infof("Shutting down...")

		if err := sup.StopAll(); err != nil {
			logger.Warnf("Errors while stopping units: %v", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Errorf("Server failed: %v", err)
		os.Exit(1)
	}

	logger.Infof("Shutdown complete")
}
