package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jroosing/hydracore/internal/config"
	"github.com/jroosing/hydracore/internal/logging"
	"github.com/jroosing/hydracore/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	debug      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file (default: $HYDRACORE_CONFIG or built-in defaults)")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if flags.debug {
		cfg.Logging.Level = "DEBUG"
	}

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})
	logger.Info("hydracore starting",
		"dns_addr", fmt.Sprintf("%s:%d", cfg.DNS.Hostname, cfg.DNS.Port),
		"doh_addr", fmt.Sprintf("%s:%d", cfg.DoH.Hostname, cfg.DoH.Port),
		"dot_addr", fmt.Sprintf("%s:%d", cfg.DoT.Hostname, cfg.DoT.Port),
		"storage", cfg.Storage.Path,
	)

	watcherCtx, stopWatcher := context.WithCancel(context.Background())
	defer stopWatcher()

	runner := server.NewRunner(logger)

	watcher := &config.Watcher{Path: config.ResolveConfigPath(flags.configPath), Logger: logger}
	watcher.OnChange = func(newCfg *config.Config) {
		logger.Info("config file changed, applying live",
			"dns_port", newCfg.DNS.Port, "doh_port", newCfg.DoH.Port, "dot_port", newCfg.DoT.Port)
		runner.Reload(watcherCtx, newCfg)
	}
	go watcher.Run(watcherCtx)

	if err := runner.Run(cfg); err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	return nil
}
