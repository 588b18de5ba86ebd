// hydromaticd - event logging, time keeping and log shipping for a device
//
//	hydromaticd run       Run the daemon (default)
//	hydromaticd status    Show the event log, boot counter and time history
//	hydromaticd init      Write a default configuration file
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/pflag"

	"hydromatic/internal/config"
	"hydromatic/internal/logging"
)

var version = "dev"

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = cmdRun(args)
	case "status":
		err = cmdStatus(args)
	case "init":
		err = cmdInit(args)
	case "version":
		fmt.Println("hydromaticd", version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`hydromaticd - device event logging and shipping

USAGE:
    hydromaticd [command] [options]

COMMANDS:
    run                 Run the daemon (default)
    status              Show event log, boot counter and time history
    init                Write a default configuration file
    version             Print the version
    help                Show this help message

OPTIONS:
    -c, --config PATH   Configuration file (TOML, YAML or JSON)

Without --config the first config.{toml,json,yaml,yml} found in the
current, config or data directory is used.`)
}

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "configuration file")
	fs.Usage = usage
	return fs, path
}

func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := config.FindConfigFile(); p != "" {
		return p
	}
	return config.ConfigPath()
}

func newLogger(cfg *config.Config, component string) (*logging.Logger, error) {
	lc, err := cfg.Logging.LoggerConfig(component)
	if err != nil {
		return nil, err
	}
	return logging.New(lc)
}

func cmdRun(args []string) error {
	fs, path := newFlagSet("run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loader := config.NewLoader(resolveConfigPath(*path))
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := newLogger(cfg, "hydromaticd")
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}

	loader.OnChange(d.reconfigure)
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "path", loader.Path(), "error", err)
	}
	defer loader.Close()
	go logConfigErrors(ctx, loader.Errors(), logger.Logger)

	logger.Info("hydromaticd starting", "version", version, "config", loader.Path(), "boot_seq", d.session.Seq())
	err = d.run(ctx)
	logger.Info("hydromaticd stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// logConfigErrors reports rejected hot reloads until ctx is done.
func logConfigErrors(ctx context.Context, errs <-chan error, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			logger.Warn("config reload failed", "error", err)
		}
	}
}
