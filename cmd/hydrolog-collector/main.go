// hydrolog-collector - receives device log lines and stores them in SQLite
//
//	hydrolog-collector serve     Accept a device and store what it ships (default)
//	hydrolog-collector entries   Print stored log entries
//	hydrolog-collector export    Write stored entries as JSON lines
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"hydromatic/internal/collector"
	"hydromatic/internal/config"
	"hydromatic/internal/health"
	"hydromatic/internal/logging"
	"hydromatic/internal/metrics"
	"hydromatic/internal/wire"
)

var version = "dev"

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = cmdServe(args)
	case "entries":
		err = cmdEntries(args)
	case "export":
		err = cmdExport(args)
	case "version":
		fmt.Println("hydrolog-collector", version)
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
	fmt.Println(`hydrolog-collector - TCP log collector for hydromatic devices

USAGE:
    hydrolog-collector [command] [options]

COMMANDS:
    serve               Accept a device and store its entries (default)
    entries             Print stored log entries
    export              Write stored entries as JSON lines to stdout
    version             Print the version
    help                Show this help message

OPTIONS:
    -c, --config PATH       Configuration file (TOML, YAML or JSON)
        --listen ADDR       Listen address (serve)
        --db PATH           SQLite database
        --status-every DUR  Ask the device for a status entry periodically (serve)
        --boot N            Only entries from this boot (entries, export)
    -n, --limit N           Maximum number of entries (entries, export)`)
}

type options struct {
	config      string
	listen      string
	db          string
	statusEvery time.Duration
	boot        int64
	limit       int
}

func parse(name string, args []string) (*options, error) {
	var o options
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = usage
	fs.StringVarP(&o.config, "config", "c", "", "configuration file")
	fs.StringVar(&o.db, "db", "", "SQLite database")
	switch name {
	case "serve":
		fs.StringVar(&o.listen, "listen", "", "listen address")
		fs.DurationVar(&o.statusEvery, "status-every", 0, "status command interval")
	default:
		fs.Int64Var(&o.boot, "boot", -1, "boot sequence filter")
		fs.IntVarP(&o.limit, "limit", "n", 0, "maximum number of entries")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return &o, nil
}

// loadConfig loads the configuration and applies flag overrides on top of
// the file and environment.
func loadConfig(o *options) (*config.Config, error) {
	path := o.config
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.listen != "" {
		cfg.Collector.ListenAddr = o.listen
	}
	if o.db != "" {
		cfg.Collector.DatabasePath = o.db
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func cmdServe(args []string) error {
	o, err := parse("serve", args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	lc, err := cfg.Logging.LoggerConfig("collector")
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	logger, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	db, err := collector.OpenDB(cfg.Collector.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.NewPipeline(metrics.NewRegistry("hydrolog"))
	srv, err := collector.New(collector.Config{
		Addr:          cfg.Collector.ListenAddr,
		DB:            db,
		SocketTimeout: cfg.Collector.SocketTimeout(),
		MaxLineBytes:  cfg.Collector.MaxLineBytes,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("hydrolog-collector starting",
		"version", version,
		"listen", cfg.Collector.ListenAddr,
		"db", cfg.Collector.DatabasePath)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })

	if addr := cfg.Health.ListenAddr; addr != "" {
		checker := health.NewChecker(nil)
		checker.RegisterFunc("database", true, health.DatabaseCheck(db.Ping))
		checker.SetReady(true)
		hs := health.NewServer(addr, checker, m, logger)
		g.Go(func() error { return hs.ListenAndServe(ctx) })
	}

	if o.statusEvery > 0 {
		g.Go(func() error {
			t := time.NewTicker(o.statusEvery)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
				if err := srv.SendCommand(wire.CommandStatus, nil); err != nil && !errors.Is(err, collector.ErrNoDevice) {
					logger.Warn("status command failed", "error", err)
				}
			}
		})
	}

	err = g.Wait()
	if entries, heartbeats, cerr := db.Counts(context.Background()); cerr == nil {
		logger.Info("hydrolog-collector stopped", "entries", entries, "heartbeats", heartbeats)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func queryEntries(o *options) ([]collector.Record, error) {
	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}
	db, err := collector.OpenDB(cfg.Collector.DatabasePath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	f := collector.EntryFilter{Limit: o.limit}
	if o.boot >= 0 {
		b := uint32(o.boot)
		f.BootSeq = &b
	}
	return db.Entries(context.Background(), f)
}

func cmdEntries(args []string) error {
	o, err := parse("entries", args)
	if err != nil {
		return err
	}
	records, err := queryEntries(o)
	if err != nil {
		return err
	}

	for _, r := range records {
		seq := "-"
		if r.Seq != nil {
			seq = fmt.Sprint(*r.Seq)
		}
		ts := fmt.Sprintf("boot %d +%s", r.BootSeq, time.Duration(r.UptimeMS)*time.Millisecond)
		if r.TS != nil {
			ts = *r.TS
		}
		fmt.Printf("%-6s %-5s %-28s %s\n", seq, strings.ToUpper(r.Level), ts, r.Msg)
	}
	return nil
}

// exportLine is one line of the export: the receive time and the entry as
// the device sent it.
type exportLine struct {
	ReceivedAt string          `json:"received_at"`
	Entry      json.RawMessage `json:"entry"`
}

func cmdExport(args []string) error {
	o, err := parse("export", args)
	if err != nil {
		return err
	}
	records, err := queryEntries(o)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(exportLine{
			ReceivedAt: r.ReceivedAt.UTC().Format(time.RFC3339Nano),
			Entry:      json.RawMessage(r.Raw),
		}); err != nil {
			return err
		}
	}
	return nil
}
