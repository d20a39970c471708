// Command pagewatch monitors web pages for content changes.
//
// Usage:
//
//	pagewatch -config pagewatch.yaml -serve        # scheduler, HTTP API and MCP
//	pagewatch -config pagewatch.yaml -run          # one batch invocation and exit
//	pagewatch -config pagewatch.yaml -progress     # show batch progress
//	pagewatch -config pagewatch.yaml -reset        # clear the checkpoint
//	pagewatch -config pagewatch.yaml -reconcile    # audit and repair references
//	pagewatch -config pagewatch.yaml -changes 20   # latest change records
//	pagewatch -config pagewatch.yaml -detect ID    # detect on one target
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pagewatch/monitor"
	"github.com/hazyhaar/pagewatch/observability"
)

var version = "dev"

type flags struct {
	config    string
	run       bool
	serve     bool
	progress  bool
	reset     bool
	reconcile bool
	changes   int
	detect    string
	addr      string
	asJSON    bool
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "path to pagewatch.yaml")
	flag.BoolVar(&f.run, "run", false, "run one batch invocation and exit")
	flag.BoolVar(&f.serve, "serve", false, "run the scheduler and the HTTP API")
	flag.BoolVar(&f.progress, "progress", false, "show batch progress and exit")
	flag.BoolVar(&f.reset, "reset", false, "reset batch progress and exit")
	flag.BoolVar(&f.reconcile, "reconcile", false, "reconcile change records and exit")
	flag.IntVar(&f.changes, "changes", 0, "list the N latest change records and exit")
	flag.StringVar(&f.detect, "detect", "", "run change detection for a target id and exit")
	flag.StringVar(&f.addr, "addr", "", "HTTP listen address (overrides config)")
	flag.BoolVar(&f.asJSON, "json", false, "print JSON instead of tables")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	level, err := observability.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := observability.NewLogger(os.Stderr, level, "pagewatch")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, f, os.Stdout); err != nil {
		logger.Error("pagewatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, f flags, out io.Writer) error {
	cfg, err := loadConfig(f.config)
	if err != nil {
		return err
	}
	if f.addr != "" {
		cfg.HTTP.Addr = f.addr
	}

	svc, err := monitor.Open(ctx, cfg, monitor.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()

	switch {
	case f.reset:
		if err := svc.ResetProgress(ctx); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		p, err := svc.Progress(ctx)
		if err != nil {
			return err
		}
		return printProgress(out, p, f.asJSON)

	case f.progress:
		p, err := svc.Progress(ctx)
		if err != nil {
			return fmt.Errorf("progress: %w", err)
		}
		return printProgress(out, p, f.asJSON)

	case f.run:
		rep, err := svc.RunBatch(ctx)
		if err != nil && rep == nil {
			return fmt.Errorf("run: %w", err)
		}
		if perr := printReport(out, rep, f.asJSON); perr != nil {
			return perr
		}
		return err

	case f.reconcile:
		rep, err := svc.Reconcile(ctx, monitor.Scope{})
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		return printJSON(out, rep)

	case f.changes > 0:
		recs, err := svc.ListChanges(ctx, monitor.ChangeFilter{Limit: f.changes})
		if err != nil {
			return fmt.Errorf("changes: %w", err)
		}
		if f.asJSON {
			return printJSON(out, recs)
		}
		targets, err := svc.ListTargets(ctx, false)
		if err != nil {
			return err
		}
		names := make(map[string]string, len(targets))
		for _, t := range targets {
			names[t.ID] = t.Name
		}
		return printChanges(out, recs, names)

	case f.detect != "":
		rec, err := svc.Detect(ctx, f.detect)
		if err != nil {
			return fmt.Errorf("detect: %w", err)
		}
		if rec == nil {
			fmt.Fprintln(out, "no change")
			return nil
		}
		return printJSON(out, rec)

	case f.serve:
		return serve(ctx, logger, svc, f.config)
	}

	flag.Usage()
	return nil
}

func loadConfig(path string) (*monitor.Config, error) {
	if path == "" {
		return monitor.ParseConfig(nil)
	}
	return monitor.LoadConfigFile(path)
}

func serve(ctx context.Context, logger *slog.Logger, svc *monitor.Service, configPath string) error {
	svc.Start(ctx)
	if configPath != "" {
		svc.WatchConfigFile(ctx, configPath)
	}

	srv := &http.Server{
		Addr:              svc.Config().HTTP.Addr,
		Handler:           svc.Handler(version),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("pagewatch: listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	logger.Info("pagewatch: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
