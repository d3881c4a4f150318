// bundleserver serves a directory of package version files, manifests and
// bundle files over HTTP for local development.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/meigma/bundle/internal/devserver"
)

func main() {
	if err := run(os.Args[1:]); err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		dir     string
		addr    string
		noRange bool
		verbose bool
	)
	fs := pflag.NewFlagSet("bundleserver", pflag.ContinueOnError)
	fs.StringVarP(&dir, "dir", "d", ".", "directory to serve")
	fs.StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "listen address")
	fs.BoolVar(&noRange, "no-range", false, "ignore Range headers, for testing clients without resume")
	fs.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []devserver.Option{devserver.WithLogger(logger)}
	if noRange {
		opts = append(opts, devserver.WithoutRanges())
	}
	handler, err := devserver.New(dir, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving bundles", "dir", dir, "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
