//go:build linux || darwin

// Command appzd is the appz supervisor daemon. It is normally started on
// demand by the appz CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/throw-out-error/appz"
)

func main() {
	var (
		home     = flag.String("home", "", "Home directory (default $APPZ_HOME or ~/.appz)")
		socket   = flag.String("socket", "", "Control socket path (default <home>/appz.sock)")
		logLevel = flag.String("log-level", "", "Log level: debug, info, warn, error")
		httpAddr = flag.String("http", "", "Address for the read-only status endpoint")
		version  = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println(appz.Version)
		return
	}

	if err := run(*home, *socket, *logLevel, *httpAddr); err != nil {
		if errors.Is(err, appz.ErrDaemonRunning) {
			return
		}
		fmt.Fprintf(os.Stderr, "appzd: %v\n", err)
		os.Exit(1)
	}
}

func run(home, socket, logLevel, httpAddr string) error {
	if home == "" {
		dir, err := appz.HomeDir()
		if err != nil {
			return err
		}
		home = dir
	}
	if err := os.MkdirAll(home, appz.DirMode); err != nil {
		return err
	}

	cfg, err := appz.LoadDaemonConfig(home)
	if err != nil {
		return err
	}
	if socket != "" {
		cfg.Socket = socket
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := appz.NewDaemon(cfg)
	if err != nil {
		return err
	}
	if err := d.Listen(ctx); err != nil {
		d.Shutdown()
		return err
	}
	return d.Serve(ctx)
}
