//go:build linux || darwin

// Command appz controls the appz supervisor daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/throw-out-error/appz"
)

var (
	homeDir     string
	socketPath  string
	noAutoStart bool
	immediate   bool
	killTimeout time.Duration
	killSignal  string
)

// rootCmd is the appz command
var rootCmd = &cobra.Command{
	Use:           "appz",
	Short:         "Run and supervise pools of worker processes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&homeDir, "home", "", "home directory (default $APPZ_HOME or ~/.appz)")
	flags.StringVar(&socketPath, "socket", "", "control socket path (default <home>/appz.sock)")
	flags.BoolVar(&noAutoStart, "no-autostart", false, "fail instead of starting the daemon")

	rootCmd.AddCommand(
		startCmd, stopCmd, restartCmd, restartAllCmd,
		listCmd, infoCmd, logsCmd,
		exitCmd, resurrectCmd, pingCmd, upgradeCmd, versionCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", errorMessage(err))
		os.Exit(1)
	}
}

func errorMessage(err error) string {
	var re *appz.RemoteError
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}

// newClient builds a client from the global flags
func newClient() (*appz.Client, error) {
	path := socketPath
	if path == "" {
		home := homeDir
		if home == "" {
			dir, err := appz.HomeDir()
			if err != nil {
				return nil, err
			}
			home = dir
		}
		if err := os.MkdirAll(home, appz.DirMode); err != nil {
			return nil, err
		}
		path = appz.SocketPath(home)
	}

	return appz.NewClient(path,
		appz.WithAutoStart(!noAutoStart),
		appz.WithOutput(os.Stdout, os.Stderr),
	), nil
}

// addKillFlags registers the grace period and signal flags on cmd
func addKillFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVarP(&killTimeout, "timeout", "t", appz.DefaultKillTimeout, "grace period before workers are killed (negative waits forever)")
	cmd.Flags().StringVarP(&killSignal, "signal", "s", "SIGTERM", "signal sent after the grace period")
}

func killOptions() appz.KillOptions {
	return appz.KillOptions{
		Timeout: appz.GraceTimeout(killTimeout),
		Signal:  killSignal,
	}
}

func addImmediateFlag(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&immediate, "immediate", "i", false, "return once the daemon accepts the command")
}
