//go:build linux || darwin

package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/throw-out-error/appz"
)

var (
	startName    string
	startPorts   []int
	startWorkers int
	startOutput  string
	startEnv     []string
)

var startCmd = &cobra.Command{
	Use:   "start [dir] [-- args...]",
	Short: "Start the app in dir (default .)",
	Long: `Start the app described by appz.yaml (or package.json) in dir.

The command returns once every worker is available. If any worker exits
first, all workers of the batch are stopped and the command fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		var extra []string
		if n := cmd.ArgsLenAtDash(); n >= 0 {
			extra = args[n:]
			args = args[:n]
		}
		if len(args) > 1 {
			return fmt.Errorf("expected one directory, got %d", len(args))
		}
		if len(args) == 1 {
			dir = args[0]
		}

		env, err := parseEnv(startEnv)
		if err != nil {
			return err
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		res, err := client.Start(cmd.Context(), dir, appz.StartOptions{
			App: appz.AppOptions{
				Name:    startName,
				Ports:   startPorts,
				Workers: startWorkers,
				Output:  startOutput,
			},
			Args:      extra,
			Env:       env,
			Immediate: immediate,
		})
		if err != nil {
			return err
		}
		printStart(res)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <app>",
	Short: "Stop all workers of an app and forget it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		res, err := client.Stop(cmd.Context(), args[0], killOptions(), immediate)
		if err != nil {
			return err
		}
		if res.App == "" {
			fmt.Println("accepted")
			return nil
		}
		fmt.Printf("%s: stopped %d workers\n", res.App, res.Killed)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <app>",
	Short: "Replace the workers of an app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		res, err := client.Restart(cmd.Context(), args[0], killOptions(), immediate)
		if err != nil {
			return err
		}
		printStart(res)
		return nil
	},
}

var restartAllCmd = &cobra.Command{
	Use:   "restart-all",
	Short: "Restart every app",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		res, err := client.RestartAll(cmd.Context(), killOptions(), immediate)
		if err != nil {
			return err
		}
		printStart(res)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List apps and their workers",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		res, err := client.List(cmd.Context())
		if err != nil {
			return err
		}

		names := make([]string, 0, len(res.Stats))
		for name := range res.Stats {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "APP\tAVAILABLE\tPENDING\tKILLED\tWORKERS\tPORTS\tDIR")
		for _, name := range names {
			st := res.Stats[name]
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
				name, st.Available, st.Pending, st.Killed, st.Workers, formatPorts(st.Ports), st.Dir)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if res.IsResurrectable && len(names) > 0 {
			fmt.Println("\nApps were restored from the registry; run `appz resurrect` to start them.")
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <app>",
	Short: "Show details of one app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		st, err := client.Info(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "name:\t%s\n", st.Name)
		fmt.Fprintf(w, "dir:\t%s\n", st.Dir)
		fmt.Fprintf(w, "workers:\t%d (available %d, pending %d, killed %d)\n", st.Workers, st.Available, st.Pending, st.Killed)
		fmt.Fprintf(w, "ports:\t%s\n", formatPorts(st.Ports))
		fmt.Fprintf(w, "revivals:\t%d\n", st.ReviveCount)
		if err := w.Flush(); err != nil {
			return err
		}

		if len(st.Events) > 0 {
			fmt.Println("\nrecent events:")
			for _, ev := range st.Events {
				ts := time.UnixMilli(ev.Timestamp).Format(time.DateTime)
				fmt.Printf("  %s  %-12s %s\n", ts, ev.Kind, ev.Detail)
			}
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs [app]",
	Short: "Stream the output of an app (default: the daemon)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := appz.ReservedName
		if len(args) == 1 {
			app = args[0]
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		return client.Logs(cmd.Context(), app)
	},
}

var exitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Stop all workers and the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		return client.Exit(cmd.Context())
	},
}

var resurrectCmd = &cobra.Command{
	Use:   "resurrect",
	Short: "Start every app saved in the registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		res, err := client.Resurrect(cmd.Context(), immediate)
		if err != nil {
			return err
		}
		printStart(res)
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.Ping(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("pong")
		return nil
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Replace the daemon and resurrect its apps",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		res, err := client.Upgrade(cmd.Context())
		if err != nil {
			return err
		}
		printStart(res)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Args:  cobra.NoArgs,
	Run: func(*cobra.Command, []string) {
		v := appz.GetVersion()
		fmt.Printf("appz %s (protocol %s)\n", v.Version, v.Protocol)
	},
}

func init() {
	startCmd.Flags().StringVarP(&startName, "name", "n", "", "app name (overrides the manifest)")
	startCmd.Flags().IntSliceVarP(&startPorts, "ports", "p", nil, "ports shared by the workers")
	startCmd.Flags().IntVarP(&startWorkers, "workers", "w", 0, "number of workers (default: manifest or CPU count)")
	startCmd.Flags().StringVarP(&startOutput, "output", "o", "", "log directory")
	startCmd.Flags().StringArrayVarP(&startEnv, "env", "e", nil, "environment override KEY=VALUE")

	for _, cmd := range []*cobra.Command{startCmd, stopCmd, restartCmd, restartAllCmd, resurrectCmd} {
		addImmediateFlag(cmd)
	}
	for _, cmd := range []*cobra.Command{stopCmd, restartCmd, restartAllCmd} {
		addKillFlags(cmd)
	}
}

func printStart(res *appz.StartResult) {
	if res.App == "" {
		fmt.Println("accepted")
		return
	}
	fmt.Printf("%s: started %d workers", res.App, res.Started)
	if res.Killed > 0 {
		fmt.Printf(", stopped %d", res.Killed)
	}
	if len(res.Ports) > 0 {
		fmt.Printf(" on %s", formatPorts(res.Ports))
	}
	fmt.Println()
}

func formatPorts(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env %q, expected KEY=VALUE", kv)
		}
		env[k] = v
	}
	return env, nil
}
