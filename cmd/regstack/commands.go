package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/regstack/regstack"
	"github.com/regstack/regstack/internal/catalog"
)

func newRootCmd() *cobra.Command {
	var (
		rootDir string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:           "regstack",
		Short:         "Provision and supervise a local Bitcoin regtest stack",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(verbose)
		},
	}
	cmd.PersistentFlags().StringVar(&rootDir, "root", "", "application data root (default: platform config dir)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newInstallCmd(&rootDir),
		newUpCmd(&rootDir),
		newDownCmd(&rootDir),
		newStatusCmd(&rootDir),
		newLogsCmd(&rootDir),
		newHealthCmd(&rootDir),
		newResetCmd(&rootDir),
		newServeCmd(&rootDir),
		newVersionCmd(),
	)
	return cmd
}

func openStack(root string, opts regstack.Options) (*regstack.Stack, error) {
	opts.Root = root
	return regstack.Open(opts)
}

func newInstallCmd(root *string) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Download and install missing service binaries",
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := openStack(*root, regstack.Options{SkipReclaim: true})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			err = st.Install(func(id catalog.ServiceID, frac float64) {
				fmt.Printf("\r%-12s %5.1f%%", id, frac*100)
				if frac >= 1 {
					fmt.Println()
				}
			})
			if err != nil {
				fmt.Println()
				return err
			}
			fmt.Println("all binaries installed")
			return nil
		},
	}
}

func newUpCmd(root *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Start the whole stack and run until interrupted",
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := openStack(*root, regstack.Options{Mirror: true})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if err := st.Up(); err != nil {
				return err
			}
			fmt.Println("stack is up; press Ctrl-C to stop")
			waitForSignal()
			return st.Down()
		},
	}
}

func newDownCmd(root *string) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop all stack processes, including ones from other sessions",
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := openStack(*root, regstack.Options{SkipReclaim: true})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			st.Supervisor().ReclaimOrphans(st.Config())
			fmt.Println("stack is down")
			return nil
		},
	}
}

func newStatusCmd(root *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of every service",
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := openStack(*root, regstack.Options{SkipReclaim: true})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			fmt.Printf("%-10s %-8s %-7s %-9s %-6s %s\n", "SERVICE", "STATE", "PID", "UPTIME", "PORT", "VERSION")
			for _, s := range st.Status() {
				pid, uptime := "-", "-"
				if s.PID != 0 {
					pid = fmt.Sprint(s.PID)
				}
				if s.UptimeSecs > 0 {
					uptime = (time.Duration(s.UptimeSecs) * time.Second).String()
				}
				ver := s.Version
				if ver == "" {
					ver = "-"
				}
				fmt.Printf("%-10s %-8s %-7s %-9s %-6d %s\n", s.ID, s.State, pid, uptime, s.Port, ver)
			}
			return nil
		},
	}
}

func newLogsCmd(root *string) *cobra.Command {
	var (
		service string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print captured service output",
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := openStack(*root, regstack.Options{SkipReclaim: true})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			for _, e := range st.Logs(service, limit) {
				stream := "out"
				if e.IsStderr {
					stream = "err"
				}
				fmt.Printf("%s [%s/%s] %s\n", time.UnixMilli(e.Timestamp).Format(time.RFC3339), e.Service, stream, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&service, "service", "s", "", "only show one service's output")
	cmd.Flags().IntVarP(&limit, "limit", "n", 200, "maximum entries to print")
	return cmd
}

func newHealthCmd(root *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health <service>",
		Short: "Probe one service's HTTP endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := catalog.Parse(args[0])
			if err != nil {
				return err
			}
			st, err := openStack(*root, regstack.Options{SkipReclaim: true})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if !st.Healthy(id) {
				return fmt.Errorf("%s is not healthy", id)
			}
			fmt.Printf("%s is healthy\n", id)
			return nil
		},
	}
}

func newResetCmd(root *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Stop everything and wipe all service data directories",
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := openStack(*root, regstack.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if err := st.Reset(); err != nil {
				return err
			}
			fmt.Println("data reset complete")
			return nil
		},
	}
}

func newServeCmd(root *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API server",
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := openStack(*root, regstack.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			srv := st.Serve(listen)
			fmt.Printf("control API listening on %s\n", listen)
			waitForSignal()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:18890", "control API listen address")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the regstack version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("regstack", version)
		},
	}
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
