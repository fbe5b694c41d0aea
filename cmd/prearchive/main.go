// The prearchive command bundles the development and administration
// workflows: driving the docker compose stack, running tests and binaries,
// and one-off maintenance such as sweeping stuck sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openmir/prearchive/internal/config"
	"github.com/openmir/prearchive/internal/database"
	"github.com/openmir/prearchive/internal/logging"
	"github.com/openmir/prearchive/internal/reaper"
	"github.com/openmir/prearchive/internal/store"
)

var composeFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:          "prearchive",
		Short:        "Development and administration commands for the prearchive stack",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "compose file for stack commands")
	root.AddCommand(stackCommands()...)
	root.AddCommand(newTestCmd(), newRunCmd(), newReapCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "prearchive: %v\n", err)
		os.Exit(1)
	}
}

// stackCommands are thin wrappers over docker compose; any extra arguments
// pass through to compose unchanged.
func stackCommands() []*cobra.Command {
	wrap := func(use, short string, compose ...string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				full := append([]string{"compose", "-f", composeFile}, compose...)
				return run(cmd.Context(), "docker", append(full, args...)...)
			},
		}
	}
	return []*cobra.Command{
		wrap("build [service...]", "Build the stack images", "build"),
		wrap("up [service...]", "Build and start the stack in the background", "up", "--build", "-d"),
		wrap("down", "Stop the stack", "down"),
		wrap("logs [service...]", "Stream logs from stack services", "logs", "-f"),
	}
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test [packages]",
		Short: "Run the Go tests with the race detector",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"./..."}
			}
			return run(cmd.Context(), "go", append([]string{"test", "-race"}, args...)...)
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one of the binaries directly via go run",
	}
	for _, svc := range []struct{ name, path string }{
		{"server", "./cmd/server"},
		{"worker", "./cmd/worker"},
	} {
		path := svc.path
		cmd.AddCommand(&cobra.Command{
			Use:   svc.name,
			Short: "go run " + path,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), "go", append([]string{"run", path}, args...)...)
			},
		})
	}
	return cmd
}

// newReapCmd runs one reaper sweep immediately, for operators dealing with a
// session stuck in an in-flight status right now.
func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Force-reset stale in-flight sessions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			st := store.NewPostgresStore(pool)
			reset, err := reaper.New(st, cfg.Lease, logger).Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("reset %d stale session(s)\n", reset)
			return nil
		},
	}
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
