// Command shell-command-mcp serves bash execution tools over MCP and runs
// scripts from the terminal with the same runner.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/deixis/shellcommand"
	"github.com/deixis/shellcommand/internal/config"
	"github.com/deixis/shellcommand/internal/history"
	"github.com/deixis/shellcommand/internal/logging"
	shellmcp "github.com/deixis/shellcommand/internal/mcp"
	"github.com/deixis/shellcommand/internal/runner"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// failureExitCode is returned by run when the script could not run to
// completion.
const failureExitCode = 125

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	fmt.Fprintf(os.Stderr, "shell-command-mcp: %v\n", err)
	os.Exit(1)
}

// exitCodeError carries a process exit code out of a command.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:   "shell-command-mcp",
		Short: "Bash execution tools for MCP clients",
		Long: `shell-command-mcp runs bash scripts on behalf of MCP clients.

Each execution gets its own bash process. Output can be returned when the
script finishes or streamed as progress notifications by line, chunk or
character.`,
		Version:       shellcommand.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default: "+config.FileName+" found upward from the working directory)")

	root.AddCommand(
		newServeCmd(&g),
		newRunCmd(&g),
		newInstructionsCmd(),
		newVersionCmd(),
	)
	return root
}

func newInstructionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instructions",
		Short: "Print the model instructions published by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), shellmcp.Instructions)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), shellcommand.Version)
			return err
		},
	}
}

// loadConfig reads the explicit config file, or searches upward from the
// working directory. It also returns the directory used as the default
// workspace.
func loadConfig(path string) (*config.Config, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("determining working directory: %w", err)
	}
	var loaded *config.LoadResult
	if path != "" {
		loaded, err = config.LoadFile(path)
	} else {
		loaded, err = config.Load(wd)
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return loaded.Config, wd, nil
}

// newRunner maps configuration onto a Runner. An unset workspace defaults
// to wd.
func newRunner(cfg *config.Config, wd string, log *zerolog.Logger) *runner.Runner {
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = wd
	}
	return &runner.Runner{
		Shell:      cfg.ShellPath(),
		ShellArgs:  cfg.ShellArgs,
		Workspace:  workspace,
		Confine:    cfg.Confine,
		Env:        cfg.Env,
		Timeout:    cfg.Timeout(),
		MaxTimeout: cfg.MaxTimeout(),
		MaxOutput:  cfg.MaxOutputBytes(),
		KillPolicy: runner.KillPolicy(cfg.KillPolicy),
		Logger:     log,
	}
}

// openStore builds the history store: an LRU in front of the configured
// persistent backend. The returned func releases the backend.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (history.Store, func() error, error) {
	h := cfg.History
	switch h.BackendOrDefault() {
	case "sqlite":
		path := h.Path
		if path == "" {
			dir, err := os.UserCacheDir()
			if err != nil {
				return nil, nil, fmt.Errorf("locating history database: %w", err)
			}
			path = filepath.Join(dir, "shell-command-mcp", "history.db")
		}
		db, err := history.OpenSQLite(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		if keep := h.Retention(); keep > 0 {
			n, err := db.Prune(ctx, timeNow().Add(-keep))
			if err != nil {
				log.Warn().Err(err).Msg("pruning history")
			} else if n > 0 {
				log.Info().Int64("records", n).Msg("pruned history")
			}
		}
		return history.NewLRUStore(h.CapacityOrDefault(), db), db.Close, nil
	default:
		disk := history.NewDiskStore(h.Path)
		return history.NewLRUStore(h.CapacityOrDefault(), disk), func() error { return nil }, nil
	}
}

// newLogger writes to stderr. quiet raises the default level to warn so
// the run command's terminal output is not interleaved with lifecycle logs.
func newLogger(cfg *config.Config, quiet bool) (zerolog.Logger, error) {
	level := cfg.Log.Level
	if level == "" && quiet {
		level = "warn"
	}
	return logging.New(os.Stderr, level, cfg.Log.Format)
}
