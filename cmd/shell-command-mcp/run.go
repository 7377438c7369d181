package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/deixis/shellcommand/internal/output"
	"github.com/deixis/shellcommand/internal/runner"
	"github.com/spf13/cobra"
)

type runFlags struct {
	mode    string
	cwd     string
	env     []string
	timeout time.Duration
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [script]",
		Short: "Run a script and stream its output",
		Long: `Run a bash script with the server's runner and print its output.

The script is taken from the argument, or read from stdin when omitted.
The command exits with the script's exit code, or 125 when the script
could not start, timed out, or was interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, g, f, args)
		},
	}
	cmd.Flags().StringVar(&f.mode, "mode", "line", "output granularity: "+strings.Join(output.ModeNames(), ", "))
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "working directory, relative to the workspace")
	cmd.Flags().StringArrayVar(&f.env, "env", nil, "environment override KEY=VALUE (repeatable)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "kill the script after this long (e.g. 30s)")
	return cmd
}

func runScript(cmd *cobra.Command, g *globalFlags, f runFlags, args []string) error {
	mode, err := output.ParseMode(f.mode)
	if err != nil {
		return err
	}
	env, err := parseEnv(f.env)
	if err != nil {
		return err
	}

	var script string
	if len(args) == 1 {
		script = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading script: %w", err)
		}
		script = string(data)
	}

	cfg, wd, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	r := newRunner(cfg, wd, &log)

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	term := output.NotifyFunc(func(_ context.Context, ev output.Event) error {
		w := stdout
		if ev.Origin == output.Stderr {
			w = stderr
		}
		_, err := io.WriteString(w, ev.Text)
		return err
	})
	sink := output.NewStreamingSink(cmd.Context(), term, output.StreamOptions{
		Coalesce: output.CoalesceFor(mode),
		Logger:   &log,
	})

	res, err := r.Run(cmd.Context(), runner.Request{
		Script:  script,
		Cwd:     f.cwd,
		Env:     env,
		Timeout: f.timeout,
	}, mode, sink)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return &exitCodeError{code: failureExitCode}
	}

	if mode == output.Complete {
		_, _ = io.WriteString(stdout, res.Stdout)
		_, _ = io.WriteString(stderr, res.Stderr)
	}
	if res.ExitCode != 0 {
		return &exitCodeError{code: res.ExitCode}
	}
	return nil
}

// parseEnv turns KEY=VALUE pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q: want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}
