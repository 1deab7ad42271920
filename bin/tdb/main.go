package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pattyshack/tdb/config"
	"github.com/pattyshack/tdb/debugger"
	"github.com/pattyshack/tdb/debugger/inferior"
	"github.com/pattyshack/tdb/debugger/symbols"
	"github.com/pattyshack/tdb/logflags"
)

const (
	exitOK          = 0
	exitLaunchError = 1
	exitUsageError  = 2
)

// Only flag/config failures are usage errors.  Everything after the REPL
// starts reports its own exit code.
var errUsage = errors.New("usage error")

func newRootCommand(exitCode *int) *cobra.Command {
	configFile := ""

	root := &cobra.Command{
		Use:   "tdb [flags] <program> [args...]",
		Short: "tdb is a ptrace based debugger for linux x86-64 programs",
		Long: "tdb launches <program> under trace and accepts breakpoint, " +
			"watchpoint, run/continue/stepi and inspection commands.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}

			err = logflags.Setup(cfg.Log, cfg.LogOutput, cfg.LogDest)
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}

			*exitCode = run(cfg, args[0], args[1:])
			return nil
		},
	}

	// Everything after the program path belongs to the program.
	root.Flags().SetInterspersed(false)
	root.Flags().StringVar(
		&configFile,
		"config",
		"",
		"config file (default $XDG_CONFIG_HOME/tdb/config.yaml)")
	config.RegisterFlags(root.Flags())

	return root
}

func newResolver(cfg *config.Config, path string) symbols.Resolver {
	resolver, err := symbols.Open(path, cfg.SymbolCacheSize)
	if err != nil {
		logflags.SessionLogger().Warnf(
			"symbols unavailable for %s: %s",
			path,
			err)
		return symbols.Empty{}
	}
	return resolver
}

// Without --tty the target shares the debugger's std streams, including the
// stdin the prompt reads from.
func launchOptions(cfg *config.Config) inferior.LaunchOptions {
	return inferior.LaunchOptions{
		DisableASLR: cfg.DisableASLR,
		PassSignals: cfg.PassSignals,
		TTY:         cfg.TTY,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

func newLauncher(cfg *config.Config, out io.Writer) debugger.Launcher {
	return func(path string, args []string) (inferior.Handle, error) {
		proc, err := inferior.Launch(path, args, launchOptions(cfg))
		if err != nil {
			return nil, err
		}

		terminal := proc.Terminal()
		if terminal != nil {
			go func() {
				// Returns once the terminal is closed.
				_, _ = io.Copy(out, terminal)
			}()
		}

		return proc, nil
	}
}

func run(cfg *config.Config, path string, args []string) int {
	session := debugger.NewSession(
		path,
		args,
		newLauncher(cfg, os.Stdout),
		newResolver(cfg, path))

	repl, err := newREPL(cfg, session, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start prompt:", err)
		return exitUsageError
	}
	defer repl.Close()

	repl.Loop()

	err = session.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to close session:", err)
	}

	if repl.launchFailed {
		return exitLaunchError
	}
	return exitOK
}

func main() {
	exitCode := exitOK
	err := newRootCommand(&exitCode).Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitUsageError)
	}

	os.Exit(exitCode)
}
