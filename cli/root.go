// Package cli implements the ragbuild command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/smallnest/ragbuild/config"
	"github.com/smallnest/ragbuild/engine"
	"github.com/smallnest/ragbuild/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitInvalidDocument = 2
)

// ExitError is an error that carries a specific exit code.
type ExitError struct {
	Code int
	Err  error
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// flagKeys maps command flags to the configuration keys they override.
var flagKeys = map[string]string{
	"log-level":  "logging.level",
	"workers":    "executor.workers",
	"work-dir":   "executor.work_dir",
	"dry-run":    "executor.dry_run",
	"strict":     "executor.strict_dependencies",
	"provider":   "generation.provider",
	"model":      "generation.model",
	"budget":     "context.budget_tokens",
	"report-dir": "report.path",
}

// app holds what every command shares once the configuration is loaded.
type app struct {
	cfgFile string
	cfg     *config.Config
	deps    engine.Deps
}

// engine creates an engine for the loaded configuration.
func (a *app) engine(ctx context.Context) (*engine.Engine, error) {
	return engine.New(ctx, a.cfg, a.deps)
}

// initConfig reads the config file and environment, then applies the flags
// set on cmd.
func (a *app) initConfig(cmd *cobra.Command) error {
	v, err := config.New(a.cfgFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if a.deps.Logger == nil {
		level, err := log.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return err
		}
		a.deps.Logger = log.NewLogger(cmd.ErrOrStderr(), level)
	}
	return nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewRootCommand creates the ragbuild command tree. deps is handed to every
// engine the commands create; tests use it to inject components.
func NewRootCommand(deps engine.Deps) *cobra.Command {
	a := &app{deps: deps}
	root := &cobra.Command{
		Use:   "ragbuild",
		Short: "Run build documents with retrieval-augmented content generation",
		Long: `ragbuild turns a build document into a dependency graph of steps and runs it.

Steps that carry a prompt get their content from a language model, given
context retrieved from the document itself. Generated content is cached,
critical failures are rolled back and every run is recorded.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./ragbuild.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error or disable")

	root.AddCommand(
		newBuildCommand(a),
		newPlanCommand(a),
		newCacheCommand(a),
		newRunsCommand(a),
		newReportCommand(a),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(engine.Deps{})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	fmt.Fprintln(stderr, errorStyle.Render("Error: "+err.Error()))
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if engine.IsInvalidDocument(err) {
		return ExitInvalidDocument
	}
	return ExitFailure
}
