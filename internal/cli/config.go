package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/roach88/acksync/internal/config"
)

// ConfigValidateResult is the output of config validate.
type ConfigValidateResult struct {
	File  string `json:"file"`
	Valid bool   `json:"valid"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and inspect configuration",
	}

	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	cmd.AddCommand(newConfigShowCommand(rootOpts))

	return cmd
}

func newConfigValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a config file",
		Long: `Load a .yaml, .yml or .cue config file on top of the defaults and
ACKSYNC_* environment variables, and report every invalid value.

Exit codes:
  0 - Config is valid
  1 - Config is invalid
  2 - Command error (missing file, etc.)

Examples:
  ackctl config validate ./acksync.yaml
  ackctl config validate ./acksync.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func newConfigShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [file]",
		Short: "Print the effective configuration",
		Long: `Print the configuration after layering defaults, the optional file
(argument or --config) and ACKSYNC_* environment variables.

Examples:
  ackctl config show
  ackctl config show ./acksync.yaml --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runConfigShow(opts, path, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runConfigValidate(opts *RootOptions, path string, stdout, stderr io.Writer) error {
	f := newFormatter(opts, stdout, stderr)

	if !fileExists(path) {
		return f.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("config file not found: %s", path), nil)
	}

	if _, err := config.Load(path); err != nil {
		var details []string
		for _, e := range multierr.Errors(unwrapInvalid(err)) {
			details = append(details, e.Error())
		}
		if opts.Format == "json" {
			if outErr := f.Error(ErrCodeInvalidConfig, fmt.Sprintf("invalid config: %s", path), details); outErr != nil {
				return outErr
			}
		} else {
			fmt.Fprintf(stdout, "✗ %s\n", path)
			for _, d := range details {
				fmt.Fprintf(stdout, "  %s\n", d)
			}
		}
		return WrapExitError(ExitFailure, "invalid config", err)
	}

	if opts.Format == "json" {
		return f.Success(ConfigValidateResult{File: path, Valid: true})
	}
	fmt.Fprintf(stdout, "✓ %s\n", path)
	return nil
}

// unwrapInvalid strips the "invalid config" wrapper so the combined
// validation errors can be listed one per line.
func unwrapInvalid(err error) error {
	if inner := errors.Unwrap(err); inner != nil && len(multierr.Errors(inner)) > 1 {
		return inner
	}
	return err
}

func runConfigShow(opts *RootOptions, path string, stdout, stderr io.Writer) error {
	f := newFormatter(opts, stdout, stderr)

	cfg, err := config.Load(path)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeInvalidConfig, "failed to load config", err)
	}
	f.VerboseLog("Loaded config from %q", path)

	// Durations render as "1s" in YAML; JSON output reuses that form.
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if opts.Format == "json" {
		var view map[string]any
		if err := yaml.Unmarshal(data, &view); err != nil {
			return fmt.Errorf("convert config: %w", err)
		}
		return f.Success(view)
	}

	_, err = stdout.Write(data)
	return err
}
