package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/apparentlymart/go-userdirs/userdirs"
	"github.com/hashicorp/hcl/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/logging"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/pipeline"
)

func main() {
	err := rootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(pipeline.ExitCode(err))
	}
}

// errInvalidConfig is returned after configuration diagnostics have already
// been printed.
var errInvalidConfig = errors.New("configuration is invalid")

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "oci-multiarch-publisher",
		Short:         "Stage per-platform container images and publish them to a registry as one multi-architecture manifest.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetUsageTemplate(usageTemplate)
	cmdLineConfigFile := root.PersistentFlags().String("config", "", "Configuration file to use")
	verbosity := root.PersistentFlags().StringP("verbosity", "v", "info", "Log level: one of panic, fatal, error, warn, info, debug, or trace")
	var globalConfig *config.Config

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(*verbosity)
		if err != nil {
			return fmt.Errorf("invalid verbosity: %w", err)
		}
		logrus.SetLevel(level)
		logrus.SetOutput(cmd.ErrOrStderr())
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		configFile := *cmdLineConfigFile
		if configFile == "" {
			candidates := dirs.FindConfigFiles("config.hcl")
			if len(candidates) > 1 {
				fmt.Fprintf(
					cmd.ErrOrStderr(),
					"Error: Multiple configuration files found.\n\nUse the --config option to specify which configuration file to use.\nFound the following configuration files:\n",
				)
				for _, filename := range candidates {
					fmt.Fprintf(cmd.ErrOrStderr(), " - %s\n", filename)
				}
				return errInvalidConfig
			}
			if len(candidates) == 0 {
				// Everything can be given on the command line and in the
				// environment, so the configuration file is optional.
				globalConfig = config.Empty()
				return nil
			}
			configFile = candidates[0]
		}
		logrus.WithField("filename", configFile).Debug("loading configuration")

		gotConfig, diags := config.LoadConfigFile(configFile, os.Environ())
		printDiagnostics(cmd, diags)
		if diags.HasErrors() {
			return errInvalidConfig
		}
		globalConfig = gotConfig
		return nil
	}
	getConfig := func() *config.Config {
		return globalConfig
	}

	root.AddCommand(
		buildCommand(getConfig),
		pushCommand(getConfig),
		uploadCommand(getConfig),
		inspectCommand(),
	)

	return root
}

func printDiagnostics(cmd *cobra.Command, diags hcl.Diagnostics) {
	for _, diag := range diags {
		severity := "Problem"
		switch diag.Severity {
		case hcl.DiagError:
			severity = "Error"
		case hcl.DiagWarning:
			severity = "Warning"
		}
		prefix := severity
		if diag.Subject != nil {
			prefix = fmt.Sprintf("%s at %s", severity, *diag.Subject)
		}
		detail := ""
		if diag.Detail != "" {
			detail = "\n\n" + diag.Detail + "\n"
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s%s\n", prefix, diag.Summary, detail)
	}
}

// commandContext returns a context that is cancelled when the process
// receives an interrupt signal, carrying the root logger.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(cmd.Context())
	go func() {
		defer cancel()

		signalCh := make(chan os.Signal, 1)
		signal.Notify(signalCh, os.Interrupt)
		defer signal.Stop(signalCh)

		select {
		case <-signalCh:
			logrus.Warn("interrupted")
		case <-ctx.Done():
		}
	}()
	ctx = logging.ContextWithLogger(ctx, logrus.WithField("command", cmd.Name()))
	return ctx, cancel
}

var dirs = userdirs.ForApp(
	"OCI Multi-arch Publisher",
	"apparentlymart",
	"io.github.apparentlymart.oci-multiarch-publisher",
)

const usageTemplate = `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}

Available subcommands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Options:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global options:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}

Exit status is 0 on success, 1 for usage or configuration errors, 2 for
build or artifact errors, 3 for upload errors, and 4 when publishing the
manifest list fails.
`
