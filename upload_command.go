package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/command"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/pipeline"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/registry"
)

func uploadCommand(getConfig func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Build a single image and push it to a registry",
		Long: `Build a single image and push it to a registry.

The image is built by running the configured build command with the value of
IMAGE_BUILD_REF appended, and is pushed to IMAGE_TARGET using the token in
REGISTRY_TOKEN. All three environment variables are required.`,
		Args: cobra.NoArgs,
	}
	var tools toolFlags
	tools.register(cmd, false)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		settings, err := config.UploadSettingsFromEnv(os.Getenv)
		if err != nil {
			return err
		}
		cfg := getConfig()
		copyTool, _ := tools.resolve(cfg.Registry, &settings.Push)
		runner := &command.Exec{Stderr: cmd.ErrOrStderr()}
		copier, err := registry.NewCopier(copyTool, settings.Push, runner)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		result, err := pipeline.Upload(ctx, settings, pipeline.UploadDeps{
			Builder: &pipeline.CommandBuilder{
				Command: cfg.Upload.BuildCommand,
				Runner:  runner,
			},
			Copier: copier,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pushed %s to %s.\n", result.Artifact, result.Target)
		return nil
	}
	return cmd
}
