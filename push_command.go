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

// toolFlags are the options shared by the commands that write to a
// registry.
type toolFlags struct {
	copyTool    string
	composeTool string
}

func (f *toolFlags) register(cmd *cobra.Command, compose bool) {
	cmd.Flags().StringVar(&f.copyTool, "copy-tool", "", "How to upload images: \"native\" or \"skopeo\" (default from configuration)")
	if compose {
		cmd.Flags().StringVar(&f.composeTool, "compose-tool", "", "How to publish the manifest list: \"native\" or \"crane\" (default from configuration)")
	}
}

// resolve fills in the tools and transport options from the configuration
// wherever the command line didn't choose.
func (f *toolFlags) resolve(cfg *config.Registry, settings *config.PushSettings) (copyTool, composeTool string) {
	copyTool, composeTool = f.copyTool, f.composeTool
	if copyTool == "" {
		copyTool = cfg.CopyTool
	}
	if composeTool == "" {
		composeTool = cfg.ComposeTool
	}
	if cfg.PlainHTTP {
		settings.PlainHTTP = true
	}
	return copyTool, composeTool
}

func pushCommand(getConfig func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <registry-target-reference>",
		Short: "Publish a manifest directory as a multi-architecture manifest list",
		Long: `Publish a manifest directory as a multi-architecture manifest list.

Each platform's image is pushed under the target tag with the platform
appended, like registry.example/app:v1-linux-amd64, and then a manifest list
referencing all of them is pushed under the target tag itself.

The registry token is read from REGISTRY_TOKEN. If REGISTRY_USERNAME is also
set then the token is sent as that user's password. Set INSECURE_POLICY=true
to skip signature policy checks in external copy tools, and
REGISTRY_PLAIN_HTTP=true to reach the registry without TLS.`,
		Args: cobra.ExactArgs(1),
	}
	dir := cmd.Flags().String("dir", ".", "Manifest directory written by the build command")
	var tools toolFlags
	tools.register(cmd, true)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		settings, err := config.PushSettingsFromEnv(os.Getenv, args[0])
		if err != nil {
			return err
		}
		copyTool, composeTool := tools.resolve(getConfig().Registry, &settings)
		runner := &command.Exec{Stderr: cmd.ErrOrStderr()}
		copier, err := registry.NewCopier(copyTool, settings, runner)
		if err != nil {
			return err
		}
		composer, err := registry.NewComposer(composeTool, settings, runner)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		result, err := pipeline.Push(ctx, *dir, settings, pipeline.PushDeps{
			Copier:   copier,
			Composer: composer,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, pr := range result.Platforms {
			fmt.Fprintf(out, "%-16s %s\n", pr.Platform, pr.Ref)
		}
		fmt.Fprintf(out, "\nPublished %s for %d platforms.\n", result.Target, len(result.Platforms))
		return nil
	}
	return cmd
}
