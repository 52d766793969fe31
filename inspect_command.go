package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/ocidist"
)

func inspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <registry-reference>",
		Short: "Show the platforms of a published manifest list",
		Long: `Show the platforms of a published manifest list, along with the
platform-specific tags that were pushed alongside it. Each platform tag must
resolve to a single-platform image manifest.

REGISTRY_TOKEN and REGISTRY_USERNAME are used to authenticate if set.`,
		Args: cobra.ExactArgs(1),
	}
	plainHTTP := cmd.Flags().Bool("plain-http", false, "Reach the registry without TLS")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ref, err := ocidist.ParseImageReference(args[0])
		if err != nil {
			return config.InvalidTargetError{Target: args[0], Err: err}
		}
		client := ocidist.NewClientForHost(ref.Host, *plainHTTP)
		if token := os.Getenv(config.EnvToken); token != "" {
			client.AddCredentials(os.Getenv(config.EnvUsername), token)
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		if err := client.CheckAPISupport(ctx); err != nil {
			return fmt.Errorf("%s does not support the OCI distribution API: %w", ref.Host, err)
		}
		index, err := client.GetIndex(ctx, ref.Namespace, ref.Reference)
		if err != nil {
			return fmt.Errorf("failed to fetch manifest list %s: %w", ref, err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (%s)\n", ref, index.MediaType)
		for _, entry := range index.Manifests {
			fmt.Fprintf(out, "  %-16s %s %d bytes\n", entry.Platform.String(), entry.Digest, entry.Size)
		}

		tags, err := client.GetNamespaceTags(ctx, ref.Namespace)
		if err != nil {
			return fmt.Errorf("failed to list tags of %s/%s: %w", ref.Host, ref.Namespace, err)
		}
		prefix := ref.Reference.String() + "-"
		var platformTags []ocidist.Reference
		for _, tag := range tags {
			if strings.HasPrefix(tag.String(), prefix) {
				platformTags = append(platformTags, tag)
			}
		}
		if len(platformTags) == 0 {
			return nil
		}
		fmt.Fprintf(out, "\nPlatform tags:\n")
		for _, tag := range platformTags {
			m, err := client.GetManifest(ctx, ref.Namespace, tag)
			if err != nil {
				return fmt.Errorf("platform tag %s does not resolve to an image manifest: %w", tag, err)
			}
			fmt.Fprintf(out, "  %-24s %s %d layers\n", tag, m.MediaType, len(m.Layers))
		}
		return nil
	}
	return cmd
}
