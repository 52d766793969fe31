package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/manifest"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/platform"
)

func buildCommand(getConfig func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [manifest-name]",
		Short: "Stage per-platform image archives into a manifest directory",
		Long: `Stage per-platform image archives into a manifest directory.

The manifest is either taken from a "manifest" block in the configuration,
selected by name, or described entirely by the --name, --tag, and --image
options. The output directory contains metadata.json, an images directory
with one compressed archive per platform, and a "push" helper script.`,
		Args: cobra.MaximumNArgs(1),
	}
	outDir := cmd.Flags().String("out", "", "Directory to write the manifest to (required)")
	force := cmd.Flags().Bool("force", false, "Replace the contents of an existing output directory")
	name := cmd.Flags().String("name", "", "Name of a manifest described on the command line")
	tag := cmd.Flags().String("tag", "", "Tag of a manifest described on the command line (default \"latest\")")
	images := cmd.Flags().StringArray("image", nil, "An image for a manifest described on the command line, as PLATFORM=PATH, like linux/amd64=./amd64.tar.gz; repeat for each platform")
	_ = cmd.MarkFlagRequired("out")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var desc *manifest.Descriptor
		switch {
		case len(args) == 1:
			if *name != "" || len(*images) != 0 {
				return fmt.Errorf("a manifest name argument cannot be combined with the --name or --image options")
			}
			m, ok := getConfig().Manifests[args[0]]
			if !ok {
				return fmt.Errorf("no manifest named %q is declared in the configuration", args[0])
			}
			desc = m.Descriptor()
		case *name != "" || len(*images) != 0:
			var err error
			desc, err = descriptorFromFlags(*name, *tag, *images)
			if err != nil {
				return err
			}
		default:
			manifests := getConfig().Manifests
			if len(manifests) != 1 {
				names := make([]string, 0, len(manifests))
				for n := range manifests {
					names = append(names, n)
				}
				sort.Strings(names)
				if len(names) == 0 {
					return fmt.Errorf("no manifest to build: either declare one in the configuration or use the --name and --image options")
				}
				return fmt.Errorf("the configuration declares several manifests, so choose one of: %s", strings.Join(names, ", "))
			}
			for _, m := range manifests {
				desc = m.Descriptor()
			}
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		result, err := manifest.Build(ctx, desc, *outDir, manifest.BuildOptions{Force: *force})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, staged := range result.Staged {
			fmt.Fprintf(out, "%-16s %s %s\n", staged.Platform, staged.Digest, filepath.Join(result.Dir, staged.Path))
		}
		fmt.Fprintf(out, "\nManifest %s:%s with %d images is ready in %s.\n", result.Metadata.Name, result.Metadata.Tag, result.Metadata.ImageCount, result.Dir)
		fmt.Fprintf(out, "Publish it with: %s <registry-target-reference>\n", filepath.Join(result.Dir, manifest.PushHelperFilename))
		return nil
	}
	return cmd
}

// descriptorFromFlags builds a manifest descriptor from the command line
// options, preserving the order in which the images were given.
func descriptorFromFlags(name, tag string, images []string) (*manifest.Descriptor, error) {
	ret := &manifest.Descriptor{
		Name: name,
		Tag:  tag,
	}
	for _, raw := range images {
		pStr, path, ok := strings.Cut(raw, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid --image value %q: must be PLATFORM=PATH", raw)
		}
		p, err := platform.Parse(pStr)
		if err != nil {
			return nil, fmt.Errorf("invalid platform %q in --image: %w", pStr, err)
		}
		ret.Images = append(ret.Images, manifest.Image{
			Platform: p,
			Path:     path,
		})
	}
	return ret, nil
}
