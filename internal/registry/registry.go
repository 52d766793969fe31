// Package registry contains the collaborators that move content into a
// container registry: copiers, which upload a local image archive under a
// tag, and composers, which publish a manifest list referencing several
// already-uploaded images.
//
// Each collaborator has a native implementation that talks to the registry
// directly and an implementation that delegates to a well-known external
// tool.
package registry

import (
	"context"
	"fmt"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/command"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/platform"
)

// Copier uploads a local compressed image archive to a registry reference.
type Copier interface {
	Copy(ctx context.Context, archivePath, ref string) error
}

// Composer publishes a manifest list under target that references each of
// the given entries.
type Composer interface {
	Compose(ctx context.Context, target string, entries []Entry) error
}

// Entry is one already-pushed image to include in a manifest list.
type Entry struct {
	Ref      string
	Platform platform.Platform
}

// NewCopier returns the copier for the named tool, which is one of the
// tool names accepted in the "registry" configuration block.
func NewCopier(tool string, settings config.PushSettings, runner command.Runner) (Copier, error) {
	switch tool {
	case config.ToolNative, "":
		return NewRemoteCopier(settings), nil
	case config.ToolSkopeo:
		return &SkopeoCopier{Settings: settings, Runner: runner}, nil
	default:
		return nil, fmt.Errorf("unsupported copy tool %q", tool)
	}
}

// NewComposer returns the composer for the named tool, which is one of the
// tool names accepted in the "registry" configuration block.
func NewComposer(tool string, settings config.PushSettings, runner command.Runner) (Composer, error) {
	switch tool {
	case config.ToolNative, "":
		return NewRemoteComposer(settings), nil
	case config.ToolCrane:
		return &CraneComposer{Settings: settings, Runner: runner}, nil
	default:
		return nil, fmt.Errorf("unsupported manifest list tool %q", tool)
	}
}
