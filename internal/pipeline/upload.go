package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/command"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/logging"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/registry"
)

// Builder produces a single image archive from a build reference and returns
// the archive's path.
type Builder interface {
	Build(ctx context.Context, buildRef string) (string, error)
}

// CommandBuilder is a [Builder] that runs an external build command with the
// build reference as its final argument.
//
// The command must print the path of the archive it produced as the last
// non-empty line of its standard output, as "nix build --print-out-paths"
// does.
type CommandBuilder struct {
	Command []string
	Runner  command.Runner
}

var _ Builder = (*CommandBuilder)(nil)

func (b *CommandBuilder) Build(ctx context.Context, buildRef string) (string, error) {
	if len(b.Command) == 0 {
		return "", fmt.Errorf("no build command is configured")
	}
	args := make([]string, 0, len(b.Command))
	args = append(args, b.Command[1:]...)
	args = append(args, buildRef)

	result, err := b.Runner.Run(ctx, b.Command[0], args)
	if err != nil {
		return "", fmt.Errorf("failed to build %s: %w", buildRef, err)
	}
	path := lastLine(result.Stdout)
	if path == "" {
		return "", fmt.Errorf("build of %s did not report an output path", buildRef)
	}
	return path, nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// UploadDeps are the collaborators that [Upload] delegates to.
type UploadDeps struct {
	Builder Builder
	Copier  registry.Copier
}

// UploadResult describes a completed single-image upload.
type UploadResult struct {
	Target   string
	State    State
	Artifact string
}

// Upload builds a single image and pushes it to the target in settings.
//
// All of the settings are checked before the build starts. On failure the
// returned result is still non-nil and the error is an [*Error].
func Upload(ctx context.Context, settings config.UploadSettings, deps UploadDeps) (*UploadResult, error) {
	ret := &UploadResult{
		Target: settings.Push.Target,
		State:  StateValidating,
	}
	logger := logging.ContextLogger(ctx).WithField("target", settings.Push.Target)
	ctx = logging.ContextWithLogger(ctx, logger)
	failed := func(kind Kind, err error) (*UploadResult, error) {
		step := ret.State
		ret.State = StateFailed
		logger.WithField("state", step).Errorf("upload failed: %s", err)
		return ret, fail(kind, step, err, nil)
	}

	var missing []string
	if settings.Push.Credentials.Token == "" {
		missing = append(missing, config.EnvToken)
	}
	if settings.Push.Target == "" {
		missing = append(missing, config.EnvTarget)
	}
	if settings.BuildRef == "" {
		missing = append(missing, config.EnvBuildRef)
	}
	if len(missing) != 0 {
		return failed(KindConfig, missingSettings(missing...))
	}

	ret.State = StateBuilding
	artifact, err := deps.Builder.Build(ctx, settings.BuildRef)
	if err != nil {
		return failed(KindArtifact, err)
	}
	ret.Artifact = artifact
	if err := checkArtifact(artifact); err != nil {
		return failed(KindArtifact, err)
	}
	logger.WithField("artifact", artifact).Infof("built %s", settings.BuildRef)

	ret.State = StatePushing
	if err := deps.Copier.Copy(ctx, artifact, settings.Push.Target); err != nil {
		return failed(KindUpload, err)
	}

	ret.State = StateDone
	logger.Infof("pushed %s", settings.Push.Target)
	return ret, nil
}

func checkArtifact(path string) error {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ArtifactError{Path: path, Reason: "does not exist"}
	case err != nil:
		return fmt.Errorf("failed to inspect artifact %s: %w", path, err)
	case !info.Mode().IsRegular():
		return ArtifactError{Path: path, Reason: "is not a regular file"}
	case info.Size() == 0:
		return ArtifactError{Path: path, Reason: "is empty"}
	}
	return nil
}
