// Package pipeline implements the two publishing workflows: pushing a staged
// multi-platform manifest directory, and building and uploading a single
// image.
//
// Both run strictly sequentially and halt on the first failure. Nothing that
// was already pushed is rolled back, and re-running a pipeline with the same
// inputs overwrites whatever an earlier run left behind.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/logging"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/manifest"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/ocidist"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/platform"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/registry"
)

// State is a stage of a pipeline run.
type State string

const (
	StateValidating State = "validating"
	StateBuilding   State = "building"
	StatePushing    State = "pushing-platforms"
	StateComposing  State = "composing-manifest"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// PushDeps are the collaborators that [Push] delegates registry writes to.
type PushDeps struct {
	Copier   registry.Copier
	Composer registry.Composer
}

// PlatformResult is the outcome of pushing one platform's image. Exactly one
// of Ref and Err is set.
type PlatformResult struct {
	Platform platform.Platform
	Archive  string
	Ref      string
	Err      error
}

// PushResult describes a completed push.
type PushResult struct {
	Target    string
	State     State
	Platforms []PlatformResult
}

// Pushed returns the references of the platforms that were pushed
// successfully, in push order.
func (r *PushResult) Pushed() []string {
	var ret []string
	for _, pr := range r.Platforms {
		if pr.Err == nil && pr.Ref != "" {
			ret = append(ret, pr.Ref)
		}
	}
	return ret
}

type pushStep struct {
	platform platform.Platform
	archive  string
	ref      string
}

// Push publishes the manifest directory dir to the target in settings.
//
// Each platform's image is pushed under the target tag suffixed with the
// platform, in the order given in the directory's metadata, and then a
// manifest list referencing all of them is published under the target tag
// itself.
//
// On failure the returned result is still non-nil, recording the state
// reached and every platform attempted so far, and the error is an [*Error].
func Push(ctx context.Context, dir string, settings config.PushSettings, deps PushDeps) (*PushResult, error) {
	ret := &PushResult{
		Target: settings.Target,
		State:  StateValidating,
	}
	logger := logging.ContextLogger(ctx).WithFields(logrus.Fields{
		"target": settings.Target,
		"dir":    dir,
	})
	ctx = logging.ContextWithLogger(ctx, logger)
	failed := func(kind Kind, err error) (*PushResult, error) {
		step := ret.State
		ret.State = StateFailed
		logger.WithField("state", step).Errorf("push failed: %s", err)
		return ret, fail(kind, step, err, ret.Pushed())
	}

	steps, kind, err := validatePush(dir, settings)
	if err != nil {
		return failed(kind, err)
	}

	ret.State = StatePushing
	for _, step := range steps {
		pr := PlatformResult{
			Platform: step.platform,
			Archive:  step.archive,
		}
		if _, err := os.Stat(step.archive); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				err = manifest.ArtifactNotFoundError{Platform: step.platform.String(), Path: step.archive}
			}
			pr.Err = err
			ret.Platforms = append(ret.Platforms, pr)
			return failed(KindUpload, err)
		}
		if err := deps.Copier.Copy(ctx, step.archive, step.ref); err != nil {
			pr.Err = err
			ret.Platforms = append(ret.Platforms, pr)
			return failed(KindUpload, err)
		}
		pr.Ref = step.ref
		ret.Platforms = append(ret.Platforms, pr)
		logger.WithField("platform", step.platform.String()).Infof("pushed %s", step.ref)
	}

	ret.State = StateComposing
	entries := make([]registry.Entry, len(ret.Platforms))
	for i, pr := range ret.Platforms {
		entries[i] = registry.Entry{Ref: pr.Ref, Platform: pr.Platform}
	}
	if err := deps.Composer.Compose(ctx, settings.Target, entries); err != nil {
		return failed(KindCompose, err)
	}

	ret.State = StateDone
	logger.Infof("published %s for %d platforms", settings.Target, len(entries))
	return ret, nil
}

// validatePush checks everything that can be checked without contacting the
// registry, and returns the planned platform pushes in order.
func validatePush(dir string, settings config.PushSettings) ([]pushStep, Kind, error) {
	var missing []string
	if settings.Credentials.Token == "" {
		missing = append(missing, config.EnvToken)
	}
	if settings.Target == "" {
		missing = append(missing, config.EnvTarget)
	}
	if len(missing) != 0 {
		return nil, KindConfig, missingSettings(missing...)
	}
	target, err := ocidist.ParseImageReference(settings.Target)
	if err != nil {
		return nil, KindConfig, config.InvalidTargetError{Target: settings.Target, Err: err}
	}

	meta, err := manifest.ReadMetadata(dir)
	if err != nil {
		return nil, KindArtifact, err
	}
	if len(meta.Platforms) == 0 {
		return nil, KindArtifact, manifest.ErrNoImages
	}
	if meta.ImageCount != len(meta.Platforms) {
		return nil, KindArtifact, fmt.Errorf("metadata in %s is inconsistent: imageCount is %d but %d platforms are listed", dir, meta.ImageCount, len(meta.Platforms))
	}

	steps := make([]pushStep, 0, len(meta.Platforms))
	seen := make(map[string]string, len(meta.Platforms))
	for _, raw := range meta.Platforms {
		p, err := platform.Parse(raw)
		if err != nil {
			return nil, KindArtifact, fmt.Errorf("invalid platform %q in metadata: %w", raw, err)
		}
		if prev, exists := seen[p.Key()]; exists {
			return nil, KindArtifact, manifest.DuplicatePlatformError{Platform: raw, Previous: prev}
		}
		seen[p.Key()] = raw

		tag := target.Reference.String() + "-" + p.SafeName()
		if _, err := ocidist.ParseReference(tag); err != nil {
			return nil, KindArtifact, InvalidPlatformTagError{Platform: raw, Tag: tag, Err: err}
		}
		ref := ocidist.ImageReference{
			Host:      target.Host,
			Namespace: target.Namespace,
			Reference: ocidist.Reference(tag),
		}

		rel, ok := meta.Images[raw]
		if !ok {
			rel = manifest.StagedPath(p)
		}
		if !filepath.IsLocal(rel) {
			return nil, KindArtifact, fmt.Errorf("image path %q for %s in metadata must be within the manifest directory", rel, raw)
		}

		steps = append(steps, pushStep{
			platform: p,
			archive:  filepath.Join(dir, rel),
			ref:      ref.String(),
		})
	}
	return steps, 0, nil
}
