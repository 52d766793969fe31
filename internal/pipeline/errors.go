package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/manifest"
)

// Kind classifies a pipeline failure. The numeric value of each kind is the
// process exit code reported for it.
type Kind int

const (
	KindConfig   Kind = 1
	KindArtifact Kind = 2
	KindUpload   Kind = 3
	KindCompose  Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration error"
	case KindArtifact:
		return "artifact error"
	case KindUpload:
		return "upload error"
	case KindCompose:
		return "manifest list error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by [Push] and [Upload] when the pipeline halts.
type Error struct {
	Kind Kind

	// Step is the state the pipeline was in when it failed.
	Step State

	Err error

	// Pushed lists the references that were already pushed before the
	// failure. They are left in place in the registry.
	Pushed []string
}

func (err *Error) Error() string {
	if len(err.Pushed) == 0 {
		return err.Err.Error()
	}
	return fmt.Sprintf("%s (already pushed: %s)", err.Err, strings.Join(err.Pushed, ", "))
}

func (err *Error) Unwrap() error {
	return err.Err
}

func fail(kind Kind, step State, err error, pushed []string) *Error {
	return &Error{
		Kind:   kind,
		Step:   step,
		Err:    err,
		Pushed: pushed,
	}
}

// ExitCode returns the process exit code that reports the given error,
// which is zero only for a nil error.
//
// Errors that did not come from a pipeline are classified by their type
// where possible, and otherwise reported as configuration errors. An
// invalid manifest description, such as one without a name or images, is a
// configuration error; problems reading or writing the artifacts themselves
// are artifact errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var pipelineErr *Error
	if errors.As(err, &pipelineErr) {
		return int(pipelineErr.Kind)
	}
	if isArtifactError(err) {
		return int(KindArtifact)
	}
	return int(KindConfig)
}

func isArtifactError(err error) bool {
	var (
		existsErr   manifest.OutputExistsError
		notFoundErr manifest.ArtifactNotFoundError
		metaErr     manifest.MetadataNotFoundError
		stagingErr  manifest.StagingError
		artifactErr ArtifactError
	)
	switch {
	case errors.As(err, &existsErr), errors.As(err, &notFoundErr), errors.As(err, &metaErr):
		return true
	case errors.As(err, &stagingErr), errors.As(err, &artifactErr):
		return true
	}
	return false
}

// ArtifactError is returned when a built artifact is missing or unusable.
type ArtifactError struct {
	Path   string
	Reason string
}

func (err ArtifactError) Error() string {
	return fmt.Sprintf("artifact %s %s", err.Path, err.Reason)
}

// InvalidPlatformTagError is returned when appending a platform suffix to the
// target tag would produce an invalid tag.
type InvalidPlatformTagError struct {
	Platform string
	Tag      string
	Err      error
}

func (err InvalidPlatformTagError) Error() string {
	return fmt.Sprintf("platform %s would be pushed under invalid tag %q: %s", err.Platform, err.Tag, err.Err)
}

func missingSettings(names ...string) error {
	return config.MissingEnvError{Names: names}
}
