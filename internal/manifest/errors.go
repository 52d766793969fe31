package manifest

import (
	"fmt"
)

type staticError string

func (err staticError) Error() string {
	return string(err)
}

const ErrNoName = staticError("manifest name is required")
const ErrNoImages = staticError("manifest has no images: at least one platform image is required")

// DuplicatePlatformError is returned when a descriptor lists the same
// platform more than once, possibly under two different spellings.
type DuplicatePlatformError struct {
	Platform string
	Previous string
}

func (err DuplicatePlatformError) Error() string {
	if err.Platform == err.Previous {
		return fmt.Sprintf("platform %s is listed more than once", err.Platform)
	}
	return fmt.Sprintf("platform %s is the same as the earlier platform %s", err.Platform, err.Previous)
}

// OutputExistsError is returned when the output directory for a build
// already has content in it.
type OutputExistsError struct {
	Dir string
}

func (err OutputExistsError) Error() string {
	return fmt.Sprintf("output directory %s already exists and is not empty", err.Dir)
}

// ArtifactNotFoundError is returned when a descriptor refers to an image
// archive that doesn't exist.
type ArtifactNotFoundError struct {
	Platform string
	Path     string
}

func (err ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("image archive for %s not found at %s", err.Platform, err.Path)
}

// MetadataNotFoundError is returned by [ReadMetadata] when the directory has
// no metadata document.
type MetadataNotFoundError struct {
	Path string
}

func (err MetadataNotFoundError) Error() string {
	return fmt.Sprintf("metadata file %s not found", err.Path)
}

// StagingError is returned when [Build] fails to read an image archive or
// to write into the output directory for a reason other than the archive
// being missing.
type StagingError struct {
	Path string
	Err  error
}

func (err StagingError) Error() string {
	return err.Err.Error()
}

func (err StagingError) Unwrap() error {
	return err.Err
}
