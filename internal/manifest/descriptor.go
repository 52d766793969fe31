package manifest

import (
	"github.com/apparentlymart/oci-multiarch-publisher/internal/platform"
)

// DefaultTag is the tag used for a [Descriptor] that doesn't specify one.
const DefaultTag = "latest"

// Descriptor describes a multi-architecture manifest: a name, a tag, and an
// ordered list of per-platform image archives.
type Descriptor struct {
	Name   string
	Tag    string
	Images []Image
}

// Image is one platform's entry in a [Descriptor].
type Image struct {
	Platform platform.Platform

	// Path is the local filesystem path of the compressed image archive
	// produced by an earlier build step.
	Path string
}

// Validate checks the invariants of the descriptor that can be verified
// without touching the filesystem.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return ErrNoName
	}
	if len(d.Images) == 0 {
		return ErrNoImages
	}
	seen := make(map[string]platform.Platform, len(d.Images))
	for _, img := range d.Images {
		key := img.Platform.Key()
		if prev, exists := seen[key]; exists {
			return DuplicatePlatformError{
				Platform: img.Platform.String(),
				Previous: prev.String(),
			}
		}
		seen[key] = img.Platform
	}
	return nil
}

func (d *Descriptor) tag() string {
	if d.Tag == "" {
		return DefaultTag
	}
	return d.Tag
}

// StagedPath returns the path, relative to the manifest directory, where the
// archive for the given platform is staged.
func StagedPath(p platform.Platform) string {
	return imagesDir + "/" + p.SafeName() + ".tar.gz"
}

const imagesDir = "images"
