// Package platform deals with the "os/arch" identifiers that operators use
// to label each per-platform image in a multi-architecture manifest.
package platform

import (
	"fmt"
	"strings"

	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Platform is a platform identifier as written by the operator, along with
// its normalized OCI representation.
//
// The zero value is not valid. Use [Parse] to obtain a Platform.
type Platform struct {
	raw  string
	spec ocispec.Platform
}

// Parse validates a platform identifier such as "linux/amd64" or
// "linux/arm/v7".
//
// The identifier must always include both an operating system and an
// architecture. The original spelling is retained for use in file names and
// tags, while the normalized form is used for comparisons and for the
// platform fields of a manifest list.
func Parse(s string) (Platform, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return Platform{}, fmt.Errorf("must be an operating system and architecture separated by a slash, like \"linux/amd64\"")
	}
	for i, part := range parts {
		if part == "" {
			return Platform{}, fmt.Errorf("part %d must not be empty", i+1)
		}
	}
	spec, err := platforms.Parse(s)
	if err != nil {
		return Platform{}, err
	}
	return Platform{raw: s, spec: spec}, nil
}

func MustParse(s string) Platform {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Platform) String() string {
	return p.raw
}

// Equal reports whether two platforms were written identically.
func (p Platform) Equal(other Platform) bool {
	return p.raw == other.raw
}

// SafeName returns the identifier with every slash replaced by a dash, which
// is suitable both as a file name and as a tag suffix.
func (p Platform) SafeName() string {
	return strings.ReplaceAll(p.raw, "/", "-")
}

// Key returns the normalized identifier, so that two spellings of the same
// platform (such as "linux/aarch64" and "linux/arm64") produce the same key.
func (p Platform) Key() string {
	return platforms.Format(p.spec)
}

// OCI returns the normalized platform in the form used by OCI image index
// descriptors.
func (p Platform) OCI() ocispec.Platform {
	return p.spec
}
