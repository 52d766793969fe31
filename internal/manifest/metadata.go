package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// MetadataFilename is the name of the metadata document inside a manifest
// directory.
const MetadataFilename = "metadata.json"

// Metadata is the summary of a manifest that is written alongside its staged
// images. The push pipeline treats it as the single source of truth about
// what a manifest directory contains.
type Metadata struct {
	Name       string   `json:"name"`
	Tag        string   `json:"tag"`
	ImageCount int      `json:"imageCount"`
	Platforms  []string `json:"platforms"`

	// Images maps each platform identifier to the staged archive's path,
	// relative to the manifest directory.
	Images map[string]string `json:"images"`
}

// NewMetadata derives the metadata for the given descriptor.
//
// The result depends only on the descriptor, so calling this again with the
// same descriptor produces the same platform order and image paths.
func NewMetadata(desc *Descriptor) Metadata {
	ret := Metadata{
		Name:       desc.Name,
		Tag:        desc.tag(),
		ImageCount: len(desc.Images),
		Platforms:  make([]string, len(desc.Images)),
		Images:     make(map[string]string, len(desc.Images)),
	}
	for i, img := range desc.Images {
		ret.Platforms[i] = img.Platform.String()
		ret.Images[img.Platform.String()] = StagedPath(img.Platform)
	}
	return ret
}

// Marshal returns the indented JSON form of the metadata, with a trailing
// newline.
func (m Metadata) Marshal() ([]byte, error) {
	src, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(src, '\n'), nil
}

func writeMetadata(dir string, m Metadata) error {
	src, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, MetadataFilename), src, 0644)
}

// ReadMetadata loads the metadata document from the given manifest
// directory.
func ReadMetadata(dir string) (*Metadata, error) {
	filename := filepath.Join(dir, MetadataFilename)
	src, err := os.ReadFile(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, MetadataNotFoundError{Path: filename}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	ret := &Metadata{}
	if err := json.Unmarshal(src, ret); err != nil {
		return nil, fmt.Errorf("invalid metadata in %s: %w", filename, err)
	}
	return ret, nil
}
