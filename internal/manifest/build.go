// Package manifest stages the per-platform image archives of a
// multi-architecture manifest into a self-contained directory that the push
// pipeline can later publish.
//
// A manifest directory has the following layout:
//
//	metadata.json
//	push
//	images/linux-amd64.tar.gz
//	images/linux-arm64.tar.gz
//	...
package manifest

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/logging"
)

// PushHelperFilename is the name of the executable helper script written
// into each manifest directory.
const PushHelperFilename = "push"

//go:embed push.sh
var pushHelper []byte

// BuildOptions adjusts the behavior of [Build].
type BuildOptions struct {
	// Force allows building into an output directory that already has
	// content. The metadata document, the push helper, and the images
	// directory from an earlier build are removed first; anything else in
	// the directory is left alone.
	Force bool
}

// Result describes a successfully-built manifest directory.
type Result struct {
	Dir      string
	Metadata Metadata
	Staged   []StagedImage
}

// StagedImage is one archive that [Build] copied into the manifest
// directory.
type StagedImage struct {
	Platform string
	Path     string
	Digest   digest.Digest
}

// Build stages the images of the given descriptor into outDir and writes
// the metadata document and push helper alongside them.
//
// Platforms are staged strictly in descriptor order. If an image archive is
// missing then Build stops at that platform with an [ArtifactNotFoundError],
// and any archives staged for earlier platforms remain in outDir. Descriptor
// problems are detected before outDir is created, so they never leave
// partial output.
func Build(ctx context.Context, desc *Descriptor, outDir string, opts BuildOptions) (*Result, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if err := prepareOutputDir(outDir, opts.Force); err != nil {
		return nil, err
	}

	logger := logging.ContextLogger(ctx).WithField("manifest", desc.Name)
	ret := &Result{
		Dir:      outDir,
		Metadata: NewMetadata(desc),
		Staged:   make([]StagedImage, 0, len(desc.Images)),
	}

	for _, img := range desc.Images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := StagedPath(img.Platform)
		dgst, err := stageImage(img, filepath.Join(outDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"platform": img.Platform.String(),
			"source":   img.Path,
			"digest":   dgst.String(),
		}).Infof("staged %s", rel)
		ret.Staged = append(ret.Staged, StagedImage{
			Platform: img.Platform.String(),
			Path:     rel,
			Digest:   dgst,
		})
	}

	if err := writeMetadata(outDir, ret.Metadata); err != nil {
		return nil, StagingError{Path: filepath.Join(outDir, MetadataFilename), Err: err}
	}
	helperPath := filepath.Join(outDir, PushHelperFilename)
	if err := os.WriteFile(helperPath, pushHelper, 0755); err != nil {
		return nil, StagingError{Path: helperPath, Err: fmt.Errorf("failed to write push helper: %w", err)}
	}
	logger.Infof("manifest %s:%s with %d images written to %s", desc.Name, ret.Metadata.Tag, ret.Metadata.ImageCount, outDir)
	return ret, nil
}

func prepareOutputDir(dir string, force bool) error {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// We'll create it below.
	case err != nil:
		return StagingError{Path: dir, Err: fmt.Errorf("cannot use output directory %s: %w", dir, err)}
	case len(entries) != 0 && !force:
		return OutputExistsError{Dir: dir}
	case len(entries) != 0:
		for _, name := range []string{MetadataFilename, PushHelperFilename, imagesDir} {
			path := filepath.Join(dir, name)
			if err := os.RemoveAll(path); err != nil {
				return StagingError{Path: path, Err: fmt.Errorf("failed to clear %s from output directory: %w", name, err)}
			}
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, imagesDir), 0755); err != nil {
		return StagingError{Path: dir, Err: fmt.Errorf("failed to create output directory %s: %w", dir, err)}
	}
	return nil
}

// stageImage copies the archive for one image to dst, compressing it along
// the way if it isn't already gzip-compressed, and returns the digest of the
// staged file.
func stageImage(img Image, dst string) (digest.Digest, error) {
	src, err := os.Open(img.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ArtifactNotFoundError{Platform: img.Platform.String(), Path: img.Path}
	}
	if err != nil {
		return "", StagingError{Path: img.Path, Err: fmt.Errorf("failed to open image archive for %s: %w", img.Platform, err)}
	}
	defer src.Close()
	if info, err := src.Stat(); err == nil && info.IsDir() {
		return "", StagingError{Path: img.Path, Err: fmt.Errorf("image archive for %s at %s is a directory", img.Platform, img.Path)}
	}

	r := bufio.NewReader(src)
	compressed, err := isGzipped(r)
	if err != nil {
		return "", StagingError{Path: img.Path, Err: fmt.Errorf("failed to read image archive for %s: %w", img.Platform, err)}
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0444)
	if err != nil {
		return "", StagingError{Path: dst, Err: fmt.Errorf("failed to create %s: %w", dst, err)}
	}
	digester := digest.Canonical.Digester()
	w := io.MultiWriter(f, digester.Hash())

	if compressed {
		_, err = io.Copy(w, r)
	} else {
		zw := gzip.NewWriter(w)
		_, err = io.Copy(zw, r)
		if err == nil {
			err = zw.Close()
		}
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", StagingError{Path: dst, Err: fmt.Errorf("failed to stage image archive for %s: %w", img.Platform, err)}
	}
	return digester.Digest(), nil
}

var gzipMagic = []byte{0x1f, 0x8b}

func isGzipped(r *bufio.Reader) (bool, error) {
	head, err := r.Peek(len(gzipMagic))
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(head, gzipMagic), nil
}
