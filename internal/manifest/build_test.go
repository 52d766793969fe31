package manifest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/platform"
)

func TestBuild(t *testing.T) {
	srcDir := t.TempDir()
	amd64Path := writeGzipFile(t, filepath.Join(srcDir, "amd64.tar.gz"), "amd64 image")
	arm64Path := filepath.Join(srcDir, "arm64.tar")
	if err := os.WriteFile(arm64Path, []byte("arm64 image"), 0644); err != nil {
		t.Fatal(err)
	}

	desc := &Descriptor{
		Name: "hoprd",
		Tag:  "v2.1.0",
		Images: []Image{
			{Platform: platform.MustParse("linux/amd64"), Path: amd64Path},
			{Platform: platform.MustParse("linux/arm64"), Path: arm64Path},
		},
	}
	outDir := filepath.Join(t.TempDir(), "out")

	result, err := Build(context.Background(), desc, outDir, BuildOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	wantMeta := Metadata{
		Name:       "hoprd",
		Tag:        "v2.1.0",
		ImageCount: 2,
		Platforms:  []string{"linux/amd64", "linux/arm64"},
		Images: map[string]string{
			"linux/amd64": "images/linux-amd64.tar.gz",
			"linux/arm64": "images/linux-arm64.tar.gz",
		},
	}
	if diff := cmp.Diff(wantMeta, result.Metadata); diff != "" {
		t.Errorf("wrong metadata in result\n%s", diff)
	}

	gotMeta, err := ReadMetadata(outDir)
	if err != nil {
		t.Fatalf("failed to read metadata back: %s", err)
	}
	if diff := cmp.Diff(wantMeta, *gotMeta); diff != "" {
		t.Errorf("wrong metadata on disk\n%s", diff)
	}

	if got, want := readGzipFile(t, filepath.Join(outDir, "images", "linux-amd64.tar.gz")), "amd64 image"; got != want {
		t.Errorf("wrong amd64 content\ngot:  %q\nwant: %q", got, want)
	}
	// The arm64 archive was not compressed, so it must have been
	// compressed during staging.
	if got, want := readGzipFile(t, filepath.Join(outDir, "images", "linux-arm64.tar.gz")), "arm64 image"; got != want {
		t.Errorf("wrong arm64 content\ngot:  %q\nwant: %q", got, want)
	}

	if len(result.Staged) != 2 {
		t.Fatalf("wrong number of staged images %d", len(result.Staged))
	}
	for _, staged := range result.Staged {
		if err := staged.Digest.Validate(); err != nil {
			t.Errorf("invalid digest for %s: %s", staged.Platform, err)
		}
	}

	info, err := os.Stat(filepath.Join(outDir, PushHelperFilename))
	if err != nil {
		t.Fatalf("push helper missing: %s", err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Errorf("push helper is not executable: %s", info.Mode())
	}
}

func TestBuildNoImages(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "out")
	desc := &Descriptor{Name: "hoprd"}

	_, err := Build(context.Background(), desc, outDir, BuildOptions{})
	if err != ErrNoImages {
		t.Fatalf("wrong error\ngot:  %v\nwant: %v", err, ErrNoImages)
	}
	if _, err := os.Stat(outDir); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("output directory was created despite the error")
	}
}

func TestBuildMissingArtifact(t *testing.T) {
	srcDir := t.TempDir()
	amd64Path := writeGzipFile(t, filepath.Join(srcDir, "amd64.tar.gz"), "amd64 image")
	armPath := writeGzipFile(t, filepath.Join(srcDir, "arm.tar.gz"), "arm image")
	missingPath := filepath.Join(srcDir, "does-not-exist.tar.gz")

	desc := &Descriptor{
		Name: "hoprd",
		Images: []Image{
			{Platform: platform.MustParse("linux/amd64"), Path: amd64Path},
			{Platform: platform.MustParse("linux/arm64"), Path: missingPath},
			{Platform: platform.MustParse("linux/arm/v7"), Path: armPath},
		},
	}
	outDir := filepath.Join(t.TempDir(), "out")

	_, err := Build(context.Background(), desc, outDir, BuildOptions{})
	var notFound ArtifactNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("wrong error %#v", err)
	}
	if diff := cmp.Diff(ArtifactNotFoundError{Platform: "linux/arm64", Path: missingPath}, notFound); diff != "" {
		t.Errorf("wrong error details\n%s", diff)
	}

	// Platforms staged before the missing one stay behind, but nothing
	// after it is staged and no metadata is written.
	if _, err := os.Stat(filepath.Join(outDir, "images", "linux-amd64.tar.gz")); err != nil {
		t.Errorf("earlier platform was not staged: %s", err)
	}
	for _, name := range []string{
		filepath.Join("images", "linux-arm-v7.tar.gz"),
		MetadataFilename,
		PushHelperFilename,
	} {
		if _, err := os.Stat(filepath.Join(outDir, name)); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("%s exists after failed build", name)
		}
	}
}

func TestBuildDuplicatePlatform(t *testing.T) {
	desc := &Descriptor{
		Name: "hoprd",
		Images: []Image{
			{Platform: platform.MustParse("linux/arm64"), Path: "a.tar.gz"},
			{Platform: platform.MustParse("linux/aarch64"), Path: "b.tar.gz"},
		},
	}
	_, err := Build(context.Background(), desc, filepath.Join(t.TempDir(), "out"), BuildOptions{})
	want := DuplicatePlatformError{Platform: "linux/aarch64", Previous: "linux/arm64"}
	if err != want {
		t.Fatalf("wrong error\ngot:  %v\nwant: %v", err, want)
	}
}

func TestBuildOutputExists(t *testing.T) {
	outDir := t.TempDir()
	// The source archive lives inside the output directory, so a forced
	// rebuild must not remove it.
	amd64Path := writeGzipFile(t, filepath.Join(outDir, "amd64.tar.gz"), "amd64 image")
	arm64Path := writeGzipFile(t, filepath.Join(outDir, "arm64.tar.gz"), "arm64 image")
	desc := &Descriptor{
		Name: "hoprd",
		Images: []Image{
			{Platform: platform.MustParse("linux/amd64"), Path: amd64Path},
			{Platform: platform.MustParse("linux/arm64"), Path: arm64Path},
		},
	}

	_, err := Build(context.Background(), desc, outDir, BuildOptions{})
	if err != (OutputExistsError{Dir: outDir}) {
		t.Fatalf("wrong error %v", err)
	}

	if _, err := Build(context.Background(), desc, outDir, BuildOptions{Force: true}); err != nil {
		t.Fatalf("unexpected error with Force: %s", err)
	}

	// Rebuild with only one platform: the other platform's staged archive
	// must not survive, but the sources must.
	desc.Images = desc.Images[:1]
	if _, err := Build(context.Background(), desc, outDir, BuildOptions{Force: true}); err != nil {
		t.Fatalf("unexpected error rebuilding with Force: %s", err)
	}
	for _, path := range []string{amd64Path, arm64Path} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("source archive did not survive a forced build: %s", err)
		}
	}
	if _, err := os.Stat(filepath.Join(outDir, "images", "linux-arm64.tar.gz")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("stale staged archive survived a forced build")
	}
	got, err := ReadMetadata(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := got.ImageCount, 1; got != want {
		t.Errorf("wrong image count %d after forced rebuild; want %d", got, want)
	}
}

func TestBuildStagingFailure(t *testing.T) {
	desc := &Descriptor{
		Name: "hoprd",
		Images: []Image{
			{Platform: platform.MustParse("linux/amd64"), Path: t.TempDir()},
		},
	}
	_, err := Build(context.Background(), desc, filepath.Join(t.TempDir(), "out"), BuildOptions{})
	var stagingErr StagingError
	if !errors.As(err, &stagingErr) {
		t.Fatalf("wrong error %#v", err)
	}
	if got, want := stagingErr.Path, desc.Images[0].Path; got != want {
		t.Errorf("wrong path %q; want %q", got, want)
	}

	// An output path that is a regular file cannot be used at all.
	outFile := filepath.Join(t.TempDir(), "out")
	if err := os.WriteFile(outFile, nil, 0644); err != nil {
		t.Fatal(err)
	}
	desc.Images[0].Path = writeGzipFile(t, filepath.Join(t.TempDir(), "amd64.tar.gz"), "amd64 image")
	_, err = Build(context.Background(), desc, outFile, BuildOptions{})
	if !errors.As(err, &stagingErr) {
		t.Fatalf("wrong error for unusable output path %#v", err)
	}
}

func writeGzipFile(t *testing.T, filename, content string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filename, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return filename
}

func readGzipFile(t *testing.T, filename string) string {
	t.Helper()
	f, err := os.Open(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("%s is not gzip-compressed: %s", filename, err)
	}
	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	return string(got)
}
