package registry

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/klauspost/compress/gzip"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/logging"
)

// RemoteCopier uploads docker-archive tarballs (optionally gzip-compressed)
// directly to a registry.
//
// The archive's own manifest and config are trusted as-is. Layers are
// compressed for transfer if the archive holds them uncompressed. A
// gzip-compressed archive, such as the ones staged by the manifest builder,
// is decompressed as it is read.
type RemoteCopier struct {
	settings config.PushSettings
	options  []remote.Option
}

var _ Copier = (*RemoteCopier)(nil)

func NewRemoteCopier(settings config.PushSettings, opts ...remote.Option) *RemoteCopier {
	return &RemoteCopier{
		settings: settings,
		options:  opts,
	}
}

func (c *RemoteCopier) Copy(ctx context.Context, archivePath, ref string) error {
	logger, done := logging.ContextLoggerStep(ctx, "copy %s to %s", archivePath, ref)
	defer done()

	dst, err := name.ParseReference(ref, c.nameOptions()...)
	if err != nil {
		return fmt.Errorf("invalid destination %q: %w", ref, err)
	}
	img, err := tarball.Image(archiveOpener(archivePath), nil)
	if err != nil {
		return fmt.Errorf("failed to load image archive %s: %w", archivePath, err)
	}
	if dgst, err := img.Digest(); err == nil {
		logger.WithField("digest", dgst.String()).Debugf("loaded image archive %s", archivePath)
	}

	opts := append([]remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(authenticator(c.settings.Credentials)),
	}, c.options...)
	if err := remote.Write(dst, img, opts...); err != nil {
		return fmt.Errorf("failed to push %s: %w", ref, err)
	}
	return nil
}

// archiveOpener returns an opener for the tar stream in the given file,
// transparently removing a gzip wrapper if there is one. The tarball package
// reopens the archive for each file it reads, so this is called repeatedly.
func archiveOpener(path string) tarball.Opener {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		r := bufio.NewReader(f)
		head, err := r.Peek(len(gzipMagic))
		if err != nil || !bytes.Equal(head, gzipMagic) {
			// Plain tar, or too short to tell. The tar reader reports any problem.
			return archiveReader{Reader: r, closers: []io.Closer{f}}, nil
		}
		zr, err := gzip.NewReader(r)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("invalid gzip stream: %w", err)
		}
		return archiveReader{Reader: zr, closers: []io.Closer{zr, f}}, nil
	}
}

var gzipMagic = []byte{0x1f, 0x8b}

type archiveReader struct {
	io.Reader
	closers []io.Closer
}

func (r archiveReader) Close() error {
	var err error
	for _, c := range r.closers {
		if closeErr := c.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

func (c *RemoteCopier) nameOptions() []name.Option {
	if c.settings.PlainHTTP {
		return []name.Option{name.Insecure}
	}
	return nil
}

func authenticator(creds config.Credentials) authn.Authenticator {
	switch {
	case creds.Token == "":
		return authn.Anonymous
	case creds.Username != "":
		return &authn.Basic{Username: creds.Username, Password: creds.Token}
	default:
		return &authn.Bearer{Token: creds.Token}
	}
}
