package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	orasregistry "oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/logging"
)

const (
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// RemoteComposer publishes manifest lists directly to a registry.
//
// The published list is a Docker manifest list when every entry is a Docker
// schema 2 manifest, because some older clients can't resolve Docker
// manifests through an OCI index. Otherwise it is an OCI image index.
type RemoteComposer struct {
	settings   config.PushSettings
	httpClient *http.Client
}

var _ Composer = (*RemoteComposer)(nil)

func NewRemoteComposer(settings config.PushSettings) *RemoteComposer {
	return &RemoteComposer{
		settings:   settings,
		httpClient: &http.Client{},
	}
}

func (c *RemoteComposer) Compose(ctx context.Context, target string, entries []Entry) error {
	logger, done := logging.ContextLoggerStep(ctx, "compose manifest list %s", target)
	defer done()

	if len(entries) == 0 {
		return fmt.Errorf("manifest list %s must reference at least one image", target)
	}
	targetRef, err := orasregistry.ParseReference(target)
	if err != nil {
		return fmt.Errorf("invalid manifest list reference %q: %w", target, err)
	}
	repo, err := c.repository(targetRef)
	if err != nil {
		return err
	}

	manifests := make([]ocispec.Descriptor, 0, len(entries))
	allDocker := true
	for _, entry := range entries {
		ref, err := orasregistry.ParseReference(entry.Ref)
		if err != nil {
			return fmt.Errorf("invalid image reference %q: %w", entry.Ref, err)
		}
		if ref.Registry != targetRef.Registry || ref.Repository != targetRef.Repository {
			return fmt.Errorf("image %s is not in the same repository as %s", entry.Ref, target)
		}
		desc, err := repo.Resolve(ctx, ref.Reference)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", entry.Ref, err)
		}
		switch desc.MediaType {
		case mediaTypeDockerManifest:
		case ocispec.MediaTypeImageManifest:
			allDocker = false
		default:
			return fmt.Errorf("%s is a %s, not a single-platform image manifest", entry.Ref, desc.MediaType)
		}
		p := entry.Platform.OCI()
		manifests = append(manifests, ocispec.Descriptor{
			MediaType: desc.MediaType,
			Digest:    desc.Digest,
			Size:      desc.Size,
			Platform:  &p,
		})
		logger.WithField("digest", desc.Digest.String()).Debugf("resolved %s", entry.Ref)
	}

	mediaType := ocispec.MediaTypeImageIndex
	if allDocker {
		mediaType = mediaTypeDockerManifestList
	}
	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: mediaType,
		Manifests: manifests,
	}
	src, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest list: %w", err)
	}
	desc := content.NewDescriptorFromBytes(mediaType, src)
	if err := repo.PushReference(ctx, desc, bytes.NewReader(src), targetRef.Reference); err != nil {
		return fmt.Errorf("failed to push manifest list %s: %w", target, err)
	}
	logger.WithField("digest", desc.Digest.String()).Infof("published manifest list %s with %d images", target, len(manifests))
	return nil
}

func (c *RemoteComposer) repository(ref orasregistry.Reference) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Registry + "/" + ref.Repository)
	if err != nil {
		return nil, fmt.Errorf("invalid repository: %w", err)
	}
	repo.PlainHTTP = c.settings.PlainHTTP

	client := &auth.Client{
		Client: c.httpClient,
		Cache:  auth.NewCache(),
	}
	if creds := c.settings.Credentials; creds.Token != "" {
		cred := auth.Credential{AccessToken: creds.Token}
		if creds.Username != "" {
			cred = auth.Credential{Username: creds.Username, Password: creds.Token}
		}
		client.Credential = auth.StaticCredential(ref.Registry, cred)
	}
	repo.Client = client
	return repo, nil
}
