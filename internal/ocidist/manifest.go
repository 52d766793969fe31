package ocidist

// Media types of the manifest formats this package understands.
const (
	MediaTypeImageManifest      = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeImageIndex         = "application/vnd.oci.image.index.v1+json"
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// Manifest represents a single-platform image manifest, in either the OCI
// or the Docker schema 2 format.
type Manifest struct {
	SchemaVersion int64             `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Config        ObjectMeta        `json:"config"`
	Layers        []ObjectMeta      `json:"layers"`
	Annotations   map[string]string `json:"annotations"`
}

// Index represents a multi-platform manifest list, in either the OCI image
// index or the Docker manifest list format.
type Index struct {
	SchemaVersion int64             `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Manifests     []IndexEntry      `json:"manifests"`
	Annotations   map[string]string `json:"annotations"`
}

// IndexEntry is one manifest referenced from an [Index].
type IndexEntry struct {
	ObjectMeta
	Platform *Platform `json:"platform"`
}

// Platform is the platform that an [IndexEntry] is for.
type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant,omitempty"`
}

// ObjectMeta is the metadata for a content-addressable object such as a layer
// or config blob in a registry.
type ObjectMeta struct {
	MediaType   string            `json:"mediaType"`
	Digest      Digest            `json:"digest"`
	Size        int64             `json:"size"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func (p *Platform) String() string {
	if p == nil {
		return "unknown"
	}
	ret := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		ret += "/" + p.Variant
	}
	return ret
}
