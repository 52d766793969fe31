package ocidist

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/distribution/reference"
)

// Namespace is the slash-separated repository name within a registry, such
// as "hoprnet/hoprd".
//
// A valid Namespace always has at least one part and every part matches
// the pattern of [NamespacePart]. Use [ParseNamespace] to guarantee a valid
// value.
type Namespace []NamespacePart

// NamespacePart is one of the slash-separated parts of a [Namespace]. Valid
// values match the following pattern:
//
//	[a-z0-9]+([._-][a-z0-9]+)*
type NamespacePart string

// Reference is a tag name. Valid values match the following pattern, which
// also limits tags to 128 characters:
//
//	[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}
//
// Use [ParseReference] to guarantee a valid value.
type Reference string

// Digest is a content digest: a hash algorithm, a colon, and the encoded
// hash result.
type Digest string

// ImageReference is a fully-qualified reference to a tagged manifest in a
// particular registry.
type ImageReference struct {
	Host      string
	Namespace Namespace
	Reference Reference
}

func ParseNamespace(s string) (Namespace, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("must include at least one namespace part")
	}
	parts := strings.Split(s, "/")
	ret := make(Namespace, len(parts))
	for i, raw := range parts {
		var err error
		ret[i], err = ParseNamespacePart(raw)
		if err != nil {
			return nil, fmt.Errorf("part %d is invalid: %s", i+1, err)
		}
	}
	return ret, nil
}

func ParseNamespacePart(s string) (NamespacePart, error) {
	if !namespacePartRe.MatchString(s) {
		return "", fmt.Errorf("must consist of one or more sequences of lowercase latin letters and digits separated by individual periods, underscores, or dashes")
	}
	return NamespacePart(s), nil
}

// ParseReference checks whether the given string is usable as a tag.
func ParseReference(s string) (Reference, error) {
	if !referenceRe.MatchString(s) {
		if len(s) > maxReferenceLength {
			return "", fmt.Errorf("must be no longer than %d characters", maxReferenceLength)
		}
		return "", fmt.Errorf("must consist of a latin letter, digit, or underscore, followed by up to 127 more latin letters, digits, underscores, dashes, or dots")
	}
	return Reference(s), nil
}

func ParseDigest(s string) (Digest, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 1 {
		return "", fmt.Errorf("must be a hash algorithm followed by a colon and then the hash result")
	}
	algo := s[:colon]
	enc := s[colon+1:]
	if !digestAlgorithmRe.MatchString(algo) {
		return "", fmt.Errorf("invalid hash algorithm")
	}
	if !digestEncodedRe.MatchString(enc) {
		return "", fmt.Errorf("invalid encoded digest result")
	}
	return Digest(s), nil
}

// ParseImageReference splits a reference like
// "registry.example/team/app:v1" into its registry host, namespace, and tag.
//
// The reference must be fully qualified, in the same canonical form that
// docker/distribution reference parsing accepts. A reference without a tag
// refers to "latest".
func ParseImageReference(s string) (ImageReference, error) {
	named, err := reference.ParseNamed(s)
	if err != nil {
		return ImageReference{}, fmt.Errorf("must be a fully-qualified image reference like registry.example/app:v1: %w", err)
	}
	if _, ok := named.(reference.Digested); ok {
		return ImageReference{}, fmt.Errorf("must refer to a tag, not a digest")
	}
	tag := "latest"
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}

	ns, err := ParseNamespace(reference.Path(named))
	if err != nil {
		return ImageReference{}, fmt.Errorf("invalid repository name: %s", err)
	}
	ref, err := ParseReference(tag)
	if err != nil {
		return ImageReference{}, fmt.Errorf("invalid tag: %s", err)
	}
	return ImageReference{Host: reference.Domain(named), Namespace: ns, Reference: ref}, nil
}

var _ json.Unmarshaler = (*Digest)(nil)

func (ns Namespace) String() string {
	var buf strings.Builder
	for i, part := range ns {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(string(part))
	}
	return buf.String()
}

func (r Reference) String() string {
	return string(r)
}

func (d Digest) String() string {
	return string(d)
}

func (d *Digest) UnmarshalJSON(src []byte) error {
	var raw string
	err := json.Unmarshal(src, &raw)
	if err != nil {
		return fmt.Errorf("must be a string")
	}
	v, err := ParseDigest(raw)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (r ImageReference) String() string {
	return r.Host + "/" + r.Namespace.String() + ":" + r.Reference.String()
}

const maxReferenceLength = 128

var namespacePartRe = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)
var referenceRe = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
var digestAlgorithmRe = regexp.MustCompile(`^[a-z0-9]+([+._-][a-z0-9]+)*$`)
var digestEncodedRe = regexp.MustCompile(`^[a-zA-Z0-9=_-]+$`)
