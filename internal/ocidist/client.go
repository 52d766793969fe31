package ocidist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client is a read-only client for the subset of the OCI distribution
// protocol needed to inspect what the push pipeline published.
//
// Pushing is handled elsewhere; this client only fetches manifests, manifest
// lists, and tag lists.
type Client struct {
	baseURL    *url.URL
	prepareReq []func(req *http.Request) error
	rawClient  *http.Client
}

// NewClient constructs and returns a new [Client] that will talk to an OCI
// distribution registry at the given base URL.
//
// The given URL must use either the "http" or "https" scheme, or this function
// will panic. The URL must not include a user info portion, because we handle
// authentication separately; this function will panic if the given URL has
// user information. Use [AssertValidRegistryURL] to test whether a
// user-provided URL would be accepted by this function without panicking.
func NewClient(baseURL *url.URL) *Client {
	if err := AssertValidRegistryURL(baseURL); err != nil {
		panic(err.Error())
	}
	return &Client{
		baseURL:   baseURL,
		rawClient: http.DefaultClient,
	}
}

// NewClientForHost is like [NewClient] but builds the base URL from a
// registry host name, as found in an [ImageReference].
func NewClientForHost(host string, plainHTTP bool) *Client {
	scheme := "https"
	if plainHTTP {
		scheme = "http"
	}
	return NewClient(&url.URL{Scheme: scheme, Host: host, Path: "/"})
}

// AssertValidRegistryURL checks whether the given URL is acceptable to pass
// to [NewClient], return an error describing a problem if not.
func AssertValidRegistryURL(baseURL *url.URL) error {
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return fmt.Errorf("must use scheme \"https\" or \"http\", not %q", baseURL.Scheme)
	}
	if baseURL.User != nil {
		return fmt.Errorf("must not include a user information portion")
	}
	return nil
}

// AddPrepareRequest provides a function that the client will call just before
// making any HTTP request, giving an opportunity to add authentication
// credentials or other context.
//
// The request-preparation function must not modify the request in any way that
// would change the meaning of what is being requested or what format the
// response would be in.
//
// This must not be called concurrently with any other method of the same
// client object.
func (c *Client) AddPrepareRequest(cb func(req *http.Request) error) {
	c.prepareReq = append(c.prepareReq, cb)
}

// AddCredentials arranges for every request to carry the given token,
// either as a bearer token or, if username is not empty, as the password
// for basic authentication.
func (c *Client) AddCredentials(username, token string) {
	if token == "" {
		return
	}
	c.AddPrepareRequest(func(req *http.Request) error {
		if username != "" {
			req.SetBasicAuth(username, token)
		} else {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return nil
	})
}

// CheckAPISupport attempts to detect whether the client's configured base
// URL is an implementation of the OCI Distribution specification.
//
// This is just a heuristic to help fail early if given an invalid host.
func (c *Client) CheckAPISupport(ctx context.Context) error {
	req, err := c.newRequest(ctx, "GET", "v2/")
	if err != nil {
		return fmt.Errorf("failed to prepare request: %s", err)
	}
	resp, err := c.rawClient.Do(req)
	if err != nil {
		return RequestError{Wrapped: err}
	}
	defer resp.Body.Close()
	return checkResponseStatus(resp)
}

// GetNamespaceTags returns all of the tags that are available for the
// given namespace in the target registry.
//
// If the server returns any tag names that aren't valid reference strings per
// the OCI Distribution specification then this function will silently discard
// them and return only the valid subset.
func (c *Client) GetNamespaceTags(ctx context.Context, ns Namespace) ([]Reference, error) {
	req, err := c.newRequest(ctx, "GET", "v2", ns.String(), "tags", "list")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %s", err)
	}

	type RespBody struct {
		Tags []string `json:"tags"`
	}
	var respBody RespBody
	err = c.doRequestJSONResp(req, &respBody)
	if err != nil {
		return nil, err
	}

	ret := make([]Reference, 0, len(respBody.Tags))
	for _, rawTag := range respBody.Tags {
		ref, err := ParseReference(rawTag)
		if err != nil {
			continue
		}
		ret = append(ret, ref)
	}
	return ret, nil
}

// GetManifest returns the single-platform manifest for the given reference
// associated with the given namespace.
//
// It returns an error if the reference exists but refers to a manifest list.
func (c *Client) GetManifest(ctx context.Context, ns Namespace, ref Reference) (*Manifest, error) {
	req, err := c.newRequest(ctx, "GET", "v2", ns.String(), "manifests", ref.String())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %s", err)
	}
	req.Header.Set("Accept", strings.Join([]string{MediaTypeImageManifest, MediaTypeDockerManifest}, ", "))

	respBody := &Manifest{}
	err = c.doRequestJSONResp(req, respBody)
	if err != nil {
		return nil, err
	}
	if respBody.SchemaVersion != 2 {
		return nil, fmt.Errorf("unsupported manifest schema version %#v", respBody.SchemaVersion)
	}
	switch respBody.MediaType {
	case MediaTypeImageManifest, MediaTypeDockerManifest:
		return respBody, nil
	case "":
		// The mediaType property is optional in an OCI image manifest, but
		// only a manifest has a config blob.
		if respBody.Config.Digest != "" {
			return respBody, nil
		}
		return nil, fmt.Errorf("not a single-platform image manifest")
	default:
		return nil, fmt.Errorf("unsupported manifest media type %q", respBody.MediaType)
	}
}

// GetIndex returns the manifest list for the given reference associated
// with the given namespace.
//
// It returns an error if the reference exists but refers to something other
// than a manifest list.
func (c *Client) GetIndex(ctx context.Context, ns Namespace, ref Reference) (*Index, error) {
	req, err := c.newRequest(ctx, "GET", "v2", ns.String(), "manifests", ref.String())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %s", err)
	}
	req.Header.Set("Accept", strings.Join([]string{MediaTypeImageIndex, MediaTypeDockerManifestList}, ", "))

	respBody := &Index{}
	err = c.doRequestJSONResp(req, respBody)
	if err != nil {
		return nil, err
	}
	if respBody.SchemaVersion != 2 {
		return nil, fmt.Errorf("unsupported manifest schema version %#v", respBody.SchemaVersion)
	}
	switch respBody.MediaType {
	case MediaTypeImageIndex, MediaTypeDockerManifestList:
		return respBody, nil
	case "":
		// The mediaType property is optional in an OCI image index.
		if len(respBody.Manifests) != 0 {
			respBody.MediaType = MediaTypeImageIndex
			return respBody, nil
		}
		return nil, fmt.Errorf("%s is not a manifest list", ref)
	default:
		return nil, fmt.Errorf("%s is a %s, not a manifest list", ref, respBody.MediaType)
	}
}

func (c *Client) newRequest(ctx context.Context, method string, urlParts ...string) (*http.Request, error) {
	u := c.baseURL.JoinPath(urlParts...)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for _, cb := range c.prepareReq {
		err := cb(req)
		if err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (c *Client) doRequestJSONResp(req *http.Request, into any) error {
	resp, err := c.rawClient.Do(req)
	if err != nil {
		return RequestError{Wrapped: err}
	}
	defer resp.Body.Close()

	if err := checkResponseStatus(resp); err != nil {
		return err
	}

	dec := json.NewDecoder(resp.Body)
	err = dec.Decode(into)
	if err != nil {
		return fmt.Errorf("response is not in the expected format: %s", err)
	}
	// NOTE: If there's anything trailing after the JSON object then we'll
	// just ignore it. That would not be valid per the OCI Distribution spec
	// but we'll tolerate it anyway because it doesn't hurt and is easier.
	return nil
}

// checkResponseStatus returns an error describing any unsuccessful response.
// It may consume the response body.
func checkResponseStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if !json.Valid(body) {
			body = nil
		}
		return NotFoundError{JSONDesc: body}
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout:
		return ErrBadGateway
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return UnexpectedStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
}
