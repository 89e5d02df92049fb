// Package registry queries container registries for manifest digests
// without downloading image content.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/prometheus/client_golang/prometheus"
)

// Docker manifest media types that predate the OCI ones.
const (
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
)

// maxManifestSize bounds index bodies read from a registry.
const maxManifestSize = 4 << 20

var acceptedTypes = []string{
	ocispec.MediaTypeImageIndex,
	MediaTypeDockerManifestList,
	ocispec.MediaTypeImageManifest,
	MediaTypeDockerManifest,
}

var requestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "anvil_registry_request_seconds",
		Help:    "Duration of registry HTTP requests, in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "code"},
)

func init() {
	prometheus.MustRegister(requestDuration)
}

// Descriptor is the result of resolving a tag.
type Descriptor struct {
	Reference string `json:"reference"`

	// IndexDigest is the digest the tag points at: an index for
	// multi-platform images, otherwise the image manifest itself.
	IndexDigest digest.Digest `json:"index_digest"`

	// PlatformDigest is the manifest selected for the platform. Empty for
	// single-platform images and for indexes without an entry for the
	// platform.
	PlatformDigest digest.Digest `json:"platform_digest,omitempty"`

	MediaType string `json:"media_type"`
}

// IsIndex reports whether the tag points at a multi-platform index.
func (d Descriptor) IsIndex() bool {
	return isIndexType(d.MediaType)
}

// Config configures a Client.
type Config struct {
	Username string
	Password string

	// Insecure lists registry hosts spoken to over plain HTTP.
	Insecure []string

	Timeout time.Duration
}

// Client resolves tags to digests with HEAD requests, falling back to GET
// only when the digest or an index body is needed.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewClient creates a registry client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		tokens: make(map[string]string),
	}
}

// Bucket returns the normalized repository name of ref, without tag or
// digest. Pulls of one bucket are serialized.
func Bucket(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("parse image reference %q: %w", ref, err)
	}
	return named.Name(), nil
}

// Resolve looks up the digests of ref for platform.
func (c *Client) Resolve(ctx context.Context, ref string, platform Platform) (Descriptor, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return Descriptor{}, &Error{Op: "parse", Reference: ref, Err: err}
	}
	named = reference.TagNameOnly(named)

	target := ""
	if d, ok := named.(reference.Digested); ok {
		target = d.Digest().String()
	} else if t, ok := named.(reference.Tagged); ok {
		target = t.Tag()
	}

	domain := reference.Domain(named)
	repo := reference.Path(named)
	manifestURL := c.baseURL(domain) + "/v2/" + repo + "/manifests/" + target
	desc := Descriptor{Reference: reference.FamiliarString(named)}

	resp, err := c.do(ctx, http.MethodHead, manifestURL, repo)
	if err != nil {
		return desc, &Error{Op: "resolve", Reference: ref, Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return desc, statusError("resolve", ref, resp)
	}

	desc.MediaType = mediaType(resp.Header.Get("Content-Type"))
	if h := resp.Header.Get("Docker-Content-Digest"); h != "" {
		d, err := digest.Parse(h)
		if err != nil {
			return desc, &Error{Op: "resolve", Reference: ref, Err: fmt.Errorf("bad Docker-Content-Digest: %w", err)}
		}
		desc.IndexDigest = d
	}

	if desc.MediaType != "" && !isIndexType(desc.MediaType) && desc.IndexDigest != "" {
		return desc, checkMediaType(desc, ref)
	}

	// An index whose entries we need, or a registry that left out the
	// digest or content type on HEAD.
	body, err := c.fetch(ctx, manifestURL, repo, ref)
	if err != nil {
		return desc, err
	}
	if desc.IndexDigest == "" {
		desc.IndexDigest = digest.FromBytes(body)
	}
	if desc.MediaType == "" {
		var probe struct {
			MediaType string `json:"mediaType"`
		}
		if err := json.Unmarshal(body, &probe); err != nil {
			return desc, &Error{Op: "decode", Reference: ref, Err: err}
		}
		desc.MediaType = probe.MediaType
	}
	if err := checkMediaType(desc, ref); err != nil {
		return desc, err
	}
	if !isIndexType(desc.MediaType) {
		return desc, nil
	}

	var index ocispec.Index
	if err := json.Unmarshal(body, &index); err != nil {
		return desc, &Error{Op: "decode", Reference: ref, Err: err}
	}
	for _, m := range index.Manifests {
		if platform.Matches(m.Platform) {
			desc.PlatformDigest = m.Digest
			return desc, nil
		}
	}
	c.logger.Debug("index has no manifest for platform", "reference", ref, "platform", platform.String())
	return desc, nil
}

func (c *Client) fetch(ctx context.Context, manifestURL, repo, ref string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, manifestURL, repo)
	if err != nil {
		return nil, &Error{Op: "fetch", Reference: ref, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch", ref, resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, &Error{Op: "fetch", Reference: ref, Err: err}
	}
	return body, nil
}

// baseURL maps a reference domain to the registry endpoint.
func (c *Client) baseURL(domain string) string {
	host := domain
	if host == "docker.io" {
		host = "registry-1.docker.io"
	}
	if slices.Contains(c.cfg.Insecure, domain) {
		return "http://" + host
	}
	return "https://" + host
}

// do sends one request and answers a single authentication challenge.
func (c *Client) do(ctx context.Context, method, rawURL, repo string) (*http.Response, error) {
	resp, err := c.send(ctx, method, rawURL, c.cachedAuth(repo))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()

	auth, err := c.authorize(ctx, challenge, repo)
	if err != nil {
		return nil, err
	}
	resp, err = c.send(ctx, method, rawURL, auth)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, method, rawURL, auth string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", strings.Join(acceptedTypes, ", "))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	code := "error"
	if err == nil {
		code = fmt.Sprint(resp.StatusCode)
	}
	requestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
	return resp, err
}

func (c *Client) cachedAuth(repo string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[repo]
}

// authorize answers a Basic or Bearer challenge and caches the resulting
// Authorization header for the repository.
func (c *Client) authorize(ctx context.Context, header, repo string) (string, error) {
	scheme, params := parseChallenge(header)
	var auth string
	switch strings.ToLower(scheme) {
	case "basic":
		if c.cfg.Username == "" {
			return "", ErrUnauthorized
		}
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		auth = req.Header.Get("Authorization")
	case "bearer":
		token, err := c.token(ctx, params, repo)
		if err != nil {
			return "", err
		}
		auth = "Bearer " + token
	default:
		return "", fmt.Errorf("%w: unsupported challenge %q", ErrUnauthorized, header)
	}

	c.mu.Lock()
	c.tokens[repo] = auth
	c.mu.Unlock()
	return auth, nil
}

func (c *Client) token(ctx context.Context, params map[string]string, repo string) (string, error) {
	realm := params["realm"]
	if realm == "" {
		return "", fmt.Errorf("%w: bearer challenge without realm", ErrUnauthorized)
	}
	u, err := url.Parse(realm)
	if err != nil {
		return "", fmt.Errorf("parse token realm: %w", err)
	}
	q := u.Query()
	if svc := params["service"]; svc != "" {
		q.Set("service", svc)
	}
	scope := params["scope"]
	if scope == "" {
		scope = "repository:" + repo + ":pull"
	}
	q.Set("scope", scope)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrUnauthorized, resp.StatusCode)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if body.Token != "" {
		return body.Token, nil
	}
	if body.AccessToken != "" {
		return body.AccessToken, nil
	}
	return "", fmt.Errorf("%w: empty token", ErrUnauthorized)
}

// parseChallenge splits a WWW-Authenticate header into its scheme and
// parameters: `Bearer realm="...",service="...",scope="..."`.
func parseChallenge(header string) (string, map[string]string) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	params := make(map[string]string)
	for rest != "" {
		rest = strings.TrimLeft(rest, " ,")
		key, after, ok := strings.Cut(rest, "=")
		if !ok {
			break
		}
		key = strings.ToLower(strings.TrimSpace(key))
		var value string
		if strings.HasPrefix(after, `"`) {
			end := strings.Index(after[1:], `"`)
			if end < 0 {
				value, rest = after[1:], ""
			} else {
				value, rest = after[1:1+end], after[2+end:]
			}
		} else {
			value, rest, _ = strings.Cut(after, ",")
		}
		params[key] = value
	}
	return scheme, params
}

func isIndexType(mt string) bool {
	return mt == ocispec.MediaTypeImageIndex || mt == MediaTypeDockerManifestList
}

func checkMediaType(desc Descriptor, ref string) error {
	if slices.Contains(acceptedTypes, desc.MediaType) {
		return nil
	}
	return &Error{Op: "resolve", Reference: ref, Err: fmt.Errorf("%w: %q", ErrUnexpectedMediaType, desc.MediaType)}
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mt
}

func statusError(op, ref string, resp *http.Response) error {
	var err error
	switch resp.StatusCode {
	case http.StatusNotFound:
		err = errors.New("manifest unknown")
	case http.StatusUnauthorized, http.StatusForbidden:
		err = ErrUnauthorized
	default:
		err = errors.New(http.StatusText(resp.StatusCode))
	}
	return &Error{Op: op, Reference: ref, StatusCode: resp.StatusCode, Err: err}
}
