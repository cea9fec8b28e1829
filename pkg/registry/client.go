package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/conda-incubator/conda-docker/pkg/builderr"
	"github.com/conda-incubator/conda-docker/pkg/v1/types"
)

// Default registry and token-service endpoints, overridable via Options or
// the CONDA_DOCKER_REGISTRY_URL environment variable (see pkg/config).
const (
	DefaultRegistryURL = "https://registry-1.docker.io"
	DefaultTokenURL    = "https://auth.docker.io/token?service=registry.docker.io"
)

// Options configures a Client.
type Options struct {
	RegistryURL string
	TokenURL    string
	Username    string
	Password    string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	Log *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.RegistryURL == "" {
		o.RegistryURL = DefaultRegistryURL
	}
	if o.TokenURL == "" {
		o.TokenURL = DefaultTokenURL
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 9150 * time.Millisecond
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.Log == nil {
		o.Log = logrus.WithField("component", "registry")
	}
	return o
}

// Client pulls base images from a registry over HTTPS. It never talks to
// a Docker daemon.
type Client struct {
	opts Options
	base *http.Client
}

// New returns a Client configured with the given options, defaults filled
// in for anything left zero.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts: opts,
		base: &http.Client{
			Timeout: opts.ConnectTimeout + opts.ReadTimeout,
		},
	}
}

// tokenResponse is the decoded shape of the token service's JSON response.
type tokenResponse struct {
	Token string `json:"token"`
}

// getToken requests a bearer token scoped to "repository:{image}:pull",
// optionally presenting basic-auth credentials.
func (c *Client) getToken(image string) (string, error) {
	scope := fmt.Sprintf("repository:%s:pull", image)
	u, err := url.Parse(c.opts.TokenURL)
	if err != nil {
		return "", errors.Wrap(err, "parsing token URL")
	}
	q := u.Query()
	q.Set("scope", scope)
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	if c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return "", &builderr.NetworkError{URL: u.String(), Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", &builderr.NetworkError{URL: u.String(), StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "reading token response")
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &builderr.MalformedDataError{Context: "token response", Cause: err}
	}
	return tr.Token, nil
}

func (c *Client) authedClient(token string) *http.Client {
	return &http.Client{
		Timeout: c.base.Timeout,
		Transport: &bearerTransport{
			inner: http.DefaultTransport,
			token: token,
		},
	}
}

// schema1Manifest is the legacy "schema 1" manifest shape: parallel
// history and fsLayers arrays, top layer first.
type schema1Manifest struct {
	History  []struct {
		V1Compatibility string `json:"v1Compatibility"`
	} `json:"history"`
	FSLayers []struct {
		BlobSum string `json:"blobSum"`
	} `json:"fsLayers"`
}

// v1Compatibility is the per-layer metadata embedded as a JSON string in
// each history entry.
type v1Compatibility struct {
	ID           string        `json:"id"`
	Parent       string        `json:"parent,omitempty"`
	Architecture string        `json:"architecture,omitempty"`
	OS           string        `json:"os,omitempty"`
	Created      time.Time     `json:"created"`
	Author       string        `json:"author,omitempty"`
	Checksum     string        `json:"checksum,omitempty"`
	Size         int64         `json:"Size,omitempty"`
	Config       *types.Config `json:"config,omitempty"`
}

func (c *Client) getManifest(image, tag, token string) (*schema1Manifest, error) {
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", c.opts.RegistryURL, image, tag)
	resp, err := c.authedClient(token).Get(u)
	if err != nil {
		return nil, &builderr.NetworkError{URL: u, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &builderr.NetworkError{URL: u, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest response")
	}
	var m schema1Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &builderr.MalformedDataError{Context: "manifest", Cause: err}
	}
	return &m, nil
}

func (c *Client) getBlob(image, blobSum, token string) ([]byte, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", c.opts.RegistryURL, image, blobSum)
	resp, err := c.authedClient(token).Get(u)
	if err != nil {
		return nil, &builderr.NetworkError{URL: u, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &builderr.NetworkError{URL: u, StatusCode: resp.StatusCode}
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, &builderr.MalformedDataError{Context: "blob " + blobSum, Cause: err}
	}
	defer gz.Close()

	content, err := io.ReadAll(gz)
	if err != nil {
		return nil, errors.Wrapf(err, "decompressing blob %s", blobSum)
	}
	return content, nil
}

// Pull fetches image:tag from the registry and returns it as a types.Image
// with one Layer per manifest entry, content set to the decompressed blob
// bytes, index 0 holding the topmost layer. "scratch" is special-cased to
// return an empty-layered image without any network I/O.
func (c *Client) Pull(image, tag string) (types.Image, error) {
	if image == "scratch" {
		return types.Image{}, nil
	}

	log := c.opts.Log.WithFields(logrus.Fields{"image": image, "tag": tag})
	log.Debug("requesting bearer token")
	token, err := c.getToken(image)
	if err != nil {
		return types.Image{}, errors.Wrap(err, "acquiring bearer token")
	}

	log.Debug("fetching manifest")
	manifest, err := c.getManifest(image, tag, token)
	if err != nil {
		return types.Image{}, errors.Wrap(err, "fetching manifest")
	}
	if len(manifest.History) != len(manifest.FSLayers) {
		return types.Image{}, &builderr.MalformedDataError{Context: "manifest", Cause: fmt.Errorf("history has %d entries, fsLayers has %d", len(manifest.History), len(manifest.FSLayers))}
	}

	layers := make([]types.Layer, len(manifest.History))
	for i := range manifest.History {
		var meta v1Compatibility
		if err := json.Unmarshal([]byte(manifest.History[i].V1Compatibility), &meta); err != nil {
			return types.Image{}, &builderr.MalformedDataError{Context: "v1Compatibility", Cause: err}
		}

		blobSum := manifest.FSLayers[i].BlobSum
		log.WithField("layer", i).Debug("fetching blob ", blobSum)
		content, err := c.getBlob(image, blobSum, token)
		if err != nil {
			return types.Image{}, errors.Wrapf(err, "fetching blob %s", blobSum)
		}

		layers[i] = types.Layer{
			ID:           meta.ID,
			ParentID:     meta.Parent,
			Architecture: meta.Architecture,
			OS:           meta.OS,
			Created:      meta.Created,
			Author:       meta.Author,
			Checksum:     meta.Checksum,
			Content:      content,
			Config:       meta.Config,
		}
	}

	img := types.Image{Layers: layers}
	if err := img.Validate(); err != nil {
		return types.Image{}, &builderr.MalformedDataError{Context: "pulled image parent chain", Cause: err}
	}
	return img, nil
}
