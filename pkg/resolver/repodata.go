package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/conda-incubator/conda-docker/pkg/builderr"
)

// ErrContentUnchanged reports that the channel's repodata.json has not
// changed since the last fetch (HTTP 304). fetch returns it alongside the
// still-valid cached document; Get treats it as success.
var ErrContentUnchanged = errors.New("repodata: content unchanged (304)")

// Repodata is the subset of a channel's repodata.json this tool needs: the
// md5 of each package filename it lists.
type Repodata struct {
	Packages map[string]RepodataEntry `json:"packages"`
	// PackagesConda holds entries for ".conda"-format packages, which
	// upstream repodata keeps in a separate top-level key.
	PackagesConda map[string]RepodataEntry `json:"packages.conda"`
}

// RepodataEntry is one package's row inside repodata.json.
type RepodataEntry struct {
	MD5 string `json:"md5"`
}

// MD5For looks up fn in either of repodata's two package maps.
func (r *Repodata) MD5For(fn string) (string, bool) {
	if e, ok := r.Packages[fn]; ok {
		return e.MD5, true
	}
	if e, ok := r.PackagesConda[fn]; ok {
		return e.MD5, true
	}
	return "", false
}

// conditionalFields are the revalidation headers injected into the
// top-level object of a persisted repodata document, so the next fetch
// can send If-None-Match / If-Modified-Since.
type conditionalFields struct {
	ETag    string `json:"_etag,omitempty"`
	ModTime string `json:"_mod,omitempty"`
}

// RepodataCache fetches and memoizes one repodata.json per channel URL,
// honoring conditional-request headers across process runs via an on-disk
// cache directory, and collapsing concurrent in-process lookups of the
// same URL with singleflight.
type RepodataCache struct {
	CacheDir        string
	AllowNonChannel bool
	HTTPClient      *http.Client

	group singleflight.Group
}

func (c *RepodataCache) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 9150*time.Millisecond + 60*time.Second}
}

func (c *RepodataCache) cachePath(channelURL string) string {
	sum := sha256.Sum256([]byte(channelURL))
	return filepath.Join(c.CacheDir, hex.EncodeToString(sum[:])+".json")
}

// Get returns the parsed repodata.json for a channel base URL of the form
// "{base_url}/{subdir}", fetching and caching it if necessary. A
// revalidated cache hit (ErrContentUnchanged from fetch) is success here.
func (c *RepodataCache) Get(channelURL string) (*Repodata, error) {
	v, err, _ := c.group.Do(channelURL, func() (interface{}, error) {
		return c.fetch(channelURL)
	})
	if err != nil && !errors.Is(err, ErrContentUnchanged) {
		return nil, err
	}
	return v.(*Repodata), nil
}

func (c *RepodataCache) fetch(channelURL string) (*Repodata, error) {
	url := strings.TrimRight(channelURL, "/") + "/repodata.json"
	isNoarch := strings.HasSuffix(strings.TrimRight(channelURL, "/"), "/noarch")

	cachePath := c.cachePath(channelURL)
	var prior conditionalFields
	priorData, priorErr := os.ReadFile(cachePath)
	if priorErr == nil {
		_ = json.Unmarshal(priorData, &prior)
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if prior.ETag != "" {
		req.Header.Set("If-None-Match", prior.ETag)
	}
	if prior.ModTime != "" {
		req.Header.Set("If-Modified-Since", prior.ModTime)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, &builderr.NetworkError{URL: url, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		var rd Repodata
		if err := json.Unmarshal(priorData, &rd); err != nil {
			return nil, &builderr.MalformedDataError{Context: "cached repodata for " + channelURL, Cause: err}
		}
		return &rd, ErrContentUnchanged

	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		// A channel may simply not publish a given platform subdir, which
		// is logged and treated as empty; every channel publishes noarch,
		// so a missing noarch subdir is fatal unless AllowNonChannel.
		if isNoarch && !c.AllowNonChannel {
			return nil, &builderr.NetworkError{URL: url, StatusCode: resp.StatusCode}
		}
		logrus.WithField("component", "resolver").Warnf("repodata %s returned %d, treating as empty", url, resp.StatusCode)
		return &Repodata{}, nil

	case resp.StatusCode >= 500:
		return nil, &builderr.NetworkError{URL: url, StatusCode: resp.StatusCode, Cause: errors.New("server error, consider retrying")}

	case resp.StatusCode >= 400:
		return nil, &builderr.NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading repodata from %s", url)
	}
	var rd Repodata
	if err := json.Unmarshal(body, &rd); err != nil {
		return nil, &builderr.MalformedDataError{Context: "repodata from " + url, Cause: err}
	}

	if c.CacheDir != "" {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(body, &doc); err == nil {
			if et := resp.Header.Get("ETag"); et != "" {
				doc["_etag"], _ = json.Marshal(et)
			}
			if lm := resp.Header.Get("Last-Modified"); lm != "" {
				doc["_mod"], _ = json.Marshal(lm)
			}
			if err := os.MkdirAll(c.CacheDir, 0755); err == nil {
				if data, err := json.Marshal(doc); err == nil {
					_ = os.WriteFile(cachePath, data, 0644)
				}
			}
		}
	}

	return &rd, nil
}

// FNFor builds the conda package filename for a resolved link entry,
// preferring the ".conda" format when the channel lists it and falling
// back to ".tar.bz2".
func FNFor(rd *Repodata, name, version, buildString string) (string, bool) {
	condaFN := fmt.Sprintf("%s-%s-%s.conda", name, version, buildString)
	if _, ok := rd.PackagesConda[condaFN]; ok {
		return condaFN, true
	}
	tarFN := fmt.Sprintf("%s-%s-%s.tar.bz2", name, version, buildString)
	if _, ok := rd.Packages[tarFN]; ok {
		return tarFN, true
	}
	return "", false
}
