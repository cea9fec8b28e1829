package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/conda-incubator/conda-docker/pkg/builderr"
	"github.com/conda-incubator/conda-docker/pkg/condapkg"
)

// linkAction is one entry of a solver dry-run's actions.LINK array.
type linkAction struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	BuildString string `mapstructure:"build_string"`
	BuildNumber int     `mapstructure:"build_number"`
	Channel     string `mapstructure:"channel"`
	BaseURL     string `mapstructure:"base_url"`
	Platform    string `mapstructure:"platform"`
}

type solveResult struct {
	Actions struct {
		LINK []map[string]interface{} `json:"LINK"`
	} `json:"actions"`
}

// FromSpecs resolves the package closure of a list of package
// specifications by shelling out to a solver tool in dry-run mode, then
// fetching each resolved package's md5 from its channel's repodata.json.
// The solver's LINK order is preserved in the returned records.
func FromSpecs(ctx context.Context, opts Options, cache *RepodataCache, scratchPrefix string, specs []string) ([]condapkg.PackageRecord, error) {
	opts = opts.withDefaults()
	if len(specs) == 0 {
		return nil, &builderr.ConfigError{Hint: "no package specs given"}
	}

	solver, err := opts.solver()
	if err != nil {
		return nil, err
	}

	args := append([]string{"create", "--dry-run", "--prefix", scratchPrefix, "--json"}, specs...)
	out, _, err := opts.Runner.Run(ctx, "", solver, args, nil)
	if err != nil {
		return nil, errors.Wrap(err, "running solver dry-run")
	}

	var solved solveResult
	if err := json.Unmarshal(out, &solved); err != nil {
		return nil, &builderr.MalformedDataError{Context: "solver dry-run output", Cause: err}
	}

	records := make([]condapkg.PackageRecord, 0, len(solved.Actions.LINK))
	for _, raw := range solved.Actions.LINK {
		var link linkAction
		if err := mapstructure.Decode(raw, &link); err != nil {
			return nil, &builderr.MalformedDataError{Context: "solver LINK entry", Cause: err}
		}

		channelURL := fmt.Sprintf("%s/%s", link.BaseURL, link.Platform)
		rd, err := cache.Get(channelURL)
		if err != nil {
			return nil, errors.Wrapf(err, "fetching repodata for %s", channelURL)
		}

		fn, ok := FNFor(rd, link.Name, link.Version, link.BuildString)
		if !ok {
			return nil, &builderr.MalformedDataError{Context: "repodata lookup", Cause: errors.Errorf("%s-%s-%s not found in %s", link.Name, link.Version, link.BuildString, channelURL)}
		}
		md5, _ := rd.MD5For(fn)

		records = append(records, condapkg.PackageRecord{
			URL:         channelURL + "/" + fn,
			FN:          fn,
			MD5:         md5,
			Name:        link.Name,
			Version:     link.Version,
			BuildString: link.BuildString,
			BuildNumber: link.BuildNumber,
			Subdir:      link.Platform,
			Channel:     link.Channel,
			BaseURL:     link.BaseURL,
		})
	}
	return records, nil
}

// EnsureScratchPrefix creates an empty directory suitable for passing as
// --prefix to a dry-run solver invocation, and returns a cleanup func.
func EnsureScratchPrefix() (string, func(), error) {
	dir, err := os.MkdirTemp("", "conda-docker-solve-")
	if err != nil {
		return "", func() {}, errors.Wrap(err, "creating scratch solve prefix")
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}
