// Package resolver produces the ordered package closure that the Builder
// stages, by one of three strategies: from an existing environment, from a
// list of specs, or supplied directly by a caller. Everything takes an
// explicit Options value; there is no shared mutable configuration state.
package resolver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/conda-incubator/conda-docker/internal/executil"
	"github.com/conda-incubator/conda-docker/pkg/builderr"
	"github.com/conda-incubator/conda-docker/pkg/condapkg"
)

// Options configures every resolve strategy. It is a plain value passed
// explicitly to each call, not a shared mutable singleton.
type Options struct {
	CondaExe        string // path to the introspection tool, auto-detected if empty
	Solver          string // path to the solver override, falls back to CondaExe
	AllowNonChannel bool   // permit repodata outside a recognized channel on noarch

	Runner executil.Runner
	Log    *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.Runner == nil {
		o.Runner = executil.OSRunner{}
	}
	if o.Log == nil {
		o.Log = logrus.WithField("component", "resolver")
	}
	return o
}

func (o Options) tool() (string, error) {
	return executil.Discover(o.CondaExe, "conda", "mamba")
}

func (o Options) solver() (string, error) {
	if o.Solver != "" {
		return executil.Discover(o.Solver)
	}
	return o.tool()
}

// explicitMetadata is the per-package object the introspection tool
// returns from "list --json", keyed by dist_name.
type explicitMetadata struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	BuildString string `mapstructure:"build_string"`
	BuildNumber int    `mapstructure:"build_number"`
	Channel     string `mapstructure:"channel"`
	BaseURL     string `mapstructure:"base_url"`
	Subdir      string `mapstructure:"platform"`
}

// FromEnvironment resolves the package closure of an existing conda
// environment, identified either by name or by prefix (exactly one of the
// two must be set): two tool invocations joined on dist_name, with the
// explicit listing's order authoritative.
func FromEnvironment(ctx context.Context, opts Options, name, prefix string) ([]condapkg.PackageRecord, error) {
	opts = opts.withDefaults()
	if (name == "") == (prefix == "") {
		return nil, &builderr.ConfigError{Hint: "exactly one of environment name or prefix must be given"}
	}

	tool, err := opts.tool()
	if err != nil {
		return nil, err
	}

	identFlag, identValue := "-n", name
	if prefix != "" {
		identFlag, identValue = "-p", prefix
	}

	metaOut, _, err := opts.Runner.Run(ctx, "", tool, []string{"list", identFlag, identValue, "--json"}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "listing environment metadata")
	}
	metaByDist, err := decodeMetadataByDist(metaOut)
	if err != nil {
		return nil, err
	}

	explicitOut, _, err := opts.Runner.Run(ctx, "", tool, []string{"list", identFlag, identValue, "--explicit", "--json", "--md5"}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "listing explicit install order")
	}

	return joinExplicit(explicitOut, metaByDist)
}

// decodeMetadataByDist decodes the introspection tool's "list --json"
// output into a dist_name -> metadata map, tolerating unknown fields by
// routing them through mapstructure's lenient decode rather than failing
// the whole call.
func decodeMetadataByDist(raw []byte) (map[string]explicitMetadata, error) {
	var generic map[string]map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &builderr.MalformedDataError{Context: "list --json", Cause: err}
	}
	out := make(map[string]explicitMetadata, len(generic))
	for dist, fields := range generic {
		var m explicitMetadata
		if err := mapstructure.Decode(fields, &m); err != nil {
			return nil, &builderr.MalformedDataError{Context: "list --json entry " + dist, Cause: err}
		}
		out[dist] = m
	}
	return out, nil
}

// joinExplicit parses an "@EXPLICIT"-style url#md5 listing and joins each
// line against metaByDist on dist_name, preserving the listing's order.
func joinExplicit(raw []byte, metaByDist map[string]explicitMetadata) ([]condapkg.PackageRecord, error) {
	var records []condapkg.PackageRecord
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "@") {
			continue
		}
		url, md5, ok := strings.Cut(line, "#")
		if !ok {
			return nil, &builderr.MalformedDataError{Context: "explicit listing", Cause: errors.Errorf("line %q missing md5", line)}
		}
		fn := condapkg.FNFromURL(url)
		dist := condapkg.DistName(fn)

		meta := metaByDist[dist]
		records = append(records, condapkg.PackageRecord{
			URL:         url,
			FN:          fn,
			MD5:         md5,
			Name:        meta.Name,
			Version:     meta.Version,
			BuildString: meta.BuildString,
			BuildNumber: meta.BuildNumber,
			Subdir:      meta.Subdir,
			Channel:     meta.Channel,
			BaseURL:     meta.BaseURL,
		})
	}
	return records, nil
}
