// Package config loads BuildConfig from a YAML file, CLI flags, and
// environment variables, layered in that priority order (flags win over
// file, file wins over env, env supplies only the documented overrides).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/conda-incubator/conda-docker/pkg/builderr"
	"github.com/conda-incubator/conda-docker/pkg/condapkg"
)

// BuildConfig is the full set of inputs a build run needs, independent of
// how they were supplied (file, flags, or environment).
type BuildConfig struct {
	Base      string `yaml:"base"`
	ImageName string `yaml:"image"`

	Prefix string   `yaml:"prefix"`
	Name   string   `yaml:"name"`
	Specs  []string `yaml:"specs"`

	CondaExe         string `yaml:"conda_exe"`
	Solver           string `yaml:"solver"`
	Output           string `yaml:"output"`
	LayeringStrategy string `yaml:"layering_strategy"`

	RegistryURL      string `yaml:"registry_url"`
	RegistryUsername string `yaml:"registry_username"`
	RegistryPassword string `yaml:"registry_password"`

	CacheDir string `yaml:"cache_dir"`

	// PerPackageLayerCap bounds how many per-package layers the "layered"
	// strategy emits before rolling the remainder into the catch-all
	// layer. Registries and runtimes cap the depth of a layer chain, so
	// very large environments must not get one layer per package.
	PerPackageLayerCap int `yaml:"per_package_layer_cap"`

	// Remaps rewrites package URLs when writing image-visible catalog
	// files, each entry formatted "src=dst".
	Remaps []string `yaml:"remaps"`

	TrimStaticLibs bool `yaml:"trim_static_libs"`
	TrimJSMaps     bool `yaml:"trim_js_maps"`
}

// BuildResult summarizes a completed build for logging and for callers
// that script this tool (e.g. a CI pipeline inspecting exit details).
type BuildResult struct {
	Output       string
	PackageCount int
	Layers       int
	HeadID       string
	Took         time.Duration
}

// Defaults returns the documented CLI default values.
func Defaults() BuildConfig {
	return BuildConfig{
		Base:               "frolvlad/alpine-glibc:latest",
		ImageName:          "conda-docker:latest",
		LayeringStrategy:   "layered",
		PerPackageLayerCap: 100,
	}
}

// ParseRemaps turns the "src=dst" entries from BuildConfig.Remaps into
// condapkg.ChannelRemap values, failing on any entry missing its "=".
func (c BuildConfig) ParseRemaps() ([]condapkg.ChannelRemap, error) {
	remaps := make([]condapkg.ChannelRemap, 0, len(c.Remaps))
	for _, raw := range c.Remaps {
		src, dst, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, &builderr.ConfigError{Hint: fmt.Sprintf("--remap %q must be of the form src=dst", raw)}
		}
		remaps = append(remaps, condapkg.ChannelRemap{Src: src, Dst: dst})
	}
	return remaps, nil
}

// Load reads a YAML config file, if path is non-empty, then fills in the
// environment variable overrides for any of their fields the file left
// unset. File values win over defaults and environment; CLI flags (applied
// by the caller afterward) win over all of them.
func Load(path string) (BuildConfig, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &builderr.MalformedDataError{Context: "config file " + path, Cause: err}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv fills the documented environment variable overrides into fields
// that are still empty.
func applyEnv(cfg *BuildConfig) {
	if v := os.Getenv("CONDA_DOCKER_REGISTRY_URL"); v != "" && cfg.RegistryURL == "" {
		cfg.RegistryURL = v
	}
	if v := os.Getenv("CONDA_DOCKER_REGISTRY_USERNAME"); v != "" && cfg.RegistryUsername == "" {
		cfg.RegistryUsername = v
	}
	if v := os.Getenv("CONDA_DOCKER_REGISTRY_PASSWORD"); v != "" && cfg.RegistryPassword == "" {
		cfg.RegistryPassword = v
	}
	if v := os.Getenv("CONDA_EXE"); v != "" && cfg.CondaExe == "" {
		cfg.CondaExe = v
	}
}
