package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/conda-incubator/conda-docker/internal/executil"
	"github.com/conda-incubator/conda-docker/internal/sandbox"
	"github.com/conda-incubator/conda-docker/pkg/builderr"
	"github.com/conda-incubator/conda-docker/pkg/condapkg"
	"github.com/conda-incubator/conda-docker/pkg/config"
	"github.com/conda-incubator/conda-docker/pkg/fetcher"
	"github.com/conda-incubator/conda-docker/pkg/registry"
	"github.com/conda-incubator/conda-docker/pkg/resolver"
	"github.com/conda-incubator/conda-docker/pkg/v1/image"
	"github.com/conda-incubator/conda-docker/pkg/v1/tarcodec"
	"github.com/conda-incubator/conda-docker/pkg/v1/types"
)

// LayeringStrategy selects how the built environment is converted into
// appended image layers.
type LayeringStrategy string

const (
	LayeringSingle  LayeringStrategy = "single"
	LayeringLayered LayeringStrategy = "layered"
)

// Options configures a full build: resolve, fetch, stage, install, layer,
// emit. Exactly one of Name, Prefix, Specs, or Records selects the
// resolve strategy.
type Options struct {
	Base      string // base image ref, or "scratch"
	ImageName string
	ImageTag  string

	Name   string   // resolve from environment name
	Prefix string   // resolve from environment prefix
	Specs  []string // resolve from package specs
	// Records lets a caller supply pre-built records directly, skipping
	// resolution entirely.
	Records []condapkg.PackageRecord

	CondaExe     string
	Solver       string
	InstallerExe string // standalone installer binary, hard-linked into the stage as /_conda.exe
	SandboxExe   string // chroot-like sandbox runner

	LayeringStrategy   LayeringStrategy
	Remaps             []condapkg.ChannelRemap
	TrimStaticLibs     bool
	TrimJSMaps         bool
	PerPackageLayerCap int // 0 means MaxPerPackageLayers

	CacheDir  string // fetched-package cache
	StageRoot string // scratch staging directory; a temp dir is used if empty
	Output    string // output file path, required

	Argv []string

	Runner   executil.Runner
	Registry registry.Options
	Resolver resolver.Options
	Fetcher  fetcher.Options

	Log *logrus.Entry
}

func (o Options) log() *logrus.Entry {
	if o.Log != nil {
		return o.Log
	}
	return logrus.WithField("component", "builder")
}

func (o Options) validate() error {
	if o.Output == "" {
		return &builderr.ConfigError{Hint: "--output is required"}
	}
	if o.LayeringStrategy != LayeringSingle && o.LayeringStrategy != LayeringLayered && o.LayeringStrategy != "" {
		return &builderr.ConfigError{Hint: "--layering-strategy must be 'single' or 'layered'"}
	}
	selected := 0
	for _, set := range []bool{o.Name != "", o.Prefix != "", len(o.Specs) > 0, len(o.Records) > 0} {
		if set {
			selected++
		}
	}
	if selected != 1 {
		return &builderr.ConfigError{Hint: "exactly one of --name, --prefix, package specs, or direct records must be given"}
	}
	return nil
}

// Build runs the full pipeline, writes the resulting v1 image tar to
// opts.Output, and returns a summary of what was built. When opts.StageRoot
// is empty, the temporary staging directory created for the build is always
// removed afterward, regardless of outcome; a caller-supplied StageRoot is
// left in place.
func Build(ctx context.Context, opts Options) (config.BuildResult, error) {
	start := time.Now()
	if err := opts.validate(); err != nil {
		return config.BuildResult{}, err
	}
	if opts.LayeringStrategy == "" {
		opts.LayeringStrategy = LayeringLayered
	}
	log := opts.log()

	records, err := resolveRecords(ctx, opts)
	if err != nil {
		return config.BuildResult{}, errors.Wrap(err, "resolving package closure")
	}
	log.WithField("packages", len(records)).Info("resolved package closure")

	cached, err := fetcher.Fetch(ctx, opts.Fetcher.WithCacheDir(opts.CacheDir), records)
	if err != nil {
		return config.BuildResult{}, errors.Wrap(err, "fetching packages")
	}

	stageRoot := opts.StageRoot
	cleanupStage := func() {}
	if stageRoot == "" {
		dir, err := os.MkdirTemp("", "conda-docker-stage-")
		if err != nil {
			return config.BuildResult{}, errors.Wrap(err, "creating stage directory")
		}
		stageRoot = dir
		cleanupStage = func() { os.RemoveAll(stageRoot) }
	}
	defer cleanupStage()

	stageOpts := StageOptions{
		StageRoot: stageRoot,
		CacheDir:  opts.CacheDir,
		Remaps:    opts.Remaps,
		Argv:      opts.Argv,
		Log:       log,
	}
	if err := Stage(stageOpts, cached, opts.InstallerExe); err != nil {
		return config.BuildResult{}, errors.Wrap(err, "staging environment")
	}

	if err := runInstall(ctx, opts, stageRoot); err != nil {
		return config.BuildResult{}, err
	}
	if opts.SandboxExe != "" {
		// The installer's exit status is not trusted; a completed install
		// leaves one conda-meta/<dist_name>.json per record.
		for _, rec := range cached {
			metaPath := filepath.Join(stageRoot, "opt", "conda", "conda-meta", rec.DistName()+".json")
			if _, err := os.Stat(metaPath); err != nil {
				return config.BuildResult{}, &builderr.MissingResourceError{Resource: metaPath, Cause: err}
			}
		}
	}

	if err := CleanupPreLayering(stageRoot); err != nil {
		return config.BuildResult{}, errors.Wrap(err, "cleaning up staging tree before layering")
	}

	base, err := pullBase(opts)
	if err != nil {
		return config.BuildResult{}, err
	}

	filter := tarcodec.CondaFileFilter(opts.TrimStaticLibs, opts.TrimJSMaps)
	var built types.Image
	switch opts.LayeringStrategy {
	case LayeringSingle:
		built, err = Single(stageRoot, base, filter)
	default:
		cap := opts.PerPackageLayerCap
		if cap == 0 {
			cap = MaxPerPackageLayers
		}
		built, err = Layered(stageRoot, cached, base, filter, cap)
	}
	if err != nil {
		return config.BuildResult{}, errors.Wrap(err, "building layers")
	}

	built.Name = opts.ImageName
	built.Tag = opts.ImageTag
	if err := built.Validate(); err != nil {
		return config.BuildResult{}, errors.Wrap(err, "validating built image")
	}

	if err := image.WriteToFile(opts.Output, built); err != nil {
		return config.BuildResult{}, errors.Wrap(err, "writing output image")
	}

	res := config.BuildResult{
		Output:       opts.Output,
		PackageCount: len(records),
		Layers:       len(built.Layers),
		HeadID:       built.Head(),
		Took:         time.Since(start),
	}
	log.WithFields(logrus.Fields{"output": res.Output, "layers": res.Layers, "took": res.Took}).Info("wrote image")
	return res, nil
}

func resolveRecords(ctx context.Context, opts Options) ([]condapkg.PackageRecord, error) {
	if len(opts.Records) > 0 {
		return opts.Records, nil
	}

	ropts := opts.Resolver
	if ropts.CondaExe == "" {
		ropts.CondaExe = opts.CondaExe
	}
	if ropts.Solver == "" {
		ropts.Solver = opts.Solver
	}
	if ropts.Runner == nil {
		ropts.Runner = opts.Runner
	}

	if opts.Name != "" || opts.Prefix != "" {
		return resolver.FromEnvironment(ctx, ropts, opts.Name, opts.Prefix)
	}

	scratch, cleanup, err := resolver.EnsureScratchPrefix()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cache := &resolver.RepodataCache{
		CacheDir:        opts.CacheDir,
		AllowNonChannel: ropts.AllowNonChannel,
	}
	return resolver.FromSpecs(ctx, ropts, cache, scratch, opts.Specs)
}

func runInstall(ctx context.Context, opts Options, stageRoot string) error {
	log := opts.log()
	runner := opts.Runner
	if runner == nil {
		runner = executil.OSRunner{}
	}

	if opts.InstallerExe != "" {
		if err := sandbox.Extract(ctx, runner, opts.InstallerExe, stageRoot); err != nil {
			return errors.Wrap(err, "extracting conda packages")
		}
	}

	if opts.SandboxExe == "" {
		return nil
	}
	exitCode, err := sandbox.Install(ctx, runner, opts.SandboxExe, stageRoot)
	if err != nil {
		// The installer can segfault after a successful install; a nonzero
		// exit is logged, not fatal. Build then checks for the expected
		// conda-meta artifacts instead.
		log.WithField("exit_code", exitCode).Warn(&builderr.SandboxInstallWarning{ExitCode: exitCode, Cause: err})
	}
	return nil
}

func pullBase(opts Options) (types.Image, error) {
	if opts.Base == "" || opts.Base == "scratch" {
		return image.New(opts.ImageName, opts.ImageTag), nil
	}
	ropts := opts.Registry
	if ropts.Log == nil {
		ropts.Log = opts.log()
	}
	client := registry.New(ropts)

	name, tag := opts.Base, "latest"
	if idx := strings.LastIndex(opts.Base, ":"); idx > strings.LastIndex(opts.Base, "/") {
		name, tag = opts.Base[:idx], opts.Base[idx+1:]
	}
	return client.Pull(name, tag)
}
