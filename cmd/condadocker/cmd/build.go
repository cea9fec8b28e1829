package cmd

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/conda-incubator/conda-docker/internal/executil"
	"github.com/conda-incubator/conda-docker/pkg/builder"
	"github.com/conda-incubator/conda-docker/pkg/builderr"
	"github.com/conda-incubator/conda-docker/pkg/config"
	"github.com/conda-incubator/conda-docker/pkg/registry"
)

func newBuildCmd() *cobra.Command {
	var (
		configFile string
		base       string
		imageRef   string
		prefix     string
		name       string
		condaExe   string
		solver     string
		installer  string
		sandboxExe string
		output     string
		strategy   string
		cacheDir   string
		remaps     []string
		trimStatic bool
		trimMaps   bool
	)

	cmd := &cobra.Command{
		Use:   "build [flags] [specs...]",
		Short: "Resolve, fetch, and stage a package environment into a new image tar",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			applyFlagOverrides(&cfg, cmd.Flags(), base, imageRef, prefix, name, condaExe, solver, output, strategy, cacheDir, remaps, trimStatic, trimMaps)

			if cfg.Name != "" && cfg.Prefix != "" {
				return &builderr.ConfigError{Hint: "--name and --prefix are mutually exclusive"}
			}
			if cfg.Name == "" && cfg.Prefix == "" && len(args) == 0 {
				return &builderr.ConfigError{Hint: "one of --name, --prefix, or package specs must be given"}
			}

			remapList, err := cfg.ParseRemaps()
			if err != nil {
				return err
			}

			imgName, imgTag := splitImageRef(cfg.ImageName)

			opts := builder.Options{
				Base:               cfg.Base,
				ImageName:          imgName,
				ImageTag:           imgTag,
				Name:               cfg.Name,
				Prefix:             cfg.Prefix,
				Specs:              args,
				CondaExe:           cfg.CondaExe,
				Solver:             cfg.Solver,
				InstallerExe:       installer,
				SandboxExe:         sandboxExe,
				LayeringStrategy:   builder.LayeringStrategy(cfg.LayeringStrategy),
				Remaps:             remapList,
				TrimStaticLibs:     cfg.TrimStaticLibs,
				TrimJSMaps:         cfg.TrimJSMaps,
				PerPackageLayerCap: cfg.PerPackageLayerCap,
				CacheDir:           cfg.CacheDir,
				Output:             cfg.Output,
				Argv:               append([]string{"condadocker", "build"}, args...),
				Runner:             executil.OSRunner{},
				Registry: registry.Options{
					RegistryURL: cfg.RegistryURL,
					Username:    cfg.RegistryUsername,
					Password:    cfg.RegistryPassword,
				},
				Log: logrus.WithField("component", "builder"),
			}

			res, err := builder.Build(cmd.Context(), opts)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"output":   res.Output,
				"packages": res.PackageCount,
				"layers":   res.Layers,
				"head":     res.HeadID,
				"took":     res.Took,
			}).Info("build complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to an optional YAML config file")
	cmd.Flags().StringVarP(&base, "base", "b", "frolvlad/alpine-glibc:latest", "base image ref, or \"scratch\"")
	cmd.Flags().StringVarP(&imageRef, "image", "i", "conda-docker:latest", "output image name:tag")
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "source environment prefix")
	cmd.Flags().StringVarP(&name, "name", "n", "", "source environment name")
	cmd.Flags().StringVar(&condaExe, "conda-exe", "", "path to the environment introspection tool (auto-detected if empty)")
	cmd.Flags().StringVarP(&solver, "solver", "s", "", "solver tool override (auto-detected if empty)")
	cmd.Flags().StringVar(&installer, "installer-exe", "", "path to the standalone installer binary")
	cmd.Flags().StringVar(&sandboxExe, "sandbox-exe", "", "path to the chroot-like sandbox runner")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path (required)")
	cmd.Flags().StringVar(&strategy, "layering-strategy", "layered", "one of {layered, single}")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "package tarball cache directory")
	cmd.Flags().StringArrayVar(&remaps, "remap", nil, "rewrite catalog-visible URLs, formatted src=dst (repeatable)")
	cmd.Flags().BoolVar(&trimStatic, "trim-static-libs", false, "drop .a static archives from the new layer(s)")
	cmd.Flags().BoolVar(&trimMaps, "trim-js-maps", false, "drop .js.map source maps from the new layer(s)")
	cmd.MarkFlagRequired("output")

	return cmd
}

// applyFlagOverrides layers CLI flags over a loaded BuildConfig: flags
// explicitly set by the user win over the file/defaults, per the
// documented precedence (flags > file > environment).
func applyFlagOverrides(cfg *config.BuildConfig, flags *pflag.FlagSet, base, imageRef, prefix, name, condaExe, solver, output, strategy, cacheDir string, remaps []string, trimStatic, trimMaps bool) {
	set := func(flag string) bool { return flags.Changed(flag) }

	if set("base") {
		cfg.Base = base
	}
	if set("image") {
		cfg.ImageName = imageRef
	}
	if set("prefix") {
		cfg.Prefix = prefix
	}
	if set("name") {
		cfg.Name = name
	}
	if set("conda-exe") {
		cfg.CondaExe = condaExe
	}
	if set("solver") {
		cfg.Solver = solver
	}
	if set("output") {
		cfg.Output = output
	}
	if set("layering-strategy") {
		cfg.LayeringStrategy = strategy
	}
	if set("cache-dir") {
		cfg.CacheDir = cacheDir
	}
	if set("remap") {
		cfg.Remaps = remaps
	}
	if set("trim-static-libs") {
		cfg.TrimStaticLibs = trimStatic
	}
	if set("trim-js-maps") {
		cfg.TrimJSMaps = trimMaps
	}
}

// splitImageRef splits a "name:tag" image reference, defaulting to
// "latest" when no tag is present.
func splitImageRef(ref string) (string, string) {
	if idx := strings.LastIndex(ref, ":"); idx > strings.LastIndex(ref, "/") {
		return ref[:idx], ref[idx+1:]
	}
	return ref, "latest"
}
