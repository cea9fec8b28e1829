// Package sandbox provides the narrow contract this module uses to run
// the external extractor and installer inside an isolated filesystem view
// rooted at the staging tree. It never implements the chroot-like
// isolation itself; that is an external collaborator's job. This package
// only shapes the environment and argv handed to executil.Runner.
package sandbox

import (
	"context"
	"errors"
	"os/exec"

	"github.com/conda-incubator/conda-docker/internal/executil"
)

// Env are the environment variables the installer expects when run inside
// a sandbox; paths are sandbox-relative, so the staging root never
// appears here.
func Env() []string {
	return []string{
		"CONDA_SAFETY_CHECKS=disabled",
		"CONDA_EXTRA_SAFETY_CHECKS=no",
		"CONDA_PKGS_DIRS=/opt/conda/pkgs",
		"CONDA_ROOT=/opt/conda",
		"HOME=/root",
		"PATH=/bin:/usr/bin",
	}
}

// Extract runs the installer's constructor subcommand against the staging
// tree directly (outside the chroot view, since it only needs to see the
// package cache it is extracting into).
func Extract(ctx context.Context, runner executil.Runner, installerExe, stageRoot string) error {
	args := []string{"constructor", "--prefix", stageRoot + "/opt/conda", "--extract-conda-pkgs"}
	_, _, err := runner.Run(ctx, "", installerExe, args, nil)
	return err
}

// Install runs "/_conda.exe install ..." under a chroot-like view rooted
// at stageRoot. sandboxExe is the external program that constructs that
// view and then execs the given command inside it (an out-of-scope
// collaborator; this module only shapes its argv and environment).
func Install(ctx context.Context, runner executil.Runner, sandboxExe, stageRoot string) (int, error) {
	args := []string{
		stageRoot,
		"/_conda.exe", "install",
		"--offline",
		"--file", "/opt/conda/pkgs/env.txt",
		"-y",
		"--prefix", "/opt/conda",
	}
	_, stderr, err := runner.Run(ctx, "", sandboxExe, args, Env())
	if err == nil {
		return 0, nil
	}
	return exitCodeOf(err, stderr), err
}

// exitCodeOf extracts a best-effort exit code from a subprocess error for
// logging purposes. executil wraps a real *exec.ExitError with
// github.com/pkg/errors, which implements Unwrap, so errors.As still
// finds it through the wrapping.
func exitCodeOf(err error, stderr []byte) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
