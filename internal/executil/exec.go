// Package executil wraps subprocess invocation of the external tools this
// system treats as narrow-contract collaborators: the solver / environment
// introspection tool and, inside the sandbox, the extractor and installer.
// It never interprets their behavior beyond the documented JSON or text
// contract; re-implementing a solver is out of scope.
package executil

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/conda-incubator/conda-docker/pkg/builderr"
)

// Runner executes external commands. A real Runner shells out via
// os/exec; tests substitute a fake that returns canned output, since this
// module never re-implements the solver or installer itself.
type Runner interface {
	Run(ctx context.Context, dir, name string, args []string, env []string) (stdout, stderr []byte, err error)
}

// OSRunner is the production Runner: plain os/exec with captured stdout
// and stderr.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, dir, name string, args []string, env []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := logrus.WithFields(logrus.Fields{"component": "executil", "cmd": name, "args": args})
	log.Debug("running subprocess")
	err := cmd.Run()
	if err != nil {
		if _, ok := err.(*exec.Error); ok {
			return stdout.Bytes(), stderr.Bytes(), &builderr.MissingResourceError{Resource: name, Cause: err}
		}
		return stdout.Bytes(), stderr.Bytes(), errors.Wrapf(err, "running %s %v: %s", name, args, stderr.String())
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// Discover resolves a tool path: prefer an explicit override, else look it
// up on PATH, else fail with a MissingResourceError naming the first
// candidate.
func Discover(override string, candidates ...string) (string, error) {
	if override != "" {
		if _, err := exec.LookPath(override); err == nil {
			return override, nil
		}
		// Allow an absolute/relative path that LookPath won't resolve but
		// that still exists as a file.
		return override, nil
	}
	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil {
			return p, nil
		}
	}
	return "", &builderr.MissingResourceError{Resource: candidates[0], Cause: errors.New("not found on PATH")}
}
