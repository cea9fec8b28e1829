package builderr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkErrorRetryable(t *testing.T) {
	fatal := &NetworkError{URL: "https://x", StatusCode: 404}
	assert.False(t, fatal.Retryable())

	serverErr := &NetworkError{URL: "https://x", StatusCode: 503}
	assert.True(t, serverErr.Retryable())
}

func TestNetworkErrorMessageWithCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	e := &NetworkError{URL: "https://x", Cause: cause}
	assert.Contains(t, e.Error(), "https://x")
	assert.Contains(t, e.Error(), "timeout")
	assert.Equal(t, cause, errors.Unwrap(e))
}

func TestIntegrityErrorMessage(t *testing.T) {
	e := &IntegrityError{Path: "/tmp/x.conda", Kind: "md5", Want: "aaa", Got: "bbb"}
	assert.Contains(t, e.Error(), "md5")
	assert.Contains(t, e.Error(), "/tmp/x.conda")
	assert.Contains(t, e.Error(), "aaa")
	assert.Contains(t, e.Error(), "bbb")
}

func TestMalformedDataErrorUnwraps(t *testing.T) {
	cause := errors.New("unexpected field")
	e := &MalformedDataError{Context: "repodata.json", Cause: cause}
	assert.ErrorIs(t, e, cause)
}

func TestMissingResourceErrorWithoutCause(t *testing.T) {
	e := &MissingResourceError{Resource: "mamba"}
	assert.Equal(t, "missing resource: mamba", e.Error())
}

func TestConfigErrorMessage(t *testing.T) {
	e := &ConfigError{Hint: "both --name and --prefix given"}
	assert.Contains(t, e.Error(), "both --name and --prefix given")
}

func TestSandboxInstallWarningIsNotFatalByConvention(t *testing.T) {
	e := &SandboxInstallWarning{ExitCode: 1, Cause: errors.New("boom")}
	assert.Contains(t, e.Error(), "exited 1")
	var target error = e
	assert.Error(t, target) // still satisfies the error interface for logging
}

func TestErrorsAsDiscriminatesTaxonomy(t *testing.T) {
	var err error = &IntegrityError{Kind: "md5"}

	var netErr *NetworkError
	assert.False(t, errors.As(err, &netErr))

	var intErr *IntegrityError
	assert.True(t, errors.As(err, &intErr))
	assert.Equal(t, "md5", intErr.Kind)
}
