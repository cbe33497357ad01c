package ezerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIncludesStageKindAndMessage(t *testing.T) {
	err := Config("spec", "", "parsing user-data", errors.New("bad yaml"))
	assert.Contains(t, err.Error(), "spec")
	assert.Contains(t, err.Error(), "config")
	assert.Contains(t, err.Error(), "parsing user-data")
}

func TestConfigIncludesResourceWhenSet(t *testing.T) {
	err := Config("envresolve", "my-bucket/my-key", "payload has no name and is not valid JSON", errors.New("unexpected end of JSON input"))
	assert.Contains(t, err.Error(), "my-bucket/my-key")
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestErrorIncludesResourceWhenSet(t *testing.T) {
	err := Storage("volumes", "vol-0123", "attach failed", errors.New("device busy"))
	assert.Contains(t, err.Error(), "vol-0123")
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("device busy")
	err := Storage("volumes", "vol-0123", "attach failed", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestRetryableOnlyForThrottledAndTransport(t *testing.T) {
	assert.True(t, Retryable(Cloud("cloud", CloudThrottled, "", "rate limited", nil)))
	assert.True(t, Retryable(Cloud("cloud", CloudTransport, "", "connection reset", nil)))
	assert.False(t, Retryable(Cloud("cloud", CloudAuth, "", "bad signature", nil)))
	assert.False(t, Retryable(Config("spec", "", "bad yaml", nil)))
	assert.False(t, Retryable(errors.New("plain error")))
}

func TestNotFoundOnlyForCloudNotFound(t *testing.T) {
	assert.True(t, NotFound(Cloud("cloud", CloudNotFound, "param/path", "missing", nil)))
	assert.False(t, NotFound(Cloud("cloud", CloudAuth, "", "bad signature", nil)))
	assert.False(t, NotFound(Network("network", "dhcp timeout", nil)))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil))
}

func TestWrapNonNilPreservesMessage(t *testing.T) {
	err := Wrap(Network("network", "dhcp timeout", errors.New("no offer")))
	assert.Contains(t, err.Error(), "dhcp timeout")
}
