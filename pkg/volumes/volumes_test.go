package volumes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/duffcloud/vminit/pkg/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionalSource(t *testing.T) {
	assert.True(t, optionalSource(spec.Volume{S3: &spec.S3Volume{Optional: true}}))
	assert.False(t, optionalSource(spec.Volume{S3: &spec.S3Volume{Optional: false}}))
	assert.True(t, optionalSource(spec.Volume{SSM: &spec.SSMVolume{Optional: true}}))
	assert.True(t, optionalSource(spec.Volume{SecretsManager: &spec.SecretsManagerVolume{Optional: true}}))
	assert.False(t, optionalSource(spec.Volume{EBS: &spec.EBSVolume{}}))
}

func TestIsMountedAccordingTo(t *testing.T) {
	dir := t.TempDir()
	mountsFile := filepath.Join(dir, "mounts")
	require.NoError(t, os.WriteFile(mountsFile, []byte(
		"/dev/xvdf /data ext4 rw,relatime 0 0\n/dev/root / ext4 rw 0 0\n",
	), 0o644))

	assert.True(t, isMountedAccordingTo(mountsFile, "/dev/xvdf", "/data"))
	assert.False(t, isMountedAccordingTo(mountsFile, "/dev/xvdf", "/other"))
	assert.False(t, isMountedAccordingTo(mountsFile, "/dev/xvdg", "/data"))
}

func TestResolveBlockDeviceNoMatchIsAnError(t *testing.T) {
	// Direct /dev/<base> lookups use the real filesystem; exercise the
	// negative path (no such device anywhere) which does not depend on
	// any particular host's /dev contents.
	_, err := resolveBlockDevice("/dev/xvd-definitely-not-present-zz")
	require.Error(t, err)
}
