package boot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/duffcloud/vminit/pkg/log"
	"github.com/duffcloud/vminit/pkg/metadata"
	"github.com/duffcloud/vminit/pkg/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withServicesDir(t *testing.T, dir string) {
	orig := servicesDir
	servicesDir = dir
	t.Cleanup(func() { servicesDir = orig })
}

func TestDiscoverServicesSkipsDisabledAndNotEnabledByDefault(t *testing.T) {
	dir := t.TempDir()
	withServicesDir(t, dir)

	writeDescriptor(t, dir, "sshd.json", `{"name":"sshd","path":"/.easyto/sbin/sshd","restart_policy":"on-failure","enabled_by_default":true}`)
	writeDescriptor(t, dir, "cron.json", `{"name":"cron","path":"/.easyto/sbin/crond","enabled_by_default":false}`)
	writeDescriptor(t, dir, "ntpd.json", `{"name":"ntpd","path":"/.easyto/sbin/ntpd","enabled_by_default":true}`)

	specs, err := discoverServices(map[string]bool{"ntpd": true})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "sshd", specs[0].Name)
	assert.Equal(t, []string{"/.easyto/sbin/sshd"}, specs[0].Command)
}

func TestDiscoverServicesMissingDirIsNotAnError(t *testing.T) {
	withServicesDir(t, filepath.Join(t.TempDir(), "does-not-exist"))
	specs, err := discoverServices(nil)
	require.NoError(t, err)
	assert.Nil(t, specs)
}

func TestDiscoverServicesRejectsMalformedDescriptor(t *testing.T) {
	dir := t.TempDir()
	withServicesDir(t, dir)
	writeDescriptor(t, dir, "broken.json", `not json`)

	_, err := discoverServices(nil)
	assert.Error(t, err)
}

func writeDescriptor(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestEBSMountPathsIgnoresNonEBSVolumes(t *testing.T) {
	vols := []spec.Volume{
		{EBS: &spec.EBSVolume{MountPath: "/data"}},
		{S3: &spec.S3Volume{MountPath: "/config"}},
		{EBS: &spec.EBSVolume{MountPath: "/logs"}},
	}
	assert.Equal(t, []string{"/data", "/logs"}, ebsMountPaths(vols))
}

func TestToSupervisorIdentityCarriesSupplementalGroups(t *testing.T) {
	id := toSupervisorIdentity(spec.Identity{UID: 1000, GID: 1000, SupplementalGIDs: []int{4, 24}})
	assert.EqualValues(t, 1000, id.UID)
	assert.EqualValues(t, []uint32{4, 24}, id.Groups)
}

func TestInstallAuthorizedKeysSkipsWhenServiceDisabled(t *testing.T) {
	dir := t.TempDir()
	withServicesDir(t, dir)
	writeDescriptor(t, dir, "sshd.json", `{"name":"sshd","enabled_by_default":true}`)

	origKeysDir := authorizedKeysDir
	authorizedKeysDir = filepath.Join(t.TempDir(), "ssh")
	t.Cleanup(func() { authorizedKeysDir = origKeysDir })

	client := metadata.New("", log.Discard())
	err := installAuthorizedKeys(context.Background(), client, map[string]bool{"sshd": true}, log.Discard())
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(authorizedKeysDir, authorizedKeysFile))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInstallAuthorizedKeysSkipsWhenNoSSHDDescriptor(t *testing.T) {
	withServicesDir(t, t.TempDir())

	client := metadata.New("", log.Discard())
	err := installAuthorizedKeys(context.Background(), client, nil, log.Discard())
	require.NoError(t, err)
}

func TestInstallAuthorizedKeysWritesFetchedKeys(t *testing.T) {
	dir := t.TempDir()
	withServicesDir(t, dir)
	writeDescriptor(t, dir, "sshd.json", `{"name":"sshd","enabled_by_default":true}`)

	origKeysDir := authorizedKeysDir
	authorizedKeysDir = filepath.Join(t.TempDir(), "ssh")
	t.Cleanup(func() { authorizedKeysDir = origKeysDir })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/latest/api/token":
			w.Write([]byte("test-token"))
		case r.URL.Path == "/latest/meta-data/public-keys/":
			w.Write([]byte("0=my-key\n"))
		case r.URL.Path == "/latest/meta-data/public-keys/0/openssh-key":
			w.Write([]byte("ssh-ed25519 AAAAexample\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := metadata.New(srv.Listener.Addr().String(), log.Discard())
	err := installAuthorizedKeys(context.Background(), client, nil, log.Discard())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(authorizedKeysDir, authorizedKeysFile))
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519 AAAAexample\n", string(data))
}

func TestOptionsFromCmdlineLeavesOptionsUnchangedWithoutOverride(t *testing.T) {
	opts := OptionsFromCmdline(Options{MetadataAddr: "169.254.169.254"})
	assert.Equal(t, "169.254.169.254", opts.MetadataAddr)
}
