package spec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIdentityDatabases(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	passwd := filepath.Join(dir, "passwd")
	group := filepath.Join(dir, "group")
	require.NoError(t, os.WriteFile(passwd, []byte("app:x:1000:1000:app:/home/app:/bin/sh\n"), 0o644))
	require.NoError(t, os.WriteFile(group, []byte("app:x:1000:\ndocker:x:999:\nadm:x:4:\n"), 0o644))
	return passwd, group
}

func TestResolveIdentityNumericWithoutGroup(t *testing.T) {
	id, err := ResolveIdentity("1000", "", "")
	require.NoError(t, err)
	assert.Equal(t, Identity{UID: 1000, GID: 1000}, id)
}

func TestResolveIdentityNumericWithSupplementalGIDs(t *testing.T) {
	id, err := ResolveIdentity("1000:1000,999,4", "", "")
	require.NoError(t, err)
	assert.Equal(t, 1000, id.UID)
	assert.Equal(t, 1000, id.GID)
	assert.Equal(t, []int{999, 4}, id.SupplementalGIDs)
}

func TestResolveIdentitySymbolicWithSupplementalGroupNames(t *testing.T) {
	passwd, group := writeIdentityDatabases(t)

	id, err := ResolveIdentity("app:app,docker,adm", passwd, group)
	require.NoError(t, err)
	assert.Equal(t, 1000, id.UID)
	assert.Equal(t, 1000, id.GID)
	assert.Equal(t, []int{999, 4}, id.SupplementalGIDs)
}

func TestResolveIdentityUnknownSupplementalGroupIsAnError(t *testing.T) {
	passwd, group := writeIdentityDatabases(t)

	_, err := ResolveIdentity("app:app,nosuchgroup", passwd, group)
	assert.Error(t, err)
}

func TestResolveIdentityEmptySpecIsZeroValue(t *testing.T) {
	id, err := ResolveIdentity("", "", "")
	require.NoError(t, err)
	assert.Equal(t, Identity{}, id)
}
