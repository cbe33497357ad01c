package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyDocumentIsNotAnError(t *testing.T) {
	ud, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, &UserData{}, ud)

	ud, err = Parse([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, &UserData{}, ud)
}

func TestParseRejectsUnknownTopLevelKey(t *testing.T) {
	_, err := Parse([]byte("bogus-key: true\n"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bogus-key")
}

func TestParseEnvFromVariants(t *testing.T) {
	doc := `
env-from:
  - s3:
      bucket: config-bucket
      key: db-config.json
  - ssm:
      path: /app/secrets/api-token
      name: API_TOKEN
`
	ud, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, ud.EnvFrom, 2)
	assert.Equal(t, "config-bucket", ud.EnvFrom[0].S3.Bucket)
	assert.Equal(t, "API_TOKEN", ud.EnvFrom[1].SSM.Name)
}

func TestParseEnvFromRejectsMultipleVariants(t *testing.T) {
	doc := `
env-from:
  - s3:
      bucket: b
      key: k
    ssm:
      path: /p
`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestParseVolumeVariants(t *testing.T) {
	doc := `
volumes:
  - ebs:
      device: /dev/xvdf
      fstype: ext4
      mount-path: /data
      make-fs: true
      tag-filters:
        Name: data-volume
`
	ud, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, ud.Volumes, 1)
	assert.Equal(t, "/data", ud.Volumes[0].MountPath())
	assert.True(t, ud.Volumes[0].EBS.MakeFS)
}
