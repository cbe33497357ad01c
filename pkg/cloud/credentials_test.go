package cloud

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvCredentialProviderMissingVars(t *testing.T) {
	t.Setenv("EASYTO_ACCESS_KEY_ID", "")
	t.Setenv("EASYTO_SECRET_ACCESS_KEY", "")

	p := NewEnvCredentialProvider()
	_, err := p.Fetch(context.Background())
	require.Error(t, err)
}

func TestEnvCredentialProviderCachesThenClearsOnMarkStale(t *testing.T) {
	t.Setenv("EASYTO_ACCESS_KEY_ID", "AKID")
	t.Setenv("EASYTO_SECRET_ACCESS_KEY", "secret")

	p := NewEnvCredentialProvider()
	first, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKID", first.AccessKeyID)

	t.Setenv("EASYTO_ACCESS_KEY_ID", "CHANGED")
	second, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKID", second.AccessKeyID, "cached credentials should not re-read the environment")

	p.MarkStale()
	third, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CHANGED", third.AccessKeyID, "MarkStale should force a re-read")
}
