package initscript

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/duffcloud/vminit/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutesScriptsInOrderUnderShell(t *testing.T) {
	orig := shellPath
	shellPath = "/bin/sh"
	t.Cleanup(func() { shellPath = orig })

	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")

	script := filepath.Join(dir, "a.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho ran >> "+marker+"\n"), 0o755))

	err := Run(context.Background(), []string{script, script}, []string{"PATH=/usr/bin:/bin"}, dir, log.Discard())
	require.NoError(t, err)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "ran\nran\n", string(data))
}

func TestRunFailsFastOnNonZeroExit(t *testing.T) {
	orig := shellPath
	shellPath = "/bin/sh"
	t.Cleanup(func() { shellPath = orig })

	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")

	failing := filepath.Join(dir, "fail.sh")
	require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\nexit 7\n"), 0o755))
	never := filepath.Join(dir, "never.sh")
	require.NoError(t, os.WriteFile(never, []byte("#!/bin/sh\necho ran >> "+marker+"\n"), 0o755))

	err := Run(context.Background(), []string{failing, never}, nil, dir, log.Discard())
	require.Error(t, err)

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "script after a failing one must not run")
}
