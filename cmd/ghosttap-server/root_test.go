package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/life-stream-dev/ghosttap-server/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "ghosttap-server dev\n", out.String())
}

func TestServeWritesDefaultConfigWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--config", path})

	err := cmd.Execute()
	require.ErrorIs(t, err, config.ErrConfigCreated)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}
