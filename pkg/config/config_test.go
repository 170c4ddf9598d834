package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigParses(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeDefaultConfig(&buf))
	c, err := readConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, Config{}, *c)
	require.Equal(t, defaultDepth, c.Depth())
	require.True(t, c.UseColor())
}

func TestReadConfig(t *testing.T) {
	c, err := readConfig(strings.NewReader(`
max-depth: 10000
frame-pointer-fallback: true
prefer-debug-frame: true
color: false
log: true
log-output: loader,native
`))
	require.NoError(t, err)
	require.Equal(t, maxDepthLimit, c.Depth())
	require.True(t, c.FramePointerFallback)
	require.True(t, c.PreferDebugFrame)
	require.False(t, c.UseColor())
	require.True(t, c.Log)
	require.Equal(t, "loader,native", c.LogOutput)

	_, err = readConfig(strings.NewReader("max-depth: [1]"))
	require.Error(t, err)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	c := LoadConfig()
	require.Equal(t, Config{}, *c)
	_, err := os.Stat(filepath.Join(dir, configDirXdg, configFile))
	require.NoError(t, err)

	c.MaxDepth = 12
	require.NoError(t, SaveConfig(c))
	require.Equal(t, 12, LoadConfig().MaxDepth)
}
