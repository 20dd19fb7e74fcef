package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceMapRegistry_RegisterAndGet(t *testing.T) {
	reg := NewSourceMapRegistry()
	reg.Register("/project/a.js", "/project/a.js.map", true)

	mapPath, ok := reg.Get("/project/a.js")
	require.True(t, ok)
	assert.Equal(t, "/project/a.js.map", mapPath)

	_, ok = reg.Get("/project/missing.js")
	assert.False(t, ok)
}

func TestSourceMapRegistry_All(t *testing.T) {
	reg := NewSourceMapRegistry()
	reg.Register("/project/a.js", "/project/a.js.map", true)
	reg.Register("/project/b.js", "/project/b.js.map", false)

	all := reg.All()
	assert.Equal(t, map[string]string{
		"/project/a.js": "/project/a.js.map",
		"/project/b.js": "/project/b.js.map",
	}, all)
}

func TestSourceMapRegistry_GetFilteredForFiles_RequiresCoverageFlagAndExistingSidecar(t *testing.T) {
	dir := t.TempDir()
	realMap := filepath.Join(dir, "a.js.map")
	require.NoError(t, os.WriteFile(realMap, []byte("{}"), 0o644))

	reg := NewSourceMapRegistry()
	reg.Register("/project/a.js", realMap, true)
	reg.Register("/project/b.js", "/project/b.js.map", false) // needs coverage = false
	reg.Register("/project/c.js", filepath.Join(dir, "missing.js.map"), true)

	filtered := reg.GetFilteredForFiles(map[string]bool{
		"/project/a.js": true,
		"/project/b.js": true,
		"/project/c.js": true,
	})

	assert.Equal(t, map[string]string{"/project/a.js": realMap}, filtered)
}

func TestSourceMapRegistry_GetFilteredForFiles_IgnoresUnrequestedFiles(t *testing.T) {
	dir := t.TempDir()
	realMap := filepath.Join(dir, "a.js.map")
	require.NoError(t, os.WriteFile(realMap, []byte("{}"), 0o644))

	reg := NewSourceMapRegistry()
	reg.Register("/project/a.js", realMap, true)

	filtered := reg.GetFilteredForFiles(map[string]bool{"/project/other.js": true})
	assert.Empty(t, filtered)
}
