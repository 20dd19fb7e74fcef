package runtime

import (
	"testing"

	"github.com/isovm-labs/isovm/internal/events"
	"github.com/isovm-labs/isovm/internal/logging"
	"github.com/isovm-labs/isovm/internal/runtimeconfig"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransformCache(t *testing.T, cfg *runtimeconfig.Config, tr transform.Transformer) *TransformCache {
	t.Helper()
	return NewTransformCache(tr, cfg, events.NewNoOpEventBus(), logging.NewDefaultLogger("ERROR"))
}

func TestTransformCache_MemoizesPerPathAndConfig(t *testing.T) {
	cfg := &runtimeconfig.Config{RootDir: "/project"}
	tr := newFakeTransformer()
	tr.register("/project/a.js", setExports("ignored"))
	cache := newTestTransformCache(t, cfg, tr)

	_, err := cache.Transform("/project/a.js", nil)
	require.NoError(t, err)
	_, err = cache.Transform("/project/a.js", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, tr.callCount("/project/a.js"), "a second Transform for the same path must hit the memo, not the underlying Transformer")
}

func TestTransformCache_DifferentConfigDigestBypassesMemo(t *testing.T) {
	tr := newFakeTransformer()

	cacheA := newTestTransformCache(t, &runtimeconfig.Config{RootDir: "/project-a"}, tr)
	cacheB := newTestTransformCache(t, &runtimeconfig.Config{RootDir: "/project-b"}, tr)

	_, err := cacheA.Transform("/project/a.js", nil)
	require.NoError(t, err)
	_, err = cacheB.Transform("/project/a.js", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, tr.callCount("/project/a.js"), "a different configuration digest must not share the other cache's memo entry")
}

func TestTransformCache_SelectsMatchingTransformChainInOrder(t *testing.T) {
	var seenChains [][]string
	cfg := &runtimeconfig.Config{
		RootDir: "/project",
		Transforms: []runtimeconfig.TransformRule{
			{Pattern: `\.jsx$`, Transformer: "jsx"},
			{Pattern: `\.jsx?$`, Transformer: "babel"},
		},
	}
	recording := &recordingTransformer{onTransform: func(path string, opts transform.Options) {
		seenChains = append(seenChains, opts.Transforms)
	}}
	cache := newTestTransformCache(t, cfg, recording)

	_, err := cache.Transform("/project/a.jsx", nil)
	require.NoError(t, err)

	require.Len(t, seenChains, 1)
	assert.Equal(t, []string{"jsx", "babel"}, seenChains[0], "both matching rules apply, jsx rule first per declaration order")
}

func TestTransformCache_CoverageIgnorePatternsSuppressInstrumentation(t *testing.T) {
	var seenInstrument []bool
	cfg := &runtimeconfig.Config{
		RootDir:                    "/project",
		CollectCoverage:            true,
		CoveragePathIgnorePatterns: []string{`/vendor/`},
	}
	recording := &recordingTransformer{onTransform: func(path string, opts transform.Options) {
		seenInstrument = append(seenInstrument, opts.Instrument)
	}}
	cache := newTestTransformCache(t, cfg, recording)

	_, err := cache.Transform("/project/vendor/lib.js", nil)
	require.NoError(t, err)
	_, err = cache.Transform("/project/src/app.js", nil)
	require.NoError(t, err)

	require.Len(t, seenInstrument, 2)
	assert.False(t, seenInstrument[0], "a coverage-ignored path must not be instrumented even with collectCoverage on")
	assert.True(t, seenInstrument[1])
}

type recordingTransformer struct {
	onTransform func(path string, opts transform.Options)
}

func (r *recordingTransformer) Transform(path string, options transform.Options, cachedSource []byte) (transform.Result, error) {
	r.onTransform(path, options)
	return transform.Result{Script: &fakeCompiledScript{wrapper: func(args ...interface{}) error { return nil }}}, nil
}
