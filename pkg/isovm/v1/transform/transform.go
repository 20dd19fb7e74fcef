// Package transform defines the Transform Cache contract: reading a
// module's source, applying the configured transform chain, and caching the
// resulting executable unit and source map on disk, keyed by content and
// transform configuration.
package transform

import "github.com/isovm-labs/isovm/pkg/isovm/v1/sandbox"

// Options configures a single transform invocation: which transform chain
// and instrumentation settings apply to the path being compiled.
type Options struct {
	// Transforms names the configured transform chain to apply, in order.
	Transforms []string

	// Instrument requests coverage instrumentation when the path is
	// in-scope for coverage collection.
	Instrument bool

	// ConfigDigest is a stable hash of the transform configuration (chain
	// identity plus any per-transform options) folded into the cache key
	// alongside source content and path.
	ConfigDigest string
}

// Result is what a single transform invocation produces.
type Result struct {
	// Script is the compiled unit the Sandbox can execute.
	Script sandbox.CompiledScript

	// SourceMapPath is the absolute path of the sidecar source map, or ""
	// if none was produced.
	SourceMapPath string

	// ShouldMapCoverage reports whether coverage collected against this
	// file must be remapped through SourceMapPath.
	ShouldMapCoverage bool
}

// Transformer reads a module's source, applies the configured transform
// chain, and returns a compiled unit plus optional source map location.
// Implementations are deterministic in (path content, transform chain,
// options) and are write-through to an on-disk cache; they never throw on
// missing transforms — absent any configured transform, the source is
// passed through unchanged after optional coverage instrumentation.
type Transformer interface {
	// Transform compiles path's source under options. cachedSource, when
	// non-nil, is used in place of reading the file from disk (the caller
	// already has it in memory).
	Transform(path string, options Options, cachedSource []byte) (Result, error)
}
