// Package runtimeconfig loads and validates the isolated test runtime's
// project configuration: resolution roots, the transform chain, mock
// policy defaults, and setup files.
package runtimeconfig

// NameMapperRule maps a require request pattern (e.g. a CSS/asset glob or a
// module alias) onto a replacement path template.
type NameMapperRule struct {
	Pattern     string `yaml:"pattern" json:"pattern"`
	Replacement string `yaml:"replacement" json:"replacement"`
}

// TransformRule binds a file-path pattern to the name of a configured
// source transform.
type TransformRule struct {
	Pattern     string `yaml:"pattern" json:"pattern"`
	Transformer string `yaml:"transformer" json:"transformer"`
}

// Config is the isolated test runtime's project configuration, the input
// that drives C1 (Resolver), C2 (Transform Cache), and C5 (Mock Policy
// Engine) construction.
type Config struct {
	SchemaVersion string `yaml:"schemaVersion" json:"schemaVersion"`

	// RootDir is the project root all relative paths are resolved against.
	RootDir string `yaml:"rootDir" json:"rootDir"`

	// Extensions lists candidate file extensions tried, in order, when a
	// require request has none.
	Extensions []string `yaml:"extensions" json:"extensions"`

	// ModuleDirectories lists directory names searched, closest ancestor
	// first, for bare module specifiers (conventionally including
	// "node_modules").
	ModuleDirectories []string `yaml:"moduleDirectories" json:"moduleDirectories"`

	// NameMapper rewrites require requests matching Pattern to Replacement
	// before resolution.
	NameMapper []NameMapperRule `yaml:"nameMapper" json:"nameMapper"`

	// UnmockPatterns are compiled into the runtime's unmock regular
	// expressions; a path matching any one of them counts as a match for
	// rules 7 and 8 of shouldMock.
	UnmockPatterns []string `yaml:"unmockPatterns" json:"unmockPatterns"`

	// Automock is the initial value of the global auto-mock flag.
	Automock bool `yaml:"automock" json:"automock"`

	// SetupFiles are required, in order, into the internal registry before
	// the test file itself executes.
	SetupFiles []string `yaml:"setupFiles" json:"setupFiles"`

	// Transforms binds file-path patterns to transform names; evaluated by
	// the Transform Cache (C2) in declaration order, and every matching rule
	// adds its transform to the chain.
	Transforms []TransformRule `yaml:"transforms" json:"transforms"`

	// ExtraGlobals names additional sandbox-global bindings threaded as
	// extra synthetic arguments to every module's wrapper function.
	ExtraGlobals []string `yaml:"extraGlobals" json:"extraGlobals"`

	// CollectCoverage requests coverage instrumentation during transform.
	CollectCoverage bool `yaml:"collectCoverage" json:"collectCoverage"`

	// CoveragePathIgnorePatterns excludes matching paths from coverage
	// instrumentation even when CollectCoverage is set.
	CoveragePathIgnorePatterns []string `yaml:"coveragePathIgnorePatterns" json:"coveragePathIgnorePatterns"`

	// FilePath records where this Config was loaded from, for diagnostics.
	// Not part of the document schema.
	FilePath string `yaml:"-" json:"-"`
}
