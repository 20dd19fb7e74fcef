// Package resolver defines the external collaborator the runtime consults
// to translate require requests into absolute module paths.
package resolver

// Resolver translates (fromFile, request) pairs into absolute module paths,
// identifies host builtins, and locates manual mocks. The runtime never
// implements module resolution itself; it is always supplied a Resolver.
type Resolver interface {
	// ResolveModule resolves request relative to the module at from into an
	// absolute path. Returns a ModuleNotFoundError-compatible error when no
	// candidate exists.
	ResolveModule(from, request string) (string, error)

	// IsCoreModule reports whether name identifies a host builtin that is
	// never subject to mocking and is never routed through the transform
	// cache.
	IsCoreModule(name string) bool

	// GetModule resolves name to an absolute path without regard to the
	// calling module, returning ("", false) if it cannot be found.
	GetModule(name string) (string, bool)

	// GetMockModule looks for a manual mock of name relative to from (the
	// sibling __mocks__ directory convention), returning ("", false) if
	// none exists.
	GetMockModule(from, name string) (string, bool)

	// GetModuleID computes the stable module-id used to key the mock
	// registry and policy tables, accounting for the supplied virtual-mock
	// set so that virtual mock keys collapse to themselves rather than to
	// a file-system path.
	GetModuleID(virtualMocks map[string]bool, from, name string) string

	// GetModulePath resolves name relative to from without consulting
	// mocks or builtins; used by require.resolve.
	GetModulePath(from, name string) (string, error)

	// GetModulePaths returns the module-directory search chain starting at
	// dir, in the order they would be searched.
	GetModulePaths(dir string) []string

	// ResolveStubModuleName applies the configured name-mapper rules to
	// name, returning ("", false) if no mapping matches.
	ResolveStubModuleName(from, name string) (string, bool)

	// ResolveModuleFromDirIfExists resolves name against dir only if a
	// matching file or directory actually exists on disk, honoring the
	// paths option used by require.resolve(request, {paths}).
	ResolveModuleFromDirIfExists(dir, name string, opts ResolveOptions) (string, bool)
}

// ResolveOptions carries the optional paths list accepted by
// require.resolve(request, {paths}).
type ResolveOptions struct {
	Paths []string
}
