package runtime

import (
	"path/filepath"
	"strings"

	"github.com/isovm-labs/isovm/internal/safemap"
	isovmerrors "github.com/isovm-labs/isovm/pkg/isovm/v1/errors"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/resolver"
)

// LocalRequire is the require-shaped object handed to each executing
// module's synthetic wrapper invocation: a callable with attached
// properties (C7).
type LocalRequire struct {
	from     string
	internal bool
	rt       *Runtime

	cache      *safemap.Map[string, interface{}]
	extensions *safemap.Map[string, bool]
}

// newLocalRequire builds the require function for a module about to
// execute at from. internal marks requests issued by the test framework
// itself, routed to requireInternalModule instead of the mock-aware path.
func newLocalRequire(rt *Runtime, from string, internal bool) *LocalRequire {
	return &LocalRequire{
		from:       from,
		internal:   internal,
		rt:         rt,
		cache:      safemap.New[string, interface{}](),
		extensions: safemap.New[string, bool](),
	}
}

// Call is the require(request) callable itself.
func (lr *LocalRequire) Call(request string) (interface{}, error) {
	if lr.internal {
		return lr.rt.RequireInternalModule(lr.from, request)
	}
	return lr.rt.RequireModuleOrMock(lr.from, request)
}

// Cache exposes the require.cache compatibility stub: an empty,
// no-prototype map modules may read or write without crashing, though the
// runtime's own module identity lives in the registries, not here.
func (lr *LocalRequire) Cache() *safemap.Map[string, interface{}] {
	return lr.cache
}

// Extensions exposes the require.extensions compatibility stub.
func (lr *LocalRequire) Extensions() *safemap.Map[string, bool] {
	return lr.extensions
}

// RequireActual forces the real-module path regardless of mock policy.
func (lr *LocalRequire) RequireActual(request string) (interface{}, error) {
	return lr.rt.RequireActual(lr.from, request)
}

// RequireMock forces the mock path regardless of mock policy.
func (lr *LocalRequire) RequireMock(request string) (interface{}, error) {
	return lr.rt.RequireMock(lr.from, request)
}

// Resolve resolves request to an absolute path without loading it. When
// paths is non-empty, each entry is tried as a root (resolved relative to
// dirname(from)), returning the first success. Otherwise the default
// resolver chain runs, falling back to any registered mock path.
func (lr *LocalRequire) Resolve(request string, paths []string) (string, error) {
	if request == "" {
		return "", isovmerrors.NewResolveArgumentError("request cannot be empty")
	}

	if len(paths) > 0 {
		dir := filepath.Dir(lr.from)
		for _, root := range paths {
			candidateDir := root
			if !filepath.IsAbs(candidateDir) {
				candidateDir = filepath.Join(dir, root)
			}
			if resolved, ok := lr.rt.resolver.ResolveModuleFromDirIfExists(candidateDir, request, resolver.ResolveOptions{Paths: paths}); ok {
				return resolved, nil
			}
		}
		return "", isovmerrors.NewModuleNotFoundError(request, lr.from, nil)
	}

	resolved, err := lr.rt.resolver.ResolveModule(lr.from, request)
	if err == nil {
		return resolved, nil
	}
	if mockPath, ok := lr.rt.resolver.GetMockModule(lr.from, request); ok {
		return mockPath, nil
	}
	return "", err
}

// ResolvePaths implements require.resolve.paths(request): nil for empty
// request (an argument error), a single-element list [dirname(from)] for
// relative requests, nil for builtins, else the resolver's module-path
// search chain.
func (lr *LocalRequire) ResolvePaths(request string) ([]string, error) {
	if request == "" {
		return nil, isovmerrors.NewResolveArgumentError("request cannot be empty")
	}
	if isRelativeRequest(request) {
		return []string{filepath.Dir(lr.from)}, nil
	}
	if lr.rt.resolver.IsCoreModule(request) {
		return nil, nil
	}
	return lr.rt.resolver.GetModulePaths(filepath.Dir(lr.from)), nil
}

// Main computes require.main on read: the topmost distinct ancestor of the
// module currently executing at lr.from.
func (lr *LocalRequire) Main() *Module {
	m, ok := lr.rt.registries.ResolveModule(lr.from)
	if !ok {
		return nil
	}
	return m.Main()
}

func isRelativeRequest(request string) bool {
	return strings.HasPrefix(request, "./") || strings.HasPrefix(request, "../") || request == "." || request == ".."
}
