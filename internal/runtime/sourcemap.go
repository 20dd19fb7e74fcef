package runtime

import (
	"os"

	"github.com/isovm-labs/isovm/internal/safemap"
)

// SourceMapRegistry records, for each executed file, the location of its
// generated source map, and tracks which files need coverage remapped
// through that sidecar.
type SourceMapRegistry struct {
	maps                *safemap.Map[string, string]
	needsCoverageMapped *safemap.Map[string, bool]
}

// NewSourceMapRegistry creates an empty SourceMapRegistry.
func NewSourceMapRegistry() *SourceMapRegistry {
	return &SourceMapRegistry{
		maps:                safemap.New[string, string](),
		needsCoverageMapped: safemap.New[string, bool](),
	}
}

// Register records filePath's sidecar map location. needsCoverageMap marks
// the file as requiring coverage remapping through that sidecar.
func (s *SourceMapRegistry) Register(filePath, sourceMapPath string, needsCoverageMap bool) {
	s.maps.Set(filePath, sourceMapPath)
	if needsCoverageMap {
		s.needsCoverageMapped.Set(filePath, true)
	}
}

// Get returns filePath's registered sidecar map path, if any.
func (s *SourceMapRegistry) Get(filePath string) (string, bool) {
	return s.maps.Get(filePath)
}

// All returns every registered file → sidecar-map-path pair.
func (s *SourceMapRegistry) All() map[string]string {
	return s.maps.Snapshot()
}

// GetFilteredForFiles restricts the registry to paths that appear in both
// files and the needsCoverageMapped set, and whose sidecar still exists on
// disk.
func (s *SourceMapRegistry) GetFilteredForFiles(files map[string]bool) map[string]string {
	out := make(map[string]string)
	for file := range files {
		if !s.needsCoverageMapped.Has(file) {
			continue
		}
		mapPath, ok := s.maps.Get(file)
		if !ok {
			continue
		}
		if _, err := os.Stat(mapPath); err != nil {
			continue
		}
		out[file] = mapPath
	}
	return out
}
