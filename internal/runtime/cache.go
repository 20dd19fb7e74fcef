package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/isovm-labs/isovm/internal/runtimeconfig"
	"github.com/isovm-labs/isovm/internal/safemap"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/events"
	isovmlog "github.com/isovm-labs/isovm/pkg/isovm/v1/log"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/transform"
)

// compiledTransformRule is a pre-compiled runtimeconfig.TransformRule,
// built once at TransformCache construction so every Transform call avoids
// recompiling the same pattern.
type compiledTransformRule struct {
	pattern     *regexp.Regexp
	transformer string
}

// TransformCache is the runtime-owned half of C2: it selects the transform
// chain and options that apply to a given path from configuration, then
// delegates actual compilation (and its own on-disk write-through caching,
// per the Transformer contract) to the configured transform.Transformer. It
// additionally memoizes per-(path, config digest) results for the lifetime
// of a single runtime instance, so a module required twice in one test file
// never asks the Transformer twice.
type TransformCache struct {
	transformer transform.Transformer
	rules       []compiledTransformRule
	instrument  bool
	ignore      []*regexp.Regexp
	configHash  string

	memo *safemap.Map[string, transform.Result]

	bus events.Bus
	log isovmlog.Logger
}

// NewTransformCache builds a TransformCache from cfg, compiling every
// transform and coverage-ignore pattern up front so a malformed pattern
// would already have failed runtimeconfig validation before reaching here.
func NewTransformCache(transformer transform.Transformer, cfg *runtimeconfig.Config, bus events.Bus, log isovmlog.Logger) *TransformCache {
	rules := make([]compiledTransformRule, 0, len(cfg.Transforms))
	for _, rule := range cfg.Transforms {
		rules = append(rules, compiledTransformRule{
			pattern:     regexp.MustCompile(rule.Pattern),
			transformer: rule.Transformer,
		})
	}

	ignore := make([]*regexp.Regexp, 0, len(cfg.CoveragePathIgnorePatterns))
	for _, pattern := range cfg.CoveragePathIgnorePatterns {
		ignore = append(ignore, regexp.MustCompile(pattern))
	}

	return &TransformCache{
		transformer: transformer,
		rules:       rules,
		instrument:  cfg.CollectCoverage,
		ignore:      ignore,
		configHash:  configDigest(cfg),
		memo:        safemap.New[string, transform.Result](),
		bus:         bus,
		log:         log.With("component", "TransformCache"),
	}
}

// Transform compiles path, consulting the per-runtime memo before
// delegating to the underlying Transformer. cachedSource, when non-nil, is
// forwarded unchanged so an in-memory source (e.g. from a virtual file
// system) bypasses a disk read.
func (c *TransformCache) Transform(path string, cachedSource []byte) (transform.Result, error) {
	key := path + "\x00" + c.configHash
	if result, ok := c.memo.Get(key); ok {
		c.emit(events.TransformCacheHit, path)
		return result, nil
	}

	opts := c.optionsFor(path)
	result, err := c.transformer.Transform(path, opts, cachedSource)
	if err != nil {
		return transform.Result{}, err
	}

	c.memo.Set(key, result)
	c.emit(events.TransformCacheMiss, path)
	return result, nil
}

func (c *TransformCache) optionsFor(path string) transform.Options {
	var chain []string
	for _, rule := range c.rules {
		if rule.pattern.MatchString(path) {
			chain = append(chain, rule.transformer)
		}
	}

	return transform.Options{
		Transforms:   chain,
		Instrument:   c.instrument && !c.isCoverageIgnored(path),
		ConfigDigest: c.configHash,
	}
}

func (c *TransformCache) isCoverageIgnored(path string) bool {
	for _, pattern := range c.ignore {
		if pattern.MatchString(path) {
			return true
		}
	}
	return false
}

func (c *TransformCache) emit(eventType events.EventType, path string) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(events.Event{Type: eventType, Timestamp: time.Now(), ModulePath: path, ModuleID: path})
}

// configDigest folds the entire transform configuration into a single
// stable string, so that changing any transform rule or coverage setting
// invalidates previously memoized results.
func configDigest(cfg *runtimeconfig.Config) string {
	h := sha256.New()
	for _, rule := range cfg.Transforms {
		h.Write([]byte(rule.Pattern))
		h.Write([]byte{0})
		h.Write([]byte(rule.Transformer))
		h.Write([]byte{0})
	}
	h.Write([]byte(filepath.Clean(cfg.RootDir)))
	h.Write([]byte{0})
	if cfg.CollectCoverage {
		h.Write([]byte{1})
	}
	h.Write([]byte(strings.Join(cfg.CoveragePathIgnorePatterns, ",")))
	return hex.EncodeToString(h.Sum(nil))
}
