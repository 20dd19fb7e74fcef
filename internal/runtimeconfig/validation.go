package runtimeconfig

import (
	"fmt"
	"regexp"

	isovmerrors "github.com/isovm-labs/isovm/pkg/isovm/v1/errors"
)

// identifierRegex validates extraGlobals entries, which must be valid
// sandbox-global property names pulled by name at execution time.
var identifierRegex = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z0-9_$]*$`)

// ValidateConfigStructure performs cross-field validation that the JSON
// schema alone cannot express: regex compilability of every pattern list,
// identifier shape of extraGlobals, and non-empty path entries.
func ValidateConfigStructure(cfg *Config) []error {
	var errs []error

	if cfg.RootDir == "" {
		errs = append(errs, isovmerrors.NewValidationError("'rootDir' cannot be empty", nil))
	}

	for i, rule := range cfg.NameMapper {
		if rule.Pattern == "" {
			errs = append(errs, isovmerrors.NewValidationError(fmt.Sprintf("nameMapper[%d]: 'pattern' cannot be empty", i), nil))
			continue
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			errs = append(errs, isovmerrors.NewValidationError(fmt.Sprintf("nameMapper[%d]: invalid 'pattern' regular expression", i), err))
		}
	}

	for i, pattern := range cfg.UnmockPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, isovmerrors.NewValidationError(fmt.Sprintf("unmockPatterns[%d]: invalid regular expression", i), err))
		}
	}

	for i, rule := range cfg.Transforms {
		if rule.Pattern == "" {
			errs = append(errs, isovmerrors.NewValidationError(fmt.Sprintf("transforms[%d]: 'pattern' cannot be empty", i), nil))
			continue
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			errs = append(errs, isovmerrors.NewValidationError(fmt.Sprintf("transforms[%d]: invalid 'pattern' regular expression", i), err))
		}
		if rule.Transformer == "" {
			errs = append(errs, isovmerrors.NewValidationError(fmt.Sprintf("transforms[%d]: 'transformer' cannot be empty", i), nil))
		}
	}

	for i, name := range cfg.ExtraGlobals {
		if !identifierRegex.MatchString(name) {
			errs = append(errs, isovmerrors.NewValidationError(fmt.Sprintf("extraGlobals[%d]: '%s' is not a valid global identifier", i, name), nil))
		}
	}

	for i, path := range cfg.SetupFiles {
		if path == "" {
			errs = append(errs, isovmerrors.NewValidationError(fmt.Sprintf("setupFiles[%d]: path cannot be empty", i), nil))
		}
	}

	for i, pattern := range cfg.CoveragePathIgnorePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, isovmerrors.NewValidationError(fmt.Sprintf("coveragePathIgnorePatterns[%d]: invalid regular expression", i), err))
		}
	}

	return errs
}
