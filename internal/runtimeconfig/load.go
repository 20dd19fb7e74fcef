package runtimeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	isovmerrors "github.com/isovm-labs/isovm/pkg/isovm/v1/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersionConstraint is the major version configuration
// documents must declare to be accepted by this runtime.
const SupportedSchemaVersionConstraint = "v1"

// LoadConfig parses, schema-validates, and cross-field-validates a
// configuration document's YAML bytes.
func LoadConfig(configYAML []byte, filePathHint string) (*Config, error) {
	if len(configYAML) == 0 {
		return nil, isovmerrors.NewConfigError("configuration content cannot be empty", nil)
	}

	if err := ValidateWithSchema(configYAML); err != nil {
		return nil, isovmerrors.NewConfigError(fmt.Sprintf("configuration '%s' failed schema validation", filePathHint), err)
	}

	var cfg Config
	if err := yamlUnmarshalStrict(configYAML, &cfg); err != nil {
		return nil, isovmerrors.NewConfigError(fmt.Sprintf("failed to parse configuration YAML '%s'", filePathHint), err)
	}
	cfg.FilePath = filePathHint

	if cfg.SchemaVersion == "" {
		return nil, isovmerrors.NewValidationError(fmt.Sprintf("configuration '%s' is missing required 'schemaVersion' field", filePathHint), nil)
	}
	cfgSemVer := cfg.SchemaVersion
	if !strings.HasPrefix(cfgSemVer, "v") {
		cfgSemVer = "v" + cfgSemVer
	}
	if !semver.IsValid(cfgSemVer) {
		return nil, isovmerrors.NewValidationError(fmt.Sprintf("configuration '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, cfg.SchemaVersion), nil)
	}
	if semver.Major(cfgSemVer) != SupportedSchemaVersionConstraint {
		return nil, isovmerrors.NewValidationError(
			fmt.Sprintf("configuration '%s' schemaVersion '%s' is not compatible with runtime requirement '%s'",
				filePathHint, cfg.SchemaVersion, SupportedSchemaVersionConstraint),
			nil,
		)
	}

	if validationErrs := ValidateConfigStructure(&cfg); len(validationErrs) > 0 {
		var messages []string
		for _, vErr := range validationErrs {
			messages = append(messages, vErr.Error())
		}
		combined := fmt.Sprintf("configuration '%s' has %d validation error(s):\n- %s",
			filePathHint, len(messages), strings.Join(messages, "\n- "))
		return nil, isovmerrors.NewValidationError(combined, validationErrs[0])
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// LoadConfigFromFile reads and loads a configuration document from disk.
func LoadConfigFromFile(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, isovmerrors.NewConfigError("configuration file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, isovmerrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	yamlFile, err := os.ReadFile(absPath)
	if err != nil {
		return nil, isovmerrors.NewConfigError(fmt.Sprintf("failed to read configuration file '%s'", absPath), err)
	}
	return LoadConfig(yamlFile, absPath)
}

// applyDefaults fills in the conventional defaults a bare-minimum
// configuration document may omit.
func applyDefaults(cfg *Config) {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".js", ".mjs", ".cjs", ".json"}
	}
	if len(cfg.ModuleDirectories) == 0 {
		cfg.ModuleDirectories = []string{"node_modules"}
	}
}

// yamlUnmarshalStrict disallows unknown fields so typos in configuration
// documents surface immediately rather than being silently ignored.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(strings.NewReader(string(in)))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
