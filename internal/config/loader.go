package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gantrygw/gantry/internal/util"
)

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// Load reads a configuration file, substitutes environment references,
// decodes it strictly, and applies defaults. Validation is a separate
// step; LoadAndValidate composes both.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, util.NewConfigErrorWithCause("", "cannot resolve path "+path, err)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, util.NewConfigErrorWithCause("", "cannot read "+path, err)
	}

	return parse(data)
}

// LoadFromReader decodes a configuration document from a reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, util.NewConfigErrorWithCause("", "cannot read config", err)
	}
	return parse(data)
}

// LoadAndValidate loads a document and runs the fail-closed checks.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	content := substituteEnvVars(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(content)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			return nil, util.NewConfigError("", "empty configuration document")
		}
		return nil, util.NewConfigErrorWithCause("", "cannot parse YAML", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} with
// environment values. "$$" escapes a literal dollar sign.
func substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", "\x00DOLLAR\x00")

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		name := submatches[1]
		fallback := ""
		if len(submatches) >= 3 {
			fallback = submatches[2]
		}

		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return fallback
	})

	return strings.ReplaceAll(result, "\x00DOLLAR\x00", "$")
}
