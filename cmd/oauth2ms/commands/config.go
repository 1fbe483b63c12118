package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/jslofsgaard/oauth2ms/internal/app"
)

// envPrefix is stripped from environment variables during config loading (e.g., OAUTH2MS_REDIRECT__PORT → redirect.port)
const envPrefix = "OAUTH2MS_"

// loadConfig loads application configuration from various sources with precedence:
// config file → environment variables → CLI flags → defaults
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	k := koanf.New(".")

	// 1. Load from config file: the given path, or the first discovered one
	if configPath == "" {
		configPath = discoverConfigFile()
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), parserFor(configPath)); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// 2. Load from environment variables
	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			stripped := strings.TrimPrefix(key, envPrefix)
			nested := strings.ToLower(strings.ReplaceAll(stripped, "__", "."))
			// The scopes list is the one key that cannot be spelled as a
			// single scalar, so split it here.
			if nested == "scopes" {
				return nested, strings.Split(value, ",")
			}
			return nested, value
		},
		EnvironFunc: environFunc,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	// 3. Load from CLI flags if provided
	if cmd != nil {
		flagValues := extractAndTransformFlags(cmd)
		if err := k.Load(confmap.Provider(flagValues, "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	// scopes is the schema's only list. Catch a scalar before decoding so the
	// defect is reported under its field like any other validation failure
	// instead of as an opaque decode error.
	if raw := k.Get("scopes"); raw != nil && reflect.ValueOf(raw).Kind() != reflect.Slice {
		return nil, fmt.Errorf("invalid config: %w", &app.ConfigError{Fields: []app.FieldError{{Path: "scopes", Kind: "list"}}})
	}

	config := &app.Config{}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "json", DecoderConfig: decoderConfig(config)}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// decoderConfig keeps the unmarshal strict about shapes: scalars parse into
// their basic types, but a scalar never turns into a one-element list, so a
// misspelled scopes entry fails loudly instead of half working.
func decoderConfig(result any) *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToBasicTypeHookFunc(),
		),
		Result: result,
	}
}

// parserFor picks the config file format by extension. JSON is the
// conventional format; TOML is accepted as well.
func parserFor(path string) koanf.Parser {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Parser()
	}
	return json.Parser()
}

// discoverConfigFile returns the first config file found in the user config
// directory, or "" when none exists.
func discoverConfigFile() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"config.json", "config.toml"} {
		path := filepath.Join(configDir, "oauth2ms", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// extractAndTransformFlags transforms CLI flag names to match config structure.
// Includes parent flags. Examples: --encryption--fingerprint → encryption.fingerprint, --log-level → log_level
func extractAndTransformFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	// FlagNames() includes flags from parent commands (via lineage)
	for _, name := range cmd.FlagNames() {
		// Skip unset flags to preserve precedence from earlier config sources
		if !cmd.IsSet(name) {
			continue
		}

		if value := cmd.Value(name); value != nil {
			key := strings.ReplaceAll(name, "--", ".")
			key = strings.ReplaceAll(key, "-", "_")
			values[key] = value
		}
	}

	return values
}
