// Package config loads node configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"canopy/internal/peerpool"
)

// TierConfig is the connection budget for one peer tier.
type TierConfig struct {
	Max       int `yaml:"max"`
	Satisfied int `yaml:"satisfied"`
}

// BlobConfig describes one blob service endpoint.
type BlobConfig struct {
	URL   string `yaml:"url"`
	Write bool   `yaml:"write,omitempty"`
}

// StringArray allows a YAML field to be parsed as either a single string or a slice of strings.
type StringArray []string

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (a *StringArray) UnmarshalYAML(value *yaml.Node) error {
	var multi []string
	err := value.Decode(&multi)
	if err != nil {
		var single string
		err := value.Decode(&single)
		if err != nil {
			return err
		}
		*a = []string{single}
	} else {
		*a = multi
	}
	return nil
}

// Config represents the configuration in the YAML file.
type Config struct {
	SeedFile      string       `yaml:"seed_file"`
	DataDir       string       `yaml:"data_dir"`
	Relay         string       `yaml:"relay"`
	Blobs         []BlobConfig `yaml:"blobs,omitempty"`
	Trusted       TierConfig   `yaml:"trusted"`
	Opportunistic TierConfig   `yaml:"opportunistic"`
	ICEServers    StringArray  `yaml:"ice_servers,omitempty"`
	Follows       StringArray  `yaml:"follows,omitempty"`
	Listen        string       `yaml:"listen,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		SeedFile:      "~/.canopy/seed",
		DataDir:       "~/.canopy/data",
		Trusted:       TierConfig{Max: 8, Satisfied: 3},
		Opportunistic: TierConfig{Max: 4, Satisfied: 1},
	}
}

// PoolConfig translates the tier budgets into a peer pool configuration.
func (c *Config) PoolConfig() peerpool.Config {
	return peerpool.Config{
		Trusted:       peerpool.TierConfig{Max: c.Trusted.Max, Satisfied: c.Trusted.Satisfied},
		Opportunistic: peerpool.TierConfig{Max: c.Opportunistic.Max, Satisfied: c.Opportunistic.Satisfied},
	}
}

// Load reads and parses a YAML configuration file. Path-like and URL fields
// support $VAR, '~' and '*' substitution, where '*' is the directory holding
// the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to process config file '%s': %w", path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for config file '%s': %w", path, err)
	}
	baseDir := filepath.Dir(absPath)

	config.SeedFile = SubstituteString(config.SeedFile, baseDir)
	config.DataDir = SubstituteString(config.DataDir, baseDir)
	config.Relay = SubstituteString(config.Relay, baseDir)
	config.Listen = SubstituteString(config.Listen, baseDir)
	for i := range config.Blobs {
		config.Blobs[i].URL = SubstituteString(config.Blobs[i].URL, baseDir)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file '%s': %w", path, err)
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.SeedFile == "" {
		return fmt.Errorf("seed_file is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Trusted.Max < 0 || c.Opportunistic.Max < 0 {
		return fmt.Errorf("tier max must not be negative")
	}
	if c.Trusted.Satisfied > c.Trusted.Max {
		return fmt.Errorf("trusted satisfied %d exceeds max %d", c.Trusted.Satisfied, c.Trusted.Max)
	}
	if c.Opportunistic.Satisfied > c.Opportunistic.Max {
		return fmt.Errorf("opportunistic satisfied %d exceeds max %d", c.Opportunistic.Satisfied, c.Opportunistic.Max)
	}
	return nil
}

// varRegex matches environment variables ($VAR_NAME), tilde (~), asterisk (*), and escaped characters (\$, \~, \*, \\).
// It uses named capture groups for clarity:
// - `escaped`: Matches '\$', '\~', '\*' or '\\'
// - `tilde`: Matches '~'
// - `star`: Matches '*'
// - `varName`: Matches the name of an environment variable after '$'
var substitutionRegex = regexp.MustCompile(`\\(?P<escaped>[~$*])|\\(?P<escaped_backslash>\\)|(?P<tilde>~)|(?P<star>\*)|(?P<varName>\$[a-zA-Z0-9_]+)`)

// SubstituteString processes a string for environment variable substitutions
// of the form $NAME, replaced by the environment variable NAME. It also
// substitutes '~' with the user's home directory and '*' with the baseDir.
// A backslash '\' in front of '$', '~', '*', or '\' escapes the character and the
// backslash is removed.
func SubstituteString(in string, baseDir string) string {
	homeDir, _ := os.UserHomeDir()

	return substitutionRegex.ReplaceAllStringFunc(in, func(match string) string {
		// Check for escaped characters first
		if strings.HasPrefix(match, `\`) {
			// If it's an escaped backslash, return a single backslash
			if match == `\\` {
				return `\`
			}
			// Otherwise, return the character after the backslash (e.g., '$' for '\$')
			return string(match[1])
		}

		// Check for tilde substitution
		if match == "~" {
			if homeDir != "" {
				return homeDir
			}
			return "~" // Fallback if home directory is not found
		}

		// Check for star substitution
		if match == "*" {
			return baseDir
		}

		// Check for environment variable substitution
		if strings.HasPrefix(match, "$") {
			varName := match[1:] // Remove the '$' prefix
			if val, exists := os.LookupEnv(varName); exists {
				return val
			}
			return "" // If env var not found, replace with empty string
		}

		return match // Should not happen if regex is comprehensive
	})
}
