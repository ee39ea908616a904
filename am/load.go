package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/jobconnect/errors"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "JOBCONNECT"

// Load reads configuration from path, or from the first jobconnect.toml
// found walking up from the working directory when path is empty. A missing
// file is not an error: defaults and environment still apply.
func Load(path string) (*Config, error) {
	v := NewViper()

	if path == "" {
		path = findProjectConfig()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "failed to read config file %s", path), errors.ErrConfiguration)
		}
	}

	return LoadWithViper(v)
}

// NewViper returns a viper instance with defaults and env binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// LoadWithViper unmarshals, fills connector defaults and validates.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	ids := make([]string, 0)
	for id := range v.GetStringMap("connectors") {
		ids = append(ids, id)
	}
	BindSensitiveEnvVars(v, ids)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to unmarshal config"), errors.ErrConfiguration)
	}

	for id, s := range cfg.Connectors {
		cfg.Connectors[id] = s.withDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// findProjectConfig walks up from the working directory looking for
// jobconnect.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, "jobconnect.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
