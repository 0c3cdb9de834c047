// Package config loads the extension settings from ckpe.yaml and CKPE_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pgaskin/ckpe/host"
	"github.com/spf13/viper"
)

// Name is the base name of the config file.
const Name = "ckpe"

const envVarPrefix = "CKPE"

// Config contains all of the settings.
type Config struct {
	Log struct {
		// Full path to the log file. Blank writes to stderr.
		Path string `mapstructure:"path"`
		// Minimum level written. Options: debug, info, warn, error.
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Database struct {
		// Relocation database, relative to the config directory.
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Filter struct {
		// File listing the names of modules which must not be loaded.
		Path string `mapstructure:"path"`
	} `mapstructure:"filter"`

	Host struct {
		// Edition and build to use instead of identifying the image.
		Edition string `mapstructure:"edition"`
		Build   string `mapstructure:"build"`
	} `mapstructure:"host"`

	// Modules holds module options and settings, keyed by lowercase name.
	Modules map[string]bool `mapstructure:"modules"`

	dir string
}

// Default returns the config used when there is no file.
func Default() *Config {
	c, err := decode(newViper(""), "")
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads ckpe.yaml from dir. A missing file isn't an error.
func Load(dir string) (*Config, error) {
	v := newViper(dir)
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// nested keys can be set using CKPE_SECTION_KEY
	for _, k := range v.AllKeys() {
		if err := v.BindEnv(k, envVarPrefix+"_"+strings.ReplaceAll(strings.ToUpper(k), ".", "_")); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}
	return decode(v, dir)
}

func newViper(dir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(Name)
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.path", "ckpe.relb")
	v.SetDefault("filter.path", "CreationKitPlatformExtendedFilter.txt")
	v.SetDefault("host.edition", "")
	v.SetDefault("host.build", "")
	return v
}

func decode(v *viper.Viper, dir string) (*Config, error) {
	c := &Config{dir: dir}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Modules == nil {
		c.Modules = map[string]bool{}
	}
	return c, nil
}

// Dir returns the directory the config was loaded from.
func (c *Config) Dir() string {
	return c.dir
}

// Resolve makes a configured path relative to the config directory.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.dir == "" {
		return path
	}
	return filepath.Join(c.dir, path)
}

// Option returns the value of a module option or setting, or def if it isn't
// set. Names are case-insensitive.
func (c *Config) Option(name string, def bool) bool {
	if v, ok := c.Modules[strings.ToLower(name)]; ok {
		return v
	}
	return def
}

// Enabled returns the value of a module option, for use as the manager's
// option lookup.
func (c *Config) Enabled(name string) (enabled, ok bool) {
	enabled, ok = c.Modules[strings.ToLower(name)]
	return
}

// HostOverride returns the configured identity, if any.
func (c *Config) HostOverride() (host.Identity, bool, error) {
	if c.Host.Edition == "" {
		return host.Identity{}, false, nil
	}
	ed, err := host.ParseEdition(c.Host.Edition)
	if err != nil {
		return host.Identity{}, false, fmt.Errorf("host.edition: %w", err)
	}
	return host.Identity{Edition: ed, Build: c.Host.Build}, true, nil
}
