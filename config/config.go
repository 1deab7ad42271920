package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configDirName  = "tdb"
	configFileName = "config"
	envPrefix      = "TDB"

	TextOutput = "text"
	YamlOutput = "yaml"
)

type Config struct {
	// Launch the inferior with address space randomization disabled.
	DisableASLR bool `mapstructure:"disable-aslr"`

	// Re-deliver non-trap signals to the inferior on resume.
	PassSignals bool `mapstructure:"pass-signals"`

	// Give the inferior its own pseudo terminal.
	TTY bool `mapstructure:"tty"`

	Prompt      string `mapstructure:"prompt"`
	HistoryFile string `mapstructure:"history-file"`

	// Either "text" or "yaml".
	Output string `mapstructure:"output"`

	SymbolCacheSize int `mapstructure:"symbol-cache-size"`

	Log       bool   `mapstructure:"log"`
	LogOutput string `mapstructure:"log-output"`
	LogDest   string `mapstructure:"log-dest"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("disable-aslr", true)
	v.SetDefault("pass-signals", true)
	v.SetDefault("tty", false)
	v.SetDefault("prompt", "tdb > ")
	v.SetDefault("history-file", "")
	v.SetDefault("output", TextOutput)
	v.SetDefault("symbol-cache-size", 256)
	v.SetDefault("log", false)
	v.SetDefault("log-output", "")
	v.SetDefault("log-dest", "")
}

// Dir returns the directory holding config.yaml.  $XDG_CONFIG_HOME takes
// precedence over ~/.config.
func Dir() (string, error) {
	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg != "" {
		return filepath.Join(xdg, configDirName), nil
	}

	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}

	return filepath.Join(home, ".config", configDirName), nil
}

// Load merges (in increasing precedence) the defaults, the config file, TDB_*
// environment variables and the explicitly set flags.  An explicit
// configFile must exist; the default location is optional.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		path, err := homedir.Expand(configFile)
		if err != nil {
			return nil, fmt.Errorf("invalid config path %s: %w", configFile, err)
		}
		v.SetConfigFile(path)
	} else {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}

	err := v.ReadInConfig()
	if err != nil {
		notFound := viper.ConfigFileNotFoundError{}
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		err = v.BindPFlags(flags)
		if err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	cfg := &Config{}
	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) Validate() error {
	switch cfg.Output {
	case TextOutput, YamlOutput:
	default:
		return fmt.Errorf("invalid output format (%s)", cfg.Output)
	}

	if cfg.SymbolCacheSize <= 0 {
		return fmt.Errorf(
			"invalid symbol cache size (%d)",
			cfg.SymbolCacheSize)
	}

	return nil
}

// RegisterFlags adds the config keys to the command line flag set.  Only
// flags changed on the command line override the file/env values.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.Bool("disable-aslr", true, "disable address space randomization")
	flags.Bool("pass-signals", true, "deliver non-trap signals to the target")
	flags.Bool("tty", false, "run the target on its own pseudo terminal")
	flags.String("prompt", "tdb > ", "prompt string")
	flags.String("history-file", "", "command history file")
	flags.String("output", TextOutput, "output format (text or yaml)")
	flags.Int("symbol-cache-size", 256, "number of cached address descriptions")
	flags.Bool("log", false, "enable debugging server logging")
	flags.String(
		"log-output",
		"",
		"comma separated list of layers to log: "+
			"ptrace, inferior, stoppoint, session")
	flags.String("log-dest", "", "write logs to the given file")
}
