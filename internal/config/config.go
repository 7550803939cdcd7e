// Package config loads and persists the daemon configuration: affinity
// rules, governor thresholds, default affinity and the last gaming-mode
// intent. Sources in override order: defaults, TOML file, environment
// (LASSOCTL_*), command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/history"
	"codeberg.org/mutker/lassoctl/internal/probalance"
	"codeberg.org/mutker/lassoctl/internal/rules"
	"codeberg.org/mutker/lassoctl/internal/topology"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configName = "lassoctl"
	envPrefix  = "LASSOCTL"

	defaultEnforceIntervalMs  = 500
	defaultGovernorIntervalMs = 1000
	defaultStatusIntervalSec  = 60
)

// RuleConfig is the persisted form of one affinity rule.
type RuleConfig struct {
	Name    string `mapstructure:"name"    toml:"name"`
	Pattern string `mapstructure:"pattern" toml:"pattern"`
	Match   string `mapstructure:"match"   toml:"match"`
	Cores   string `mapstructure:"cores"   toml:"cores"`
	Nice    *int   `mapstructure:"nice"    toml:"nice,omitempty"`
	IOClass *int   `mapstructure:"ioclass" toml:"ioclass,omitempty"`
	IOLevel *int   `mapstructure:"iolevel" toml:"iolevel,omitempty"`
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
}

type ProBalanceConfig struct {
	Enabled            bool     `mapstructure:"enabled"              toml:"enabled"`
	ThrottleThreshold  float64  `mapstructure:"throttle_threshold"   toml:"throttle_threshold"`
	LoadThreshold      float64  `mapstructure:"load_threshold"       toml:"load_threshold"`
	RestoreThreshold   float64  `mapstructure:"restore_threshold"    toml:"restore_threshold"`
	HoldSeconds        int      `mapstructure:"hold_seconds"         toml:"hold_seconds"`
	RestoreHoldSeconds int      `mapstructure:"restore_hold_seconds" toml:"restore_hold_seconds"`
	ThrottleNice       int      `mapstructure:"throttle_nice"        toml:"throttle_nice"`
	ThrottleIOClass    int      `mapstructure:"throttle_ioclass"     toml:"throttle_ioclass"`
	Exempt             []string `mapstructure:"exempt"               toml:"exempt"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"  toml:"enabled"`
	DBPath  string `mapstructure:"database" toml:"database"`
}

type Config struct {
	Debug   bool `mapstructure:"debug"   toml:"debug"`
	Verbose bool `mapstructure:"verbose" toml:"verbose"`

	EnforceInterval  int `mapstructure:"enforce_interval"  toml:"enforce_interval"`  // milliseconds
	GovernorInterval int `mapstructure:"governor_interval" toml:"governor_interval"` // milliseconds
	StatusInterval   int `mapstructure:"status_interval"   toml:"status_interval"`   // seconds

	HelperPath string `mapstructure:"helper_path" toml:"helper_path"`

	DefaultAffinity  string `mapstructure:"default_affinity"   toml:"default_affinity"`
	GamingModeIntent bool   `mapstructure:"gaming_mode_intent" toml:"gaming_mode_intent"`

	ProBalance ProBalanceConfig `mapstructure:"probalance" toml:"probalance"`
	History    HistoryConfig    `mapstructure:"history"    toml:"history"`
	Rules      []RuleConfig     `mapstructure:"rules"      toml:"rules"`

	// path the config was loaded from; Save writes back here.
	path string
}

// Load reads configuration from all sources. args is the command line
// without the program name, typically os.Args[1:].
func Load(args ...string) (*Config, error) {
	errFactory := errors.New()

	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config file")
	fs.Bool("debug", false, "enable debug logging")
	fs.Bool("verbose", false, "enable verbose logging")
	fs.Int("enforce-interval", defaultEnforceIntervalMs, "rule enforcement interval in milliseconds")
	fs.Int("governor-interval", defaultGovernorIntervalMs, "governor tick interval in milliseconds")
	fs.String("helper-path", "", "path to the privileged helper binary")
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(ErrReadConfig, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := *configFlag
	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(ErrReadConfig, err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("toml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", configName))
		}
		v.AddConfigPath("/etc")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errFactory.Wrap(ErrReadConfig, err)
			}
		}
	}

	bindFlag(v, fs, "debug", "debug")
	bindFlag(v, fs, "verbose", "verbose")
	bindFlag(v, fs, "enforce-interval", "enforce_interval")
	bindFlag(v, fs, "governor-interval", "governor_interval")
	bindFlag(v, fs, "helper-path", "helper_path")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(ErrReadConfig, err)
	}
	cfg.path = v.ConfigFileUsed()
	if cfg.path == "" {
		cfg.path = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("enforce_interval", defaultEnforceIntervalMs)
	v.SetDefault("governor_interval", defaultGovernorIntervalMs)
	v.SetDefault("status_interval", defaultStatusIntervalSec)
	v.SetDefault("helper_path", "")
	v.SetDefault("default_affinity", "")
	v.SetDefault("gaming_mode_intent", false)

	pb := probalance.DefaultConfig()
	v.SetDefault("probalance.enabled", pb.Enabled)
	v.SetDefault("probalance.throttle_threshold", pb.ThrottleThreshold)
	v.SetDefault("probalance.load_threshold", pb.LoadThreshold)
	v.SetDefault("probalance.restore_threshold", pb.RestoreThreshold)
	v.SetDefault("probalance.hold_seconds", pb.HoldSeconds)
	v.SetDefault("probalance.restore_hold_seconds", pb.RestoreHoldSeconds)
	v.SetDefault("probalance.throttle_nice", pb.ThrottleNice)
	v.SetDefault("probalance.throttle_ioclass", pb.ThrottleIOClass)
	v.SetDefault("probalance.exempt", pb.Exempt)

	hist := history.DefaultConfig()
	v.SetDefault("history.enabled", hist.Enabled)
	v.SetDefault("history.database", hist.DBPath)
}

// bindFlag overrides a viper key when the flag was set explicitly.
func bindFlag(v *viper.Viper, fs *pflag.FlagSet, flagName, key string) {
	if f := fs.Lookup(flagName); f != nil && f.Changed {
		v.Set(key, f.Value.String())
	}
}

// Validate checks intervals, thresholds and every persisted rule.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.EnforceInterval <= 0 || c.GovernorInterval <= 0 || c.StatusInterval <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "intervals must be positive")
	}

	if err := c.ProBalanceConfig().Validate(); err != nil {
		return err
	}

	if c.DefaultAffinity != "" {
		if _, err := topology.ParseCPUList(c.DefaultAffinity); err != nil {
			return errFactory.WithMessage(ErrInvalidConfig, "default_affinity is not a valid cpu list")
		}
	}

	for i := range c.Rules {
		if _, err := c.Rules[i].toRule(); err != nil {
			return err
		}
	}

	return nil
}

// Path returns the file the configuration was loaded from, empty when
// running on pure defaults.
func (c *Config) Path() string {
	return c.path
}

// ProBalanceConfig maps the persisted section onto the governor config.
func (c *Config) ProBalanceConfig() probalance.Config {
	return probalance.Config{
		Enabled:            c.ProBalance.Enabled,
		ThrottleThreshold:  c.ProBalance.ThrottleThreshold,
		LoadThreshold:      c.ProBalance.LoadThreshold,
		RestoreThreshold:   c.ProBalance.RestoreThreshold,
		HoldSeconds:        c.ProBalance.HoldSeconds,
		RestoreHoldSeconds: c.ProBalance.RestoreHoldSeconds,
		ThrottleNice:       c.ProBalance.ThrottleNice,
		ThrottleIOClass:    c.ProBalance.ThrottleIOClass,
		Exempt:             c.ProBalance.Exempt,
	}
}

// HistoryStoreConfig maps the persisted section onto the history config.
func (c *Config) HistoryStoreConfig() history.Config {
	cfg := history.DefaultConfig()
	cfg.Enabled = c.History.Enabled
	cfg.DBPath = c.History.DBPath

	return cfg
}

// DefaultAffinitySet parses the configured default affinity, empty set
// when unset.
func (c *Config) DefaultAffinitySet() topology.CoreSet {
	if c.DefaultAffinity == "" {
		return topology.NewCoreSet()
	}
	set, err := topology.ParseCPUList(c.DefaultAffinity)
	if err != nil {
		return topology.NewCoreSet()
	}

	return set
}

// RuleList converts the persisted rules preserving order.
func (c *Config) RuleList() ([]rules.Rule, error) {
	out := make([]rules.Rule, 0, len(c.Rules))
	for i := range c.Rules {
		r, err := c.Rules[i].toRule()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, nil
}

// SetRules replaces the persisted rule list from engine rules.
func (c *Config) SetRules(list []rules.Rule) {
	out := make([]RuleConfig, 0, len(list))
	for _, r := range list {
		out = append(out, RuleConfig{
			Name:    r.Name,
			Pattern: r.Pattern,
			Match:   string(r.Match),
			Cores:   topology.FormatCPUList(r.Cores),
			Nice:    r.Nice,
			IOClass: r.IOClass,
			IOLevel: r.IOLevel,
			Enabled: r.Enabled,
		})
	}
	c.Rules = out
}

func (rc *RuleConfig) toRule() (rules.Rule, error) {
	errFactory := errors.New()

	cores := topology.NewCoreSet()
	if rc.Cores != "" {
		parsed, err := topology.ParseCPUList(rc.Cores)
		if err != nil {
			return rules.Rule{}, errFactory.WithMessage(ErrInvalidConfig,
				"rule "+rc.Name+" has an invalid core list")
		}
		cores = parsed
	}

	r := rules.Rule{
		Name:    rc.Name,
		Pattern: rc.Pattern,
		Match:   rules.MatchMode(rc.Match),
		Cores:   cores,
		Nice:    rc.Nice,
		IOClass: rc.IOClass,
		IOLevel: rc.IOLevel,
		Enabled: rc.Enabled,
	}

	if err := r.ValidatePersisted(); err != nil {
		return rules.Rule{}, err
	}

	return r, nil
}
