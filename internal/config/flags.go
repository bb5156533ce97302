package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flag names shared by the commands. Each maps to a config field and to an
// environment variable with the CT_ prefix (CT_READ_FILE, CT_NO_RESOLVE, ...).
const (
	FlagConfig         = "config"
	FlagInterface      = "interface"
	FlagReadFile       = "read-file"
	FlagSnaplen        = "snaplen"
	FlagPromiscuous    = "promiscuous"
	FlagNATS           = "nats-url"
	FlagSubject        = "subject"
	FlagInterval       = "interval"
	FlagRemoveTimeout  = "remove-timeout"
	FlagDetectExisting = "detect-existing"
	FlagLocalNet       = "local-net"
	FlagServerAddr     = "server-addr"
	FlagNoResolve      = "no-resolve"
	FlagAPI            = "api"
	FlagListen         = "listen"
	FlagLogLevel       = "log-level"
	FlagLogFile        = "log-file"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "CT"

const defaultConfigPath = "configs/config.yaml"

var envReplacer = strings.NewReplacer("-", "_")

// NewViper returns a viper instance reading CT_* environment variables and
// bound to flags.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	return v, nil
}

// Load reads the config file named by the config flag, falling back to
// configs/config.yaml when it exists, and applies flag and environment
// overrides on top of it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if path := v.GetString(FlagConfig); path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(defaultConfigPath); err == nil {
		if cfg, err = LoadConfig(defaultConfigPath); err != nil {
			return nil, err
		}
	}
	if err := Apply(cfg, v); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Apply overrides cfg with every key set in v, from a flag or the environment.
func Apply(cfg *Config, v *viper.Viper) error {
	if v.IsSet(FlagInterface) {
		cfg.Capture.Interface = v.GetString(FlagInterface)
	}
	if v.IsSet(FlagReadFile) {
		cfg.Capture.ReadFile = v.GetString(FlagReadFile)
	}
	if v.IsSet(FlagSnaplen) {
		cfg.Capture.SnapshotLen = v.GetInt32(FlagSnaplen)
	}
	if v.IsSet(FlagPromiscuous) {
		cfg.Capture.Promiscuous = v.GetBool(FlagPromiscuous)
	}
	if v.IsSet(FlagNATS) {
		cfg.Probe.NATSURL = v.GetString(FlagNATS)
	}
	if v.IsSet(FlagSubject) {
		cfg.Probe.Subject = v.GetString(FlagSubject)
	}
	if v.IsSet(FlagInterval) {
		d := v.GetDuration(FlagInterval)
		if d <= 0 {
			return fmt.Errorf("%w: --%s must be positive", ErrInvalid, FlagInterval)
		}
		cfg.Tracker.RefreshInterval = Duration(d)
	}
	if v.IsSet(FlagRemoveTimeout) {
		cfg.Tracker.RemoveTimeout = Duration(v.GetDuration(FlagRemoveTimeout))
	}
	if v.IsSet(FlagDetectExisting) {
		cfg.Tracker.DetectExisting = v.GetBool(FlagDetectExisting)
	}
	if v.IsSet(FlagLocalNet) {
		cfg.Tracker.LocalNetworks = append(cfg.Tracker.LocalNetworks, v.GetStringSlice(FlagLocalNet)...)
	}
	if v.IsSet(FlagServerAddr) {
		cfg.Tracker.ServerAddresses = append(cfg.Tracker.ServerAddresses, v.GetStringSlice(FlagServerAddr)...)
	}
	if v.GetBool(FlagNoResolve) {
		cfg.Resolver.Enabled = false
	}
	if v.IsSet(FlagAPI) {
		cfg.API.Enabled = v.GetBool(FlagAPI)
	}
	if v.IsSet(FlagListen) {
		cfg.API.ListenAddr = v.GetString(FlagListen)
	}
	if v.IsSet(FlagLogLevel) {
		cfg.Log.Level = v.GetString(FlagLogLevel)
	}
	if v.IsSet(FlagLogFile) {
		cfg.Log.File = v.GetString(FlagLogFile)
	}
	return nil
}
