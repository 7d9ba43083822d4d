package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by the daemon.
const EnvPrefix = "ANCS"

// Defaults
const (
	DefaultListenAddr      = ":8080"
	DefaultLogLevel        = "info"
	DefaultDropInDir       = "dropins.d"
	DefaultActivationDelay = 10 * time.Second
	DefaultRefreshInterval = 10 * time.Second
	DefaultSinkInterval    = 30 * time.Second
)

var validate = validator.New()

// Settings is the daemon configuration.
type Settings struct {
	ListenAddr      string                `mapstructure:"listen_addr" validate:"required"`
	LogLevel        string                `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	DropInDir       string                `mapstructure:"dropin_dir" validate:"required"`
	ActivationDelay time.Duration         `mapstructure:"activation_delay" validate:"gte=0"`
	RefreshInterval time.Duration         `mapstructure:"refresh_interval" validate:"gt=0"`
	HomeAssistant   HomeAssistantSettings `mapstructure:"home_assistant"`
	History         HistorySettings       `mapstructure:"history"`
}

// HomeAssistantSettings configures the optional Home Assistant mirror.
// The mirror is disabled while URL is empty.
type HomeAssistantSettings struct {
	URL      string          `mapstructure:"url" validate:"omitempty,url"`
	Token    string          `mapstructure:"token" validate:"required_with=URL"`
	Interval time.Duration   `mapstructure:"interval" validate:"gt=0"`
	Entities []EntityMapping `mapstructure:"entities" validate:"dive"`
}

// EntityMapping mirrors one drop-in reading into an input_number entity.
type EntityMapping struct {
	DropIn string `mapstructure:"drop_in" validate:"required"`
	Metric string `mapstructure:"metric" validate:"required"`
	Entity string `mapstructure:"entity" validate:"required,startswith=input_number."`
}

// HistorySettings configures the optional SQLite reading history.
// History is disabled while Path is empty.
type HistorySettings struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

// Enabled reports whether the Home Assistant mirror is configured.
func (s HomeAssistantSettings) Enabled() bool { return s.URL != "" }

// Enabled reports whether history recording is configured.
func (s HistorySettings) Enabled() bool { return s.Path != "" }

// SetDefaults registers every key with its default so that environment
// variables bind even when no config file mentions the key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("dropin_dir", DefaultDropInDir)
	v.SetDefault("activation_delay", DefaultActivationDelay)
	v.SetDefault("refresh_interval", DefaultRefreshInterval)

	v.SetDefault("home_assistant.url", "")
	v.SetDefault("home_assistant.token", "")
	v.SetDefault("home_assistant.interval", DefaultSinkInterval)
	v.SetDefault("home_assistant.entities", []map[string]string{})

	v.SetDefault("history.path", "")
	v.SetDefault("history.interval", DefaultSinkInterval)
}

// NewViper returns a viper instance reading ANCS_* variables and, when
// cfgFile is set, that file.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// HA_URL / HA_TOKEN are shared with other Home Assistant tooling.
	if err := v.BindEnv("home_assistant.url", EnvPrefix+"_HOME_ASSISTANT_URL", "HA_URL"); err != nil {
		return nil, errors.Wrap(err, "bind home_assistant.url")
	}
	if err := v.BindEnv("home_assistant.token", EnvPrefix+"_HOME_ASSISTANT_TOKEN", "HA_TOKEN"); err != nil {
		return nil, errors.Wrap(err, "bind home_assistant.token")
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", cfgFile)
		}
	}
	return v, nil
}

// LoadSettings decodes and validates the settings held by v.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal settings")
	}
	s.LogLevel = strings.ToLower(s.LogLevel)

	if err := validate.Struct(&s); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}
	return &s, nil
}
