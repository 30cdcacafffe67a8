package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "PLAYHOST"
	configName = "playhost"

	BusMQTT   = "mqtt"
	BusMemory = "memory"
)

type MQTTConfig struct {
	URL           string  `mapstructure:"url"`
	ClientID      string  `mapstructure:"client_id"`
	ReportPrefix  string  `mapstructure:"report_prefix"`
	CommandPrefix string  `mapstructure:"command_prefix"`
	PublishRate   float64 `mapstructure:"publish_rate"`
	PublishBurst  int     `mapstructure:"publish_burst"`
}

type GameplayConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	SlowTick     time.Duration `mapstructure:"slow_tick"`
	LoadTimeout  time.Duration `mapstructure:"load_timeout"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
}

type StreamConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	Budget        int           `mapstructure:"budget"`
}

type DeviceConfig struct {
	OfflineTimeout time.Duration `mapstructure:"offline_timeout"`
	CheckInterval  time.Duration `mapstructure:"check_interval"`
}

type APIConfig struct {
	Token           string `mapstructure:"token"`
	ActionRateLimit int    `mapstructure:"action_rate_limit"`
}

type Config struct {
	Port            int    `mapstructure:"port"`
	DataDir         string `mapstructure:"data_dir"`
	GameDir         string `mapstructure:"game_dir"`
	LogDir          string `mapstructure:"log_dir"`
	LogLevel        string `mapstructure:"log_level"`
	LogRetention    int    `mapstructure:"log_retention_days"`
	DBPath          string `mapstructure:"db_path"`
	DeviceTypesFile string `mapstructure:"device_types_file"`
	Bus             string `mapstructure:"bus"`

	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Gameplay GameplayConfig `mapstructure:"gameplay"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Device   DeviceConfig   `mapstructure:"device"`
	API      APIConfig      `mapstructure:"api"`

	// ConfigFile is the file the values were read from, empty when none.
	ConfigFile string `mapstructure:"-"`
}

// setDefaults registers every key so env overrides apply even without a
// config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8765)
	v.SetDefault("data_dir", "data")
	v.SetDefault("game_dir", "")
	v.SetDefault("log_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_retention_days", 7)
	v.SetDefault("db_path", "")
	v.SetDefault("device_types_file", "")
	v.SetDefault("bus", BusMQTT)

	v.SetDefault("mqtt.url", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.report_prefix", "/dpub/")
	v.SetDefault("mqtt.command_prefix", "/drecv/")
	v.SetDefault("mqtt.publish_rate", 50.0)
	v.SetDefault("mqtt.publish_burst", 20)

	v.SetDefault("gameplay.tick_interval", time.Second)
	v.SetDefault("gameplay.slow_tick", 800*time.Millisecond)
	v.SetDefault("gameplay.load_timeout", time.Second)
	v.SetDefault("gameplay.stop_grace", 5*time.Second)

	v.SetDefault("stream.flush_interval", 100*time.Millisecond)
	v.SetDefault("stream.ping_interval", 10*time.Second)
	v.SetDefault("stream.budget", 10)

	v.SetDefault("device.offline_timeout", 60*time.Second)
	v.SetDefault("device.check_interval", 3*time.Second)

	v.SetDefault("api.token", "")
	v.SetDefault("api.action_rate_limit", 120)
}

// Load reads configuration from cfgFile (or playhost.yaml in the config
// search path), PLAYHOST_* environment variables and flags, in increasing
// precedence. flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			// --data-dir binds data_dir, --mqtt.url binds mqtt.url
			bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	cfg.applyPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPaths derives unset paths from DataDir.
func (c *Config) applyPaths() {
	if c.GameDir == "" {
		c.GameDir = filepath.Join(c.DataDir, "games")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.DataDir, "logs")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "playhost.db")
	}
	if c.DeviceTypesFile == "" {
		c.DeviceTypesFile = filepath.Join(c.DataDir, "device-types.yaml")
	}
}

// Validate returns every invalid value found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	switch c.Bus {
	case BusMQTT:
		u, err := url.Parse(c.MQTT.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.url %q is not a broker url", c.MQTT.URL))
		}
	case BusMemory:
	default:
		errs = append(errs, fmt.Errorf("bus must be %q or %q, got %q", BusMQTT, BusMemory, c.Bus))
	}
	if c.MQTT.ReportPrefix == "" || c.MQTT.CommandPrefix == "" {
		errs = append(errs, errors.New("mqtt topic prefixes must not be empty"))
	}
	if c.MQTT.PublishRate < 0 || c.MQTT.PublishBurst < 0 {
		errs = append(errs, errors.New("mqtt publish rate and burst must not be negative"))
	}

	durations := []struct {
		key string
		val time.Duration
	}{
		{"gameplay.tick_interval", c.Gameplay.TickInterval},
		{"gameplay.slow_tick", c.Gameplay.SlowTick},
		{"gameplay.load_timeout", c.Gameplay.LoadTimeout},
		{"gameplay.stop_grace", c.Gameplay.StopGrace},
		{"stream.flush_interval", c.Stream.FlushInterval},
		{"stream.ping_interval", c.Stream.PingInterval},
		{"device.offline_timeout", c.Device.OfflineTimeout},
		{"device.check_interval", c.Device.CheckInterval},
	}
	for _, d := range durations {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.val))
		}
	}
	if c.Gameplay.TickInterval > 0 && c.Gameplay.TickInterval < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("gameplay.tick_interval %s is below minimum 10ms", c.Gameplay.TickInterval))
	}
	if c.Stream.Budget < 1 {
		errs = append(errs, fmt.Errorf("stream.budget must be at least 1, got %d", c.Stream.Budget))
	}
	if c.API.ActionRateLimit < 0 {
		errs = append(errs, fmt.Errorf("api.action_rate_limit must not be negative, got %d", c.API.ActionRateLimit))
	}
	if info, err := os.Stat(c.DataDir); err == nil && !info.IsDir() {
		errs = append(errs, fmt.Errorf("data_dir %q is not a directory", c.DataDir))
	}

	return errors.Join(errs...)
}

// EnsureDirs creates the data, games and log directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.GameDir, c.LogDir, filepath.Dir(c.DBPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", configName)
}
