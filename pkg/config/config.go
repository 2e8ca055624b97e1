// Package config loads the probe configuration from defaults, an optional
// YAML file, DISK_MONITOR_* environment variables and command line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nimdanitro/disk-monitor-go/pkg/probe"
)

const envPrefix = "DISK_MONITOR"

// Config holds all configuration for the probe
type Config struct {
	Devices     []string      `mapstructure:"devices"`
	Interval    time.Duration `mapstructure:"interval"`
	Count       int           `mapstructure:"count"`
	Sensors     ToolConfig    `mapstructure:"sensors"`
	Smartctl    ToolConfig    `mapstructure:"smartctl"`
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
	ToolRate    float64       `mapstructure:"tool_rate"`
	Log         LogConfig     `mapstructure:"log"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	OTel        OTelConfig    `mapstructure:"otel"`
}

// ToolConfig names an external command and its fixed arguments
type ToolConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig controls the Prometheus endpoint; an empty Addr disables it
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type OTelConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Devices:  probe.DefaultDevices(),
		Interval: 20 * time.Second,
		Sensors:  ToolConfig{Command: "sensors", Args: []string{}},
		Smartctl: ToolConfig{Command: "smartctl", Args: []string{"-A"}},
		Log:      LogConfig{Level: "info"},
	}
}

// RegisterFlags adds the probe flags to fs. Flag names match the config keys
// bound in Load.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringP("config", "c", "", "Path to a YAML config file")
	fs.Bool("print-config", false, "Print the effective configuration as YAML and exit")
	fs.StringSliceP("devices", "d", d.Devices, "Comma-separated list of block devices to probe")
	fs.DurationP("interval", "i", d.Interval, "Delay between sampling cycles")
	fs.IntP("count", "n", d.Count, "Stop after this many cycles (0 runs forever)")
	fs.String("sensors-command", d.Sensors.Command, "Sensor reporting command")
	fs.String("smartctl-command", d.Smartctl.Command, "Disk health command")
	fs.Duration("tool-timeout", d.ToolTimeout, "Timeout per tool invocation (0 disables)")
	fs.Float64("tool-rate", d.ToolRate, "Maximum disk tool invocations per second (0 is unlimited)")
	fs.String("log-level", d.Log.Level, "Log level (debug, info, warn, error)")
	fs.String("metrics-addr", d.Metrics.Addr, "Listen address for the Prometheus endpoint, e.g. :9101")
	fs.Bool("otel", d.OTel.Enabled, "Export traces, metrics and logs over OTLP/HTTP")
}

var flagKeys = map[string]string{
	"devices":          "devices",
	"interval":         "interval",
	"count":            "count",
	"sensors-command":  "sensors.command",
	"smartctl-command": "smartctl.command",
	"tool-timeout":     "tool_timeout",
	"tool-rate":        "tool_rate",
	"log-level":        "log.level",
	"metrics-addr":     "metrics.addr",
	"otel":             "otel.enabled",
}

// Load builds the configuration. fs may be nil. searchPaths are used to look
// up config.yaml when no --config flag is given; a missing file is not an
// error.
func Load(fs *pflag.FlagSet, searchPaths ...string) (*Config, error) {
	v := viper.New()

	// Set default values first (lowest precedence)
	d := Default()
	v.SetDefault("devices", d.Devices)
	v.SetDefault("interval", d.Interval)
	v.SetDefault("count", d.Count)
	v.SetDefault("sensors.command", d.Sensors.Command)
	v.SetDefault("sensors.args", d.Sensors.Args)
	v.SetDefault("smartctl.command", d.Smartctl.Command)
	v.SetDefault("smartctl.args", d.Smartctl.Args)
	v.SetDefault("tool_timeout", d.ToolTimeout)
	v.SetDefault("tool_rate", d.ToolRate)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("otel.enabled", d.OTel.Enabled)

	// Environment variables, e.g. log.level -> DISK_MONITOR_LOG_LEVEL
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flags only override when explicitly set
	var file string
	if fs != nil {
		for flagName, key := range flagKeys {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("cannot bind flag %s: %w", flagName, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil {
			file = f.Value.String()
		}
	}

	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", file, err)
		}
	} else if len(searchPaths) > 0 {
		v.SetConfigName("config")
		for _, p := range searchPaths {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("cannot read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.Count < 0 {
		return fmt.Errorf("count must not be negative, got %d", c.Count)
	}
	if c.ToolTimeout < 0 {
		return fmt.Errorf("tool_timeout must not be negative, got %s", c.ToolTimeout)
	}
	if c.ToolRate < 0 {
		return fmt.Errorf("tool_rate must not be negative, got %v", c.ToolRate)
	}
	for i, d := range c.Devices {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("devices[%d] is empty", i)
		}
	}
	if c.Sensors.Command == "" {
		return errors.New("sensors.command is empty")
	}
	if c.Smartctl.Command == "" {
		return errors.New("smartctl.command is empty")
	}
	return nil
}

type yamlTool struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type yamlConfig struct {
	Devices     []string `yaml:"devices"`
	Interval    string   `yaml:"interval"`
	Count       int      `yaml:"count"`
	Sensors     yamlTool `yaml:"sensors"`
	Smartctl    yamlTool `yaml:"smartctl"`
	ToolTimeout string   `yaml:"tool_timeout"`
	ToolRate    float64  `yaml:"tool_rate"`
	Log         struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	OTel struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"otel"`
}

// YAML renders the configuration in the config file format, so the output of
// --print-config can be loaded back with --config.
func (c *Config) YAML() ([]byte, error) {
	y := yamlConfig{
		Devices:     c.Devices,
		Interval:    c.Interval.String(),
		Count:       c.Count,
		Sensors:     yamlTool{Command: c.Sensors.Command, Args: c.Sensors.Args},
		Smartctl:    yamlTool{Command: c.Smartctl.Command, Args: c.Smartctl.Args},
		ToolTimeout: c.ToolTimeout.String(),
		ToolRate:    c.ToolRate,
	}
	y.Log.Level = c.Log.Level
	y.Metrics.Addr = c.Metrics.Addr
	y.OTel.Enabled = c.OTel.Enabled
	return yaml.Marshal(&y)
}
