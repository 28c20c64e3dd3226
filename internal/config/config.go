package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/loykin/craftvisor/internal/logger"
	"github.com/loykin/craftvisor/internal/process"
	"github.com/loykin/craftvisor/internal/scanner"
)

// EnvPrefix prefixes environment overrides, e.g. CRAFTVISOR_SERVER_LISTEN.
const EnvPrefix = "CRAFTVISOR"

// Config is the top-level TOML structure.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Game       GameConfig        `mapstructure:"game"`
	Properties map[string]string `mapstructure:"properties"`
	Network    NetworkConfig     `mapstructure:"network"`
	Log        logger.Config     `mapstructure:"log"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	History    HistoryConfig     `mapstructure:"history"`
	Markers    *MarkersConfig    `mapstructure:"markers"`
}

type ServerConfig struct {
	Listen       string     `mapstructure:"listen" validate:"required"`
	BasePath     string     `mapstructure:"base_path"`
	APIToken     string     `mapstructure:"api_token"`
	CommandRate  float64    `mapstructure:"command_rate" validate:"gte=0"`
	CommandBurst int        `mapstructure:"command_burst" validate:"gte=0"`
	TLS          *TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type GameConfig struct {
	Name           string        `mapstructure:"name" validate:"required,max=64"`
	WorkDir        string        `mapstructure:"work_dir"`
	Java           string        `mapstructure:"java"`
	Jar            string        `mapstructure:"jar"`
	MinMemory      string        `mapstructure:"min_memory"`
	MaxMemory      string        `mapstructure:"max_memory"`
	JVMFlags       []string      `mapstructure:"jvm_flags"`
	ServerArgs     []string      `mapstructure:"server_args"`
	Command        string        `mapstructure:"command"`
	Env            []string      `mapstructure:"env"`
	StopCommand    string        `mapstructure:"stop_command" validate:"required"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout" validate:"gt=0"`
	KillGrace      time.Duration `mapstructure:"kill_grace" validate:"gt=0"`
	MaxRestarts    int           `mapstructure:"max_restarts" validate:"gte=-1"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff" validate:"gte=0"`
	PIDFile        string        `mapstructure:"pid_file"`
	AcceptEULA     bool          `mapstructure:"accept_eula"`
	AutoStart      bool          `mapstructure:"auto_start"`
}

type NetworkConfig struct {
	BindAddress string         `mapstructure:"bind_address" validate:"omitempty,ip"`
	Port        int            `mapstructure:"port" validate:"gte=0,lte=65535"`
	PublicIPURL string         `mapstructure:"public_ip_url"`
	Ports       map[string]int `mapstructure:"ports"`
}

// AdvertisedPorts returns the extra ports with the game port under "java"
// unless one is configured explicitly.
func (n NetworkConfig) AdvertisedPorts() map[string]int {
	out := make(map[string]int, len(n.Ports)+1)
	for k, v := range n.Ports {
		out[k] = v
	}
	if _, ok := out["java"]; !ok && n.Port > 0 {
		out["java"] = n.Port
	}
	return out
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type HistoryConfig struct {
	Sinks     []string `mapstructure:"sinks"`
	QueueSize int      `mapstructure:"queue_size" validate:"gte=0"`
}

// MarkersConfig overrides the console markers used to infer readiness.
type MarkersConfig struct {
	Ready      []string                `mapstructure:"ready"`
	Error      []string                `mapstructure:"error"`
	Subsystems []scanner.SubsystemRule `mapstructure:"subsystems"`
}

// Spec returns the process spec of the game server.
func (g GameConfig) Spec() process.Spec {
	return process.Spec{
		Name:       g.Name,
		WorkDir:    g.WorkDir,
		Java:       g.Java,
		Jar:        g.Jar,
		MinMemory:  g.MinMemory,
		MaxMemory:  g.MaxMemory,
		JVMFlags:   g.JVMFlags,
		ServerArgs: g.ServerArgs,
		Command:    g.Command,
		Env:        g.Env,
		PIDFile:    g.PIDFile,
	}
}

// MarkerSet returns the configured markers, falling back to the defaults for
// any list left empty.
func (c *Config) MarkerSet() scanner.Markers {
	m := scanner.DefaultMarkers()
	if c.Markers == nil {
		return m
	}
	if len(c.Markers.Ready) > 0 {
		m.Ready = c.Markers.Ready
	}
	if len(c.Markers.Error) > 0 {
		m.Error = c.Markers.Error
	}
	if c.Markers.Subsystems != nil {
		m.Subsystems = c.Markers.Subsystems
	}
	return m
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.command_rate", 5.0)
	v.SetDefault("server.command_burst", 10)
	v.SetDefault("game.name", "minecraft")
	v.SetDefault("game.work_dir", ".")
	v.SetDefault("game.java", "java")
	v.SetDefault("game.jar", "server.jar")
	v.SetDefault("game.min_memory", "1G")
	v.SetDefault("game.max_memory", "2G")
	v.SetDefault("game.stop_command", "stop")
	v.SetDefault("game.stop_timeout", "30s")
	v.SetDefault("game.kill_grace", "5s")
	v.SetDefault("game.max_restarts", 3)
	v.SetDefault("game.restart_backoff", "15s")
	v.SetDefault("game.accept_eula", false)
	v.SetDefault("game.auto_start", false)
	v.SetDefault("network.bind_address", "")
	v.SetDefault("network.port", 25565)
	v.SetDefault("network.public_ip_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.sample_interval", "15s")
	v.SetDefault("history.queue_size", 256)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the TOML file at path (optional) and applies environment
// overrides and defaults. The result is validated.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

// LoadString parses TOML content, mainly for tests and embedding.
func LoadString(content string) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Game.Command == "" && c.Game.Jar == "" {
		return errors.New("invalid config: game.jar or game.command is required")
	}
	if t := c.Server.TLS; t != nil && t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			return errors.New("invalid config: server.tls cert_file and key_file must be set together")
		}
		if t.CertFile == "" && t.Dir == "" {
			return errors.New("invalid config: server.tls requires cert_file/key_file or dir")
		}
	}
	return nil
}
