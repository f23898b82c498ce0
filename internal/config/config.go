package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/examportal/coderunner/internal/languages"
)

const envPrefix = "CODERUNNER"

// ServerConfig holds the HTTP settings. RequestTimeout bounds how long a
// caller waits for its job, queueing included.
type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	ReadTimeout    int           `mapstructure:"read_timeout"`
	WriteTimeout   int           `mapstructure:"write_timeout"`
	IdleTimeout    int           `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodySize    string        `mapstructure:"max_body_size"`
}

func (s ServerConfig) MaxBodyBytes() (int64, error) {
	return units.RAMInBytes(s.MaxBodySize)
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SandboxConfig struct {
	Image           string        `mapstructure:"image"`
	TempDir         string        `mapstructure:"temp_dir"`
	Memory          string        `mapstructure:"memory"`
	CPUs            float64       `mapstructure:"cpus"`
	PidsLimit       int64         `mapstructure:"pids_limit"`
	CompileTimeout  time.Duration `mapstructure:"compile_timeout"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout"`
	OutputLimit     string        `mapstructure:"output_limit"`
	MaxSourceSize   string        `mapstructure:"max_source_size"`
	PullImages      bool          `mapstructure:"pull_images"`
	ReapOnStart     bool          `mapstructure:"reap_on_start"`
}

// MemoryBytes parses Memory ("512m", "1g") into bytes.
func (s SandboxConfig) MemoryBytes() (int64, error) {
	return units.RAMInBytes(s.Memory)
}

func (s SandboxConfig) OutputLimitBytes() (int64, error) {
	return units.RAMInBytes(s.OutputLimit)
}

func (s SandboxConfig) MaxSourceBytes() (int64, error) {
	return units.RAMInBytes(s.MaxSourceSize)
}

type WorkerConfig struct {
	Count         int `mapstructure:"count"`
	QueueCapacity int `mapstructure:"queue_capacity"`
}

type LimiterConfig struct {
	GlobalRPS     float64 `mapstructure:"global_rps"`
	PerIPRPS      float64 `mapstructure:"per_ip_rps"`
	PerIPBurst    int     `mapstructure:"per_ip_burst"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

// LanguageConfig overrides or adds a language profile. Zero fields keep the
// built-in value.
type LanguageConfig struct {
	Name           string        `mapstructure:"name"`
	Image          string        `mapstructure:"image"`
	Extension      string        `mapstructure:"extension"`
	CompileCommand string        `mapstructure:"compile_command"`
	RunCommand     string        `mapstructure:"run_command"`
	Memory         string        `mapstructure:"memory"`
	CPUs           float64       `mapstructure:"cpus"`
	PidsLimit      int64         `mapstructure:"pids_limit"`
	CompileTimeout time.Duration `mapstructure:"compile_timeout"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
}

type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Log       LogConfig                 `mapstructure:"log"`
	Sandbox   SandboxConfig             `mapstructure:"sandbox"`
	Workers   WorkerConfig              `mapstructure:"workers"`
	Limiter   LimiterConfig             `mapstructure:"limiter"`
	Languages map[string]LanguageConfig `mapstructure:"languages"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.request_timeout", 45*time.Second)
	v.SetDefault("server.max_body_size", "512k")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("sandbox.image", "code-runner:latest")
	v.SetDefault("sandbox.temp_dir", "/tmp/code-execution")
	v.SetDefault("sandbox.memory", "512m")
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.compile_timeout", 10*time.Second)
	v.SetDefault("sandbox.run_timeout", 5*time.Second)
	v.SetDefault("sandbox.teardown_timeout", 10*time.Second)
	v.SetDefault("sandbox.output_limit", "1m")
	v.SetDefault("sandbox.max_source_size", "256k")
	v.SetDefault("sandbox.pull_images", true)
	v.SetDefault("sandbox.reap_on_start", true)

	v.SetDefault("workers.count", 5)
	v.SetDefault("workers.queue_capacity", 100)

	v.SetDefault("limiter.global_rps", 100)
	v.SetDefault("limiter.per_ip_rps", 10)
	v.SetDefault("limiter.per_ip_burst", 20)
	v.SetDefault("limiter.max_concurrent", 50)
}

// LoadConfig reads coderunner.yaml from the working directory or
// /etc/coderunner if present, then applies CODERUNNER_* environment
// overrides (e.g. CODERUNNER_SANDBOX_RUN_TIMEOUT=3s).
func LoadConfig() (*Config, error) {
	return Load("")
}

// Load is LoadConfig with an explicit config file path. An empty path
// searches the default locations and tolerates a missing file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coderunner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/coderunner")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) Validate() error {
	if c.Sandbox.TempDir == "" {
		return errors.New("sandbox.temp_dir must not be empty")
	}
	if _, err := c.Server.MaxBodyBytes(); err != nil {
		return fmt.Errorf("server.max_body_size: %w", err)
	}
	if _, err := c.Sandbox.MemoryBytes(); err != nil {
		return fmt.Errorf("sandbox.memory: %w", err)
	}
	if _, err := c.Sandbox.OutputLimitBytes(); err != nil {
		return fmt.Errorf("sandbox.output_limit: %w", err)
	}
	if _, err := c.Sandbox.MaxSourceBytes(); err != nil {
		return fmt.Errorf("sandbox.max_source_size: %w", err)
	}
	if c.Sandbox.RunTimeout <= 0 || c.Sandbox.CompileTimeout <= 0 {
		return errors.New("sandbox timeouts must be positive")
	}
	if c.Workers.Count <= 0 {
		return errors.New("workers.count must be positive")
	}
	if c.Workers.QueueCapacity < 0 {
		return errors.New("workers.queue_capacity must not be negative")
	}
	for id, l := range c.Languages {
		if l.Memory == "" {
			continue
		}
		if _, err := units.RAMInBytes(l.Memory); err != nil {
			return fmt.Errorf("languages.%s.memory: %w", id, err)
		}
	}
	return nil
}

// Limits returns the sandbox-wide defaults every language profile starts from.
func (c *Config) Limits() (languages.Limits, error) {
	mem, err := c.Sandbox.MemoryBytes()
	if err != nil {
		return languages.Limits{}, fmt.Errorf("sandbox.memory: %w", err)
	}
	return languages.Limits{
		CPUs:           c.Sandbox.CPUs,
		MemoryBytes:    mem,
		PidsLimit:      c.Sandbox.PidsLimit,
		CompileTimeout: c.Sandbox.CompileTimeout,
		RunTimeout:     c.Sandbox.RunTimeout,
	}, nil
}

// Profiles builds the language set: built-in defaults with the languages
// section merged on top.
func (c *Config) Profiles() ([]languages.Profile, error) {
	limits, err := c.Limits()
	if err != nil {
		return nil, err
	}

	overrides := make(map[string]languages.Profile, len(c.Languages))
	for id, l := range c.Languages {
		p := languages.Profile{
			ID:             id,
			Name:           l.Name,
			Image:          l.Image,
			FileExtension:  l.Extension,
			CompileCommand: l.CompileCommand,
			RunCommand:     l.RunCommand,
			Limits: languages.Limits{
				CPUs:           l.CPUs,
				PidsLimit:      l.PidsLimit,
				CompileTimeout: l.CompileTimeout,
				RunTimeout:     l.RunTimeout,
			},
		}
		if l.Memory != "" {
			mem, err := units.RAMInBytes(l.Memory)
			if err != nil {
				return nil, fmt.Errorf("languages.%s.memory: %w", id, err)
			}
			p.Limits.MemoryBytes = mem
		}
		overrides[strings.ToLower(strings.TrimSpace(id))] = p
	}
	return languages.WithOverrides(languages.Defaults(limits), limits, c.Sandbox.Image, overrides), nil
}
