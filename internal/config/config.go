// Package config provides configuration loading and management for aweval.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all configuration for aweval.
type Config struct {
	Harness   HarnessConfig   `toml:"harness"`
	Inference InferenceConfig `toml:"inference"`
	Env       EnvConfig       `toml:"env"`
	Docker    DockerConfig    `toml:"docker"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Log       LogConfig       `toml:"log"`
}

// HarnessConfig contains run-level settings.
type HarnessConfig struct {
	NumWorlds         int    `toml:"num_worlds"`
	NumTasks          int    `toml:"num_tasks"`
	Tasks             string `toml:"tasks"` // id selection such as "0-9,12"; overrides num_tasks
	MaxSteps          int    `toml:"max_steps"`
	Seed              int64  `toml:"seed"` // -1 picks a random seed per run
	ResultDir         string `toml:"result_dir"`
	ExpName           string `toml:"exp_name"`
	PromptsDir        string `toml:"prompts_dir"`
	SettleDelayMS     int    `toml:"settle_delay_ms"`
	MaxTaskFailures   int    `toml:"max_task_failures"`
	MaxWorkerFailures int    `toml:"max_worker_failures"`
	MaxEmptyPolls     int    `toml:"max_empty_polls"`
	PollTimeoutMS     int    `toml:"poll_timeout_ms"`
}

// InferenceConfig describes the model endpoint.
type InferenceConfig struct {
	URL               string  `toml:"url"`
	Model             string  `toml:"model"`
	APIKeyEnv         string  `toml:"api_key_env"` // name of the variable holding the bearer key
	TopP              float64 `toml:"top_p"`
	TopK              int     `toml:"top_k"`
	Temperature       float64 `toml:"temperature"`
	MaxTokens         int     `toml:"max_tokens"`
	RepetitionPenalty float64 `toml:"repetition_penalty"`
	Retries           int     `toml:"retries"`
	BackoffMS         int     `toml:"backoff_ms"`
	Timeout           int     `toml:"timeout"` // seconds
}

// EnvConfig locates the environment runtimes.
type EnvConfig struct {
	Host             string `toml:"host"`
	BasePort         int    `toml:"base_port"`
	HealthIntervalMS int    `toml:"health_interval_ms"`
	Timeout          int    `toml:"timeout"` // seconds
}

// DockerConfig contains settings for provisioning environment containers.
type DockerConfig struct {
	Provision     bool   `toml:"provision"`
	Image         string `toml:"image"`
	ContainerPort int    `toml:"container_port"`
	AutoPull      bool   `toml:"auto_pull"`
	NamePrefix    string `toml:"name_prefix"`
	Privileged    bool   `toml:"privileged"`
}

// SchedulerConfig selects the queue and failure counter backend.
type SchedulerConfig struct {
	Backend   string `toml:"backend"` // "memory" or "redis"
	RedisAddr string `toml:"redis_addr"`
	RedisDB   int    `toml:"redis_db"`
	// RedisPasswordEnv names the variable holding the Redis password.
	RedisPasswordEnv string `toml:"redis_password_env"`
	KeyPrefix        string `toml:"key_prefix"`
}

// LogConfig enables a rotated log file next to stderr output.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Scheduler backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Default configuration values.
var Default = Config{
	Harness: HarnessConfig{
		NumWorlds:         30,
		NumTasks:          116,
		MaxSteps:          30,
		Seed:              42,
		ResultDir:         "./eval_log",
		SettleDelayMS:     2000,
		MaxTaskFailures:   5,
		MaxWorkerFailures: 5,
		MaxEmptyPolls:     5,
		PollTimeoutMS:     2000,
	},
	Inference: InferenceConfig{
		URL:               "https://api.chatglm.cn/v1/chat/completions",
		Model:             "public-glm-4.5v-moe-think",
		APIKeyEnv:         "AWEVAL_API_KEY",
		TopP:              0.2,
		TopK:              2,
		Temperature:       0.8,
		MaxTokens:         8192,
		RepetitionPenalty: 1.1,
		Retries:           5,
		BackoffMS:         1000,
		Timeout:           300,
	},
	Env: EnvConfig{
		Host:             "localhost",
		BasePort:         5000,
		HealthIntervalMS: 1000,
		Timeout:          120,
	},
	Docker: DockerConfig{
		Image:         "android_world:latest",
		ContainerPort: 5000,
		NamePrefix:    "aweval-env",
		Privileged:    true,
	},
	Scheduler: SchedulerConfig{
		Backend:   BackendMemory,
		RedisAddr: "localhost:6379",
		KeyPrefix: "aweval",
	},
	Log: LogConfig{
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	},
}

// configPaths returns the list of paths to search for config files.
func configPaths() []string {
	paths := []string{"./aweval.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".aweval.toml"))
		paths = append(paths, filepath.Join(home, ".config", "aweval", "config.toml"))
	}

	return paths
}

// Load loads configuration from a file or discovers it automatically.
// If configFile is empty, it searches standard locations.
// Returns default config if no file is found.
func Load(configFile string) (*Config, error) {
	cfg := Default

	var path string
	if configFile != "" {
		path = configFile
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	} else {
		for _, p := range configPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		return &cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.backfill()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// backfill restores defaults that a partial config zeroed out.
func (c *Config) backfill() {
	d := Default
	if c.Harness.NumWorlds <= 0 {
		c.Harness.NumWorlds = d.Harness.NumWorlds
	}
	if c.Harness.NumTasks <= 0 {
		c.Harness.NumTasks = d.Harness.NumTasks
	}
	if c.Harness.MaxSteps <= 0 {
		c.Harness.MaxSteps = d.Harness.MaxSteps
	}
	if c.Harness.ResultDir == "" {
		c.Harness.ResultDir = d.Harness.ResultDir
	}
	if c.Harness.SettleDelayMS < 0 {
		c.Harness.SettleDelayMS = d.Harness.SettleDelayMS
	}
	if c.Harness.MaxTaskFailures <= 0 {
		c.Harness.MaxTaskFailures = d.Harness.MaxTaskFailures
	}
	if c.Harness.MaxWorkerFailures <= 0 {
		c.Harness.MaxWorkerFailures = d.Harness.MaxWorkerFailures
	}
	if c.Harness.MaxEmptyPolls <= 0 {
		c.Harness.MaxEmptyPolls = d.Harness.MaxEmptyPolls
	}
	if c.Harness.PollTimeoutMS <= 0 {
		c.Harness.PollTimeoutMS = d.Harness.PollTimeoutMS
	}
	if c.Inference.URL == "" {
		c.Inference.URL = d.Inference.URL
	}
	if c.Inference.Retries <= 0 {
		c.Inference.Retries = d.Inference.Retries
	}
	if c.Inference.BackoffMS < 0 {
		c.Inference.BackoffMS = d.Inference.BackoffMS
	}
	if c.Inference.Timeout <= 0 {
		c.Inference.Timeout = d.Inference.Timeout
	}
	if c.Env.Host == "" {
		c.Env.Host = d.Env.Host
	}
	if c.Env.BasePort <= 0 {
		c.Env.BasePort = d.Env.BasePort
	}
	if c.Env.HealthIntervalMS <= 0 {
		c.Env.HealthIntervalMS = d.Env.HealthIntervalMS
	}
	if c.Env.Timeout <= 0 {
		c.Env.Timeout = d.Env.Timeout
	}
	if c.Docker.Image == "" {
		c.Docker.Image = d.Docker.Image
	}
	if c.Docker.ContainerPort <= 0 {
		c.Docker.ContainerPort = d.Docker.ContainerPort
	}
	if c.Docker.NamePrefix == "" {
		c.Docker.NamePrefix = d.Docker.NamePrefix
	}
	if c.Scheduler.Backend == "" {
		c.Scheduler.Backend = d.Scheduler.Backend
	}
	if c.Scheduler.RedisAddr == "" {
		c.Scheduler.RedisAddr = d.Scheduler.RedisAddr
	}
	if c.Scheduler.KeyPrefix == "" {
		c.Scheduler.KeyPrefix = d.Scheduler.KeyPrefix
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.Scheduler.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown scheduler backend %q (want %s or %s)", c.Scheduler.Backend, BackendMemory, BackendRedis)
	}
	if c.Env.BasePort+c.Harness.NumWorlds > 65535 {
		return fmt.Errorf("base_port %d leaves no room for %d environments", c.Env.BasePort, c.Harness.NumWorlds)
	}
	return nil
}

// SettleDelay is the pause after every environment mutation.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Harness.SettleDelayMS) * time.Millisecond
}

// PollTimeout is how long a worker waits on an empty queue.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Harness.PollTimeoutMS) * time.Millisecond
}

// HealthInterval is the delay between environment health probes.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Env.HealthIntervalMS) * time.Millisecond
}

// EnvTimeout bounds one environment HTTP request.
func (c *Config) EnvTimeout() time.Duration {
	return time.Duration(c.Env.Timeout) * time.Second
}

// InferenceTimeout bounds one model HTTP request.
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Inference.Timeout) * time.Second
}

// Backoff is the fixed delay between inference retries.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Inference.BackoffMS) * time.Millisecond
}

// APIKey reads the inference bearer key from the configured variable.
func (c *Config) APIKey() string {
	if c.Inference.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Inference.APIKeyEnv)
}

// RedisPassword reads the Redis password from the configured variable.
func (c *Config) RedisPassword() string {
	if c.Scheduler.RedisPasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Scheduler.RedisPasswordEnv)
}

// LoadEnvFiles loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("checking %s: %w", f, err)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("loading env files: %w", err)
	}
	return nil
}
