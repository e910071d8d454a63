// Package config assembles process configuration from an optional YAML
// file, .env file, and environment variables, in that layered order,
// mirroring the layered loader the rest of the platform uses.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the dispatcher's HTTP surfaces.
type ServerConfig struct {
	AgentAddr string `env:"SERVER_AGENT_ADDR,default=:8080"`
	AdminAddr string `env:"SERVER_ADMIN_ADDR,default=:8081"`
}

// DatabaseConfig describes the Postgres connection used for persisted
// state (Jobs, PipelineRuns, StepRuns, Watermarks, Agents).
type DatabaseConfig struct {
	DSN             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS,default=25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME,default=30m"`
}

// DispatcherConfig tunes the Job Dispatcher's polling and load balancing.
type DispatcherConfig struct {
	LongPollTimeout time.Duration `env:"DISPATCHER_LONG_POLL_TIMEOUT,default=20s"`
	HeartbeatTTL    time.Duration `env:"DISPATCHER_HEARTBEAT_TTL,default=90s"`
}

// RedisConfig describes the connection the Balancer's in-flight agent
// load counters are stored in (spec §4.8 soft load-balancing).
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR,default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

// AdminConfig controls the admin trigger/read API's bearer auth.
type AdminConfig struct {
	JWTSecret string `env:"ADMIN_JWT_SECRET"`
}

// SchedulerConfig tunes the cron-driven Scheduler tick.
type SchedulerConfig struct {
	TickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL,default=60s"`
}

// AgentConfig is the minimal environment-driven option set recognized by
// the agent binary (spec §6 Configuration).
type AgentConfig struct {
	APIURL     string `env:"API_URL"`
	ClientID   string `env:"CLIENT_ID"`
	APIKey     string `env:"API_KEY"`
	Tags       string `env:"TAGS"`
	MaxWorkers int    `env:"MAX_WORKERS,default=0"`
	SandboxDir string `env:"SANDBOX_DIR,default=/var/lib/synqx-agent/sandbox"`

	// EvaluatorFailOpen governs how the Runner treats a node whose edge
	// condition failed to evaluate: false (default) skips the node,
	// true restores the permissive "run it anyway" behavior.
	EvaluatorFailOpen bool `env:"EVALUATOR_FAIL_OPEN,default=false"`
}

// TagList splits the comma-separated TAGS env var into a slice, ignoring
// empty entries.
func (a AgentConfig) TagList() []string {
	if strings.TrimSpace(a.Tags) == "" {
		return nil
	}
	parts := strings.Split(a.Tags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
	Output string `env:"LOG_OUTPUT,default=stdout"`
}

// Config is the top-level, fully assembled configuration for the
// dispatcher process.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Dispatcher DispatcherConfig
	Scheduler  SchedulerConfig
	Redis      RedisConfig
	Admin      AdminConfig
	Logging    LoggingConfig
}

// New returns a zero-valued Config. Struct-tag defaults are not applied
// here; Load applies them while decoding environment variables.
func New() *Config {
	return &Config{}
}

// Load layers a YAML file (if path is non-empty and exists), a .env file
// in the working directory, and process environment variables, in that
// order, onto a fresh Config from New.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := New()
	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", yamlPath, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode env config: %w", err)
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	normalize(cfg)
	return cfg, nil
}

// LoadAgent loads the minimal agent-side configuration (spec §6).
func LoadAgent() (*AgentConfig, error) {
	_ = godotenv.Load()
	cfg := &AgentConfig{}
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode agent env config: %w", err)
	}
	if cfg.APIURL == "" || cfg.ClientID == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("agent config incomplete: API_URL, CLIENT_ID, and API_KEY are required")
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
}
