package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Scheduler modes.
const (
	SchedulerExternal = "external"
	SchedulerEmbedded = "embedded"
)

// Session-ID validation modes.
const (
	SessionIDLenient = "lenient"
	SessionIDStrict  = "strict"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Wake       WakeConfig       `yaml:"wake"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Internal   InternalConfig   `yaml:"internal"`
	Redis      RedisConfig      `yaml:"redis"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	MCP        MCPConfig        `yaml:"mcp"`
	Pulse      PulseConfig      `yaml:"pulse"`
}

type ServerConfig struct {
	Port    string `yaml:"port"`
	NoColor bool   `yaml:"no_color"`
}

type StoreConfig struct {
	// ProjectID selects the tenant-store project. Empty means run on the
	// in-memory store (local development and tests).
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

type WakeConfig struct {
	HostURL string `yaml:"host_url"`
}

type DispatcherConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
	// TasksQueue enables the Cloud Tasks delivery path when set
	// (projects/P/locations/L/queues/Q).
	TasksQueue string `yaml:"tasks_queue"`
}

type InternalConfig struct {
	APIKey string `yaml:"api_key"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AnalyticsConfig struct {
	PubsubTopic string `yaml:"pubsub_topic"`
}

type SchedulerConfig struct {
	Mode string `yaml:"mode"`
}

type MCPConfig struct {
	AllowedHosts []string `yaml:"allowed_hosts"`
}

type PulseConfig struct {
	SessionIDMode string `yaml:"session_id_mode"`
}

// Load assembles the configuration: defaults, then the optional YAML file
// named by CACHEBASH_CONFIG, then environment variables. Env always wins.
func Load() (*Config, error) {
	cfg := &Config{
		Server:    ServerConfig{Port: "8080"},
		Scheduler: SchedulerConfig{Mode: SchedulerExternal},
		Pulse:     PulseConfig{SessionIDMode: SessionIDLenient},
	}

	if path := os.Getenv("CACHEBASH_CONFIG"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if cfg.Scheduler.Mode != SchedulerExternal && cfg.Scheduler.Mode != SchedulerEmbedded {
		return nil, fmt.Errorf("config: unknown scheduler mode %q", cfg.Scheduler.Mode)
	}
	if cfg.Pulse.SessionIDMode != SessionIDLenient && cfg.Pulse.SessionIDMode != SessionIDStrict {
		return nil, fmt.Errorf("config: unknown session id mode %q", cfg.Pulse.SessionIDMode)
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	cfg.Server.NoColor = cfg.Server.NoColor || os.Getenv("NO_COLOR") != ""

	setString(&cfg.Store.ProjectID, "FIREBASE_PROJECT_ID")
	setString(&cfg.Store.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	setString(&cfg.Wake.HostURL, "WAKE_HOST_URL")
	setString(&cfg.Dispatcher.WebhookURL, "DISPATCHER_WEBHOOK_URL")
	setString(&cfg.Dispatcher.WebhookSecret, "DISPATCHER_WEBHOOK_SECRET")
	setString(&cfg.Dispatcher.TasksQueue, "WEBHOOK_TASKS_QUEUE")
	setString(&cfg.Internal.APIKey, "INTERNAL_API_KEY")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Analytics.PubsubTopic, "ANALYTICS_PUBSUB_TOPIC")
	setString(&cfg.Scheduler.Mode, "SCHEDULER_MODE")
	setString(&cfg.Pulse.SessionIDMode, "SESSION_ID_MODE")

	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("MCP_ALLOWED_HOSTS"); v != "" {
		var hosts []string
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		cfg.MCP.AllowedHosts = hosts
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
