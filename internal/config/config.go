package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models jobline.yml.
type Config struct {
	Node     string `yaml:"node"`
	Database struct {
		Path        string        `yaml:"path"`
		BusyTimeout time.Duration `yaml:"busy_timeout"`
	} `yaml:"database"`
	Log   LogConfig `yaml:"log"`
	Task  struct {
		MaxTry        int           `yaml:"max_try"`
		TryDelay      time.Duration `yaml:"try_delay"`
		ErrorDelay    time.Duration `yaml:"error_delay"`
		Retention     time.Duration `yaml:"retention"`
		StrictClaim   bool          `yaml:"strict_claim"`
		BatchPageSize int           `yaml:"batch_page_size"`
		OutputLimit   int           `yaml:"output_limit"`
	} `yaml:"task"`
	Token struct {
		SelfReleaseDelay time.Duration `yaml:"self_release_delay"`
		KeepFor          time.Duration `yaml:"keep_for"`
		Retention        time.Duration `yaml:"retention"`
		ReleaseAttempts  int           `yaml:"release_attempts"`
		ReleaseBackoff   time.Duration `yaml:"release_backoff"`
	} `yaml:"token"`
	Worker struct {
		Count           int           `yaml:"count"`
		RefreshInterval time.Duration `yaml:"refresh_interval"`
		Watchdog        time.Duration `yaml:"watchdog"`
		MaxTasks        int           `yaml:"max_tasks"`
		MaxAge          time.Duration `yaml:"max_age"`
		MaxMemoryMB     int           `yaml:"max_memory_mb"`
		PollMin         time.Duration `yaml:"poll_min"`
		PollMax         time.Duration `yaml:"poll_max"`
	} `yaml:"worker"`
	Supervisor struct {
		Interval        time.Duration `yaml:"interval"`
		CleanupSchedule string        `yaml:"cleanup_schedule"`
		SpawnInterval   time.Duration `yaml:"spawn_interval"`
		SpawnBurst      int           `yaml:"spawn_burst"`
		WatchConfig     bool          `yaml:"watch_config"`
	} `yaml:"supervisor"`
	Signals struct {
		PackageLocks []string      `yaml:"package_locks"`
		LockPoll     time.Duration `yaml:"lock_poll"`
	} `yaml:"signals"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
		// RequireAuth enforces credentials even without a JWT secret, so
		// only X-Api-Key clients are accepted.
		RequireAuth bool `yaml:"require_auth"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	JSON    bool   `yaml:"json"`
	File    string `yaml:"file"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Task.MaxTry < 1 {
		return fmt.Errorf("task.max_try must be >= 1")
	}
	if c.Task.TryDelay < 0 {
		return fmt.Errorf("task.try_delay must be >= 0")
	}
	if c.Task.ErrorDelay <= 0 {
		return fmt.Errorf("task.error_delay must be > 0")
	}
	if c.Task.BatchPageSize < 1 {
		return fmt.Errorf("task.batch_page_size must be >= 1")
	}
	if c.Token.SelfReleaseDelay <= 0 {
		return fmt.Errorf("token.self_release_delay must be > 0")
	}
	if c.Token.KeepFor <= 0 || c.Token.KeepFor >= c.Token.SelfReleaseDelay {
		return fmt.Errorf("token.keep_for must be > 0 and shorter than token.self_release_delay")
	}
	if c.Token.SelfReleaseDelay <= c.Worker.RefreshInterval {
		return fmt.Errorf("token.self_release_delay must exceed worker.refresh_interval")
	}
	if c.Token.ReleaseAttempts < 1 {
		return fmt.Errorf("token.release_attempts must be >= 1")
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("worker.count must be >= 0")
	}
	if c.Worker.RefreshInterval <= 0 {
		return fmt.Errorf("worker.refresh_interval must be > 0")
	}
	if c.Worker.Watchdog <= c.Worker.RefreshInterval {
		return fmt.Errorf("worker.watchdog must exceed worker.refresh_interval")
	}
	if c.Worker.PollMin <= 0 || c.Worker.PollMax < c.Worker.PollMin {
		return fmt.Errorf("worker.poll_min must be > 0 and <= worker.poll_max")
	}
	if c.Supervisor.Interval <= 0 {
		return fmt.Errorf("supervisor.interval must be > 0")
	}
	if strings.TrimSpace(c.Supervisor.CleanupSchedule) != "" {
		if _, err := cron.ParseStandard(c.Supervisor.CleanupSchedule); err != nil {
			return fmt.Errorf("supervisor.cleanup_schedule: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// CleanupSchedule parses the supervisor cleanup schedule.
func (c *Config) CleanupSchedule() (cron.Schedule, error) {
	spec := strings.TrimSpace(c.Supervisor.CleanupSchedule)
	if spec == "" {
		spec = "@every 10m"
	}
	return cron.ParseStandard(spec)
}

// NodeName returns the configured node name or the hostname.
func (c *Config) NodeName() string {
	if strings.TrimSpace(c.Node) != "" {
		return c.Node
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "jobline.yml")
}

// Load reads and validates config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with jl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses raw YAML on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML renders the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `node: ""

database:
  path: .jobline/jobline.db
  busy_timeout: 5s

log:
  level: info
  console: true
  json: false
  file: ""

task:
  max_try: 3
  try_delay: 1m
  error_delay: 30m
  retention: 168h
  strict_claim: true
  batch_page_size: 100
  output_limit: 65536

token:
  self_release_delay: 45m
  keep_for: 5m
  retention: 720h
  release_attempts: 6
  release_backoff: 25ms

worker:
  count: 2
  refresh_interval: 30s
  watchdog: 2m
  max_tasks: 1000
  max_age: 1h
  max_memory_mb: 512
  poll_min: 200ms
  poll_max: 10s

supervisor:
  interval: 10s
  cleanup_schedule: "@every 10m"
  spawn_interval: 1s
  spawn_burst: 4
  watch_config: true

signals:
  package_locks:
    - /var/lib/dpkg/lock-frontend
    - /var/lib/dpkg/lock
    - /var/lib/rpm/.rpm.lock
    - /var/run/yum.pid
  lock_poll: 5s

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
  require_auth: false
`
