package config

import "time"

// State backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config represents the complete pixeldispatch configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	State       StateConfig       `yaml:"state"`
	Queue       QueueConfig       `yaml:"queue"`
	Interceptor InterceptorConfig `yaml:"interceptor"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Devices     []DeviceConfig    `yaml:"devices,omitempty"`
	Timer       TimerConfig       `yaml:"timer"`
	API         APIConfig         `yaml:"api,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig selects and configures the persistent store.
type StateConfig struct {
	// Backend is one of file, sqlite or redis.
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig is used when state.backend is redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// QueueConfig defines task queue and worker settings.
type QueueConfig struct {
	Workers          int           `yaml:"workers"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	CompletedHistory int           `yaml:"completed_history"`
}

// InterceptorConfig defines execution interception settings.
type InterceptorConfig struct {
	// ModeDefault is used when no mode record has been persisted yet.
	ModeDefault string `yaml:"mode_default"`
	// WaitTimeout bounds how long a networked call blocks. Zero waits forever.
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
	SensitiveKeys []string      `yaml:"sensitive_keys,omitempty"`
}

// CoordinatorConfig defines classification and journal settings.
type CoordinatorConfig struct {
	// Routes maps an operation name to a task kind (display, timer, generic).
	Routes      map[string]string `yaml:"routes,omitempty"`
	JournalSize int               `yaml:"journal_size"`
}

// DeviceConfig describes one display device in the pool.
type DeviceConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Enabled bool   `yaml:"enabled"`
}

// TimerConfig bounds the timer executor.
type TimerConfig struct {
	MaxWait time.Duration `yaml:"max_wait"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "pixeldispatch",
			LogLevel: "info",
		},
		State: StateConfig{
			Backend: BackendFile,
			Path:    "./data",
		},
		Queue: QueueConfig{
			Workers:          1,
			PollInterval:     time.Second,
			MaxRetries:       3,
			CompletedHistory: 10,
		},
		Interceptor: InterceptorConfig{
			ModeDefault: "local",
		},
		Coordinator: CoordinatorConfig{
			JournalSize: 100,
		},
		Timer: TimerConfig{
			MaxWait: time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
