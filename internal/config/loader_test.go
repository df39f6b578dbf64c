package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty config gets defaults",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Name != "pixeldispatch" {
					t.Errorf("service.name = %q", cfg.Service.Name)
				}
				if cfg.State.Backend != BackendFile {
					t.Errorf("state.backend = %q, want file", cfg.State.Backend)
				}
				if !filepath.IsAbs(cfg.State.Path) {
					t.Errorf("state.path should be anchored at config dir, got %q", cfg.State.Path)
				}
				if cfg.Queue.MaxRetries != 3 {
					t.Errorf("queue.max_retries = %d, want 3", cfg.Queue.MaxRetries)
				}
				if cfg.Queue.CompletedHistory != 10 {
					t.Errorf("queue.completed_history = %d, want 10", cfg.Queue.CompletedHistory)
				}
				if cfg.Interceptor.ModeDefault != "local" {
					t.Errorf("interceptor.mode_default = %q", cfg.Interceptor.ModeDefault)
				}
			},
		},
		{
			name: "full config",
			yaml: `
service:
  log_level: DEBUG
state:
  backend: sqlite
  path: /var/lib/pixeldispatch/state.db
queue:
  workers: 4
  poll_interval: 250ms
  max_retries: 5
interceptor:
  mode_default: network
  wait_timeout: 30s
  sensitive_keys: [api_key]
coordinator:
  routes:
    blink: display
devices:
  - id: desk
    name: Desk panel
    type: idotmatrix
    enabled: true
timer:
  max_wait: 10m
api:
  enabled: true
  listen: 0.0.0.0:9090
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.LogLevel != "debug" {
					t.Errorf("log level not normalized: %q", cfg.Service.LogLevel)
				}
				if cfg.State.Path != "/var/lib/pixeldispatch/state.db" {
					t.Errorf("state.path = %q", cfg.State.Path)
				}
				if cfg.Queue.Workers != 4 || cfg.Queue.PollInterval != 250*time.Millisecond {
					t.Errorf("queue not parsed: %+v", cfg.Queue)
				}
				if cfg.Interceptor.WaitTimeout != 30*time.Second {
					t.Errorf("wait_timeout = %v", cfg.Interceptor.WaitTimeout)
				}
				if cfg.Coordinator.Routes["blink"] != "display" {
					t.Error("coordinator route not parsed")
				}
				if len(cfg.Devices) != 1 || !cfg.Devices[0].Enabled {
					t.Errorf("devices not parsed: %+v", cfg.Devices)
				}
				if cfg.Timer.MaxWait != 10*time.Minute {
					t.Errorf("timer.max_wait = %v", cfg.Timer.MaxWait)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  backend: redis
  redis:
    addr: ${REDIS_ADDR}
    password: ${REDIS_PASSWORD}
`,
			env: map[string]string{
				"REDIS_ADDR":     "localhost:6379",
				"REDIS_PASSWORD": "hunter2",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Redis.Addr != "localhost:6379" {
					t.Errorf("addr not interpolated: %q", cfg.State.Redis.Addr)
				}
				if cfg.State.Redis.Password != "hunter2" {
					t.Errorf("password not interpolated: %q", cfg.State.Redis.Password)
				}
			},
		},
		{
			name: "missing env var fails validation",
			yaml: `
state:
  backend: redis
  redis:
    addr: localhost:6379
    password: ${PIXELDISPATCH_TEST_MISSING_VAR}
`,
			wantErr: true,
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: true,
		},
		{
			name:    "unknown backend",
			yaml:    "state:\n  backend: etcd\n",
			wantErr: true,
		},
		{
			name:    "redis without addr",
			yaml:    "state:\n  backend: redis\n",
			wantErr: true,
		},
		{
			name:    "unknown mode",
			yaml:    "interceptor:\n  mode_default: hybrid\n",
			wantErr: true,
		},
		{
			name:    "bad route kind",
			yaml:    "coordinator:\n  routes:\n    blink: laser\n",
			wantErr: true,
		},
		{
			name:    "duplicate device ids",
			yaml:    "devices:\n  - id: a\n  - id: a\n",
			wantErr: true,
		},
		{
			name:    "device without id",
			yaml:    "devices:\n  - name: nameless\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadAcceptsDirectory(t *testing.T) {
	path := writeConfig(t, "service:\n  name: from-dir\n")
	cfg, err := Load(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Load(dir) error: %v", err)
	}
	if cfg.Service.Name != "from-dir" {
		t.Errorf("service.name = %q", cfg.Service.Name)
	}
	if cfg.SourcePath != path {
		t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDiscoverConfigDirHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ConfigDirEnv, dir)

	got, err := DiscoverConfigDir()
	if err != nil {
		t.Fatalf("DiscoverConfigDir() error: %v", err)
	}
	if got != dir {
		t.Errorf("DiscoverConfigDir() = %q, want %q", got, dir)
	}
}
