// Package config loads impulse's TOML configuration and tracks changes to
// the metering-store connection string.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Config is the top-level configuration for the prew proxy daemon.
type Config struct {
	BindAddr       string `toml:"bind_addr"`
	ServerAddr     string `toml:"server_addr"`
	ReportConnstr  string `toml:"report_connstr"`
	AdminBind      string `toml:"admin_bind"`
	MaxFrameBytes  int    `toml:"max_frame_bytes"`
	ReportQueueLen int    `toml:"report_queue_len"`
}

func applyDefaults(cfg *Config) {
	if cfg.AdminBind == "" {
		cfg.AdminBind = "127.0.0.1:8080"
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 1 << 24
	}
	if cfg.ReportQueueLen == 0 {
		cfg.ReportQueueLen = 1024
	}
}

// Load reads and parses a TOML config file. An empty path is not an error;
// Load then returns a Config holding only the defaults, so callers can
// layer CLI flags and env fallbacks on top (see Merge).
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Merge overlays non-empty CLI-flag overrides and then env-var fallbacks on
// top of a file-loaded Config: flags win over file values, and DATABASE_URL
// is only consulted when neither a flag nor the file supplied a metering
// store connection string.
func Merge(cfg *Config, bindAddr, serverAddr, reportConnstr string) {
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}
	if serverAddr != "" {
		cfg.ServerAddr = serverAddr
	}
	if reportConnstr != "" {
		cfg.ReportConnstr = reportConnstr
	}
	if cfg.ReportConnstr == "" {
		if v, ok := os.LookupEnv("DATABASE_URL"); ok {
			cfg.ReportConnstr = v
		}
	}
}

// ErrMissingBindAddr and ErrMissingServerAddr surface as exit code 1
// (configuration error).
var (
	ErrMissingBindAddr    = fmt.Errorf("no bind address specified")
	ErrMissingServerAddr  = fmt.Errorf("no server address specified")
	ErrMissingReportConn  = fmt.Errorf("no impulse database connection string specified")
)

// Validate checks that the required options are present.
func Validate(cfg *Config) error {
	if cfg.BindAddr == "" {
		return ErrMissingBindAddr
	}
	if cfg.ServerAddr == "" {
		return ErrMissingServerAddr
	}
	if cfg.ReportConnstr == "" {
		return ErrMissingReportConn
	}
	return nil
}

// ManagedDBConfig holds the backend cluster's administrative credentials,
// used by the metering CLI's storage sampler and sync-users operation.
// These are environment-only; there is no TOML key.
type ManagedDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
}

// ManagedDBFromEnv reads MANAGED_DB_{HOST,PORT,USER,PASSWORD}.
func ManagedDBFromEnv() (ManagedDBConfig, error) {
	m := ManagedDBConfig{
		Host:     os.Getenv("MANAGED_DB_HOST"),
		Port:     os.Getenv("MANAGED_DB_PORT"),
		User:     os.Getenv("MANAGED_DB_USER"),
		Password: os.Getenv("MANAGED_DB_PASSWORD"),
	}
	if m.Host == "" || m.Port == "" || m.User == "" {
		return m, fmt.Errorf("MANAGED_DB_HOST, MANAGED_DB_PORT and MANAGED_DB_USER must all be set")
	}
	return m, nil
}

// ConnString builds a postgres:// URI for the managed cluster's admin user.
func (m ManagedDBConfig) ConnString(dbname string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", m.User, m.Password, m.Host, m.Port, dbname)
}

// Watcher watches the config file for changes to report_connstr and invokes
// callback with the reloaded Config. The proxy's bind/server addresses are
// bound at listener-creation time and are not reloadable.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	log      *slog.Logger
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}
	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
		log:      slog.Default().With("component", "config.watcher"),
	}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Error("watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		cw.log.Error("hot-reload failed", "error", err)
		return
	}
	cw.log.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
