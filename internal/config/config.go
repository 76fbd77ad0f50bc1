package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Pool      PoolConfig      `toml:"pool"`
	Container ContainerConfig `toml:"container"`
	Caddy     CaddyConfig     `toml:"caddy"`
	Database  DatabaseConfig  `toml:"database"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	Addr    string `toml:"addr"`
	BaseURL string `toml:"base_url"`
}

type PoolConfig struct {
	MaxActiveUsers         int `toml:"max_active_users"`
	SessionDurationSeconds int `toml:"session_duration_seconds"`
	TickIntervalSeconds    int `toml:"tick_interval_seconds"`
	PortMin                int `toml:"port_min"`
	PortMax                int `toml:"port_max"`
}

type ContainerConfig struct {
	Image             string  `toml:"image"`
	Memory            string  `toml:"memory"`
	MemoryReservation string  `toml:"memory_reservation"`
	CPUs              float64 `toml:"cpus"`
	ProbeHost         string  `toml:"probe_host"`
	TCPReadySeconds   int     `toml:"tcp_ready_seconds"`
	HTTPReadySeconds  int     `toml:"http_ready_seconds"`
}

type CaddyConfig struct {
	Enabled bool   `toml:"enabled"`
	APIURL  string `toml:"api_url"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8081", BaseURL: "http://localhost:8081"},
		Pool: PoolConfig{
			MaxActiveUsers:         5,
			SessionDurationSeconds: 60,
			TickIntervalSeconds:    1,
			PortMin:                10000,
			PortMax:                10010,
		},
		Container: ContainerConfig{
			Image:             "ctf-ping-vuln",
			Memory:            "100m",
			MemoryReservation: "75m",
			CPUs:              0.2,
			ProbeHost:         "127.0.0.1",
			TCPReadySeconds:   15,
			HTTPReadySeconds:  10,
		},
		Caddy:    CaddyConfig{APIURL: "http://localhost:2019"},
		Database: DatabaseConfig{Path: "cmdi.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "cmdi.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CMDI_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CMDI_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("CMDI_MAX_ACTIVE_USERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.MaxActiveUsers = n
		}
	}
	if v := os.Getenv("CMDI_SESSION_DURATION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.SessionDurationSeconds = n
		}
	}
	if v := os.Getenv("CMDI_TICK_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.TickIntervalSeconds = n
		}
	}
	if v := os.Getenv("CMDI_PORT_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.PortMin = n
		}
	}
	if v := os.Getenv("CMDI_PORT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.PortMax = n
		}
	}
	if v := os.Getenv("CMDI_IMAGE"); v != "" {
		cfg.Container.Image = v
	}
	if v := os.Getenv("CMDI_PROBE_HOST"); v != "" {
		cfg.Container.ProbeHost = v
	}
	if v := os.Getenv("CMDI_TCP_READY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Container.TCPReadySeconds = n
		}
	}
	if v := os.Getenv("CMDI_HTTP_READY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Container.HTTPReadySeconds = n
		}
	}
	if v := os.Getenv("CMDI_CADDY_API_URL"); v != "" {
		cfg.Caddy.APIURL = v
		cfg.Caddy.Enabled = true
	}
	if v := os.Getenv("CMDI_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CMDI_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// SessionDuration returns the configured session lifetime.
func (c PoolConfig) SessionDuration() time.Duration {
	return time.Duration(c.SessionDurationSeconds) * time.Second
}

// TickInterval returns the supervisor period.
func (c PoolConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// TCPReadyWindow returns how long to wait for the sandbox to accept TCP.
func (c ContainerConfig) TCPReadyWindow() time.Duration {
	return time.Duration(c.TCPReadySeconds) * time.Second
}

// HTTPReadyWindow returns how long to wait for an HTTP response.
func (c ContainerConfig) HTTPReadyWindow() time.Duration {
	return time.Duration(c.HTTPReadySeconds) * time.Second
}

// MemoryBytes parses the human-readable memory limit ("100m").
// Unparseable values fall back to the default limit.
func (c ContainerConfig) MemoryBytes() int64 {
	return ramBytes(c.Memory, 100*1024*1024)
}

// MemoryReservationBytes parses the soft memory reservation.
func (c ContainerConfig) MemoryReservationBytes() int64 {
	return ramBytes(c.MemoryReservation, 75*1024*1024)
}

// NanoCPUs converts the fractional CPU limit into Docker's NanoCPU unit.
func (c ContainerConfig) NanoCPUs() int64 {
	if c.CPUs <= 0 {
		return 0
	}
	return int64(c.CPUs * 1e9)
}

func ramBytes(v string, fallback int64) int64 {
	if v == "" {
		return fallback
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return fallback
	}
	return n
}
