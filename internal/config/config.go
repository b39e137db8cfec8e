package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/craftvisor/internal/cronjob"
	"github.com/loykin/craftvisor/internal/logger"
	"github.com/loykin/craftvisor/internal/process"
	"github.com/loykin/craftvisor/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. CRAFTVISOR_SERVER_LISTEN.
const EnvPrefix = "CRAFTVISOR"

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Server     ServerConfig      `mapstructure:"server"`
	Log        logger.Config     `mapstructure:"log"`
	ConsoleLog logger.FileConfig `mapstructure:"console_log"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	History    []string          `mapstructure:"history"` // sink DSNs
	Env        []string          `mapstructure:"env"`
	EnvFiles   []string          `mapstructure:"env_files"`
	Servers    []MCServer        `mapstructure:"servers"`
	// TimeZone is the IANA zone task schedules are evaluated in; empty
	// means the host's local time.
	TimeZone string `mapstructure:"time_zone"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	TLS      tls.Config `mapstructure:"tls"`
	// ShutdownGrace bounds how long the daemon waits for servers to honour
	// their stop command on exit before killing them.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	PIDFile       string        `mapstructure:"pidfile"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"` // 0 disables the resource sampler
}

// MCServer is one supervised Minecraft server.
type MCServer struct {
	Name        string             `mapstructure:"name"`
	Dir         string             `mapstructure:"dir"`
	StopCommand string             `mapstructure:"stop_command"`
	StopTimeout time.Duration      `mapstructure:"stop_timeout"`
	AutoStart   bool               `mapstructure:"auto_start"`
	Env         []string           `mapstructure:"env"`
	ConsoleLog  *logger.FileConfig `mapstructure:"console_log"`
	Tasks       []cronjob.Task     `mapstructure:"tasks"`
}

// Load reads a TOML config file, applies defaults and CRAFTVISOR_*
// environment overrides, and validates the server list. Relative server
// directories are resolved against the config file's directory.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	base := filepath.Dir(path)
	if err := fc.validate(base); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Default returns the configuration used when no file is given.
func Default() *FileConfig {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	var fc FileConfig
	_ = v.Unmarshal(&fc)
	return &fc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.shutdown_grace", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.sample_interval", "5s")
}

func (fc *FileConfig) validate(base string) error {
	seen := make(map[string]bool, len(fc.Servers))
	for i := range fc.Servers {
		s := &fc.Servers[i]
		if !process.ValidName(s.Name) {
			return fmt.Errorf("servers[%d]: invalid name %q: allowed [A-Za-z0-9._-] and no '..'", i, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.Dir == "" {
			return fmt.Errorf("server %s: dir is required", s.Name)
		}
		if !filepath.IsAbs(s.Dir) {
			s.Dir = filepath.Join(base, s.Dir)
		}
		s.Dir = filepath.Clean(s.Dir)
		if s.StopTimeout < 0 {
			return fmt.Errorf("server %s: stop_timeout must not be negative", s.Name)
		}
		for j := range s.Tasks {
			s.Tasks[j].Server = s.Name
			if err := s.Tasks[j].Validate(); err != nil {
				return fmt.Errorf("server %s: %w", s.Name, err)
			}
		}
	}
	if _, err := fc.Location(); err != nil {
		return err
	}
	for _, p := range []*string{&fc.Server.TLS.Dir, &fc.Server.TLS.CertFile, &fc.Server.TLS.KeyFile, &fc.Server.PIDFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	if fc.Server.ShutdownGrace < 0 {
		return fmt.Errorf("server.shutdown_grace must not be negative")
	}
	if fc.Metrics.SampleInterval < 0 {
		return fmt.Errorf("metrics.sample_interval must not be negative")
	}
	return nil
}

// Location resolves TimeZone.
func (fc *FileConfig) Location() (*time.Location, error) {
	if fc.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(fc.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time_zone: %w", err)
	}
	return loc, nil
}

// ProcessConfig builds the supervisor config for s. Console logging starts
// from the top-level console_log section and is overridden per server.
func (fc *FileConfig) ProcessConfig(s MCServer) process.Config {
	console := fc.ConsoleLog
	if o := s.ConsoleLog; o != nil {
		if o.Dir != "" {
			console.Dir = o.Dir
		}
		if o.StdoutPath != "" {
			console.StdoutPath = o.StdoutPath
		}
		if o.StderrPath != "" {
			console.StderrPath = o.StderrPath
		}
		if o.MaxSizeMB != 0 {
			console.MaxSizeMB = o.MaxSizeMB
		}
		if o.MaxBackups != 0 {
			console.MaxBackups = o.MaxBackups
		}
		if o.MaxAgeDays != 0 {
			console.MaxAgeDays = o.MaxAgeDays
		}
		if o.Compress {
			console.Compress = true
		}
	}
	return process.Config{
		StopCommand: s.StopCommand,
		StopTimeout: s.StopTimeout,
		Env:         append([]string(nil), s.Env...),
		Console:     console,
	}
}

// GlobalEnv merges env_files contents in order, then the top-level env
// list, into "KEY=VALUE" entries. Later entries win.
func (fc *FileConfig) GlobalEnv() ([]string, error) {
	var out []string
	for _, p := range fc.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pairs...)
	}
	return append(out, fc.Env...), nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Blank lines and lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
