// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hddl-foundation/hddl/lib/binhash"
)

// EnvVar names the environment variable Load reads the config path from.
const EnvVar = "HDDL_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for deployed appliances.
	Production Environment = "production"
)

// Config is the master configuration for hddl-server.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	// Listen is the control channel address (host:port).
	Listen string `yaml:"listen"`

	TLS      TLSConfig      `yaml:"tls"`
	IPC      IPCConfig      `yaml:"ipc"`
	Worker   WorkerConfig   `yaml:"worker"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Control  ControlConfig  `yaml:"control"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
// Empty values leave the base value in place.
type ConfigOverrides struct {
	Listen   string          `yaml:"listen,omitempty"`
	TLS      *TLSConfig      `yaml:"tls,omitempty"`
	IPC      *IPCConfig      `yaml:"ipc,omitempty"`
	Worker   *WorkerConfig   `yaml:"worker,omitempty"`
	Storage  *StorageConfig  `yaml:"storage,omitempty"`
	Pipeline *PipelineConfig `yaml:"pipeline,omitempty"`
	Metrics  *MetricsConfig  `yaml:"metrics,omitempty"`
	LogLevel string          `yaml:"log_level,omitempty"`
}

// TLSConfig holds the server certificate and the CA that signs client
// certificates. Clients without a certificate signed by CAFile are
// refused.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// IPCConfig configures the worker socket.
type IPCConfig struct {
	// SocketPath is the Unix socket workers connect to. Its parent
	// directory is created with mode 0700.
	SocketPath string `yaml:"socket_path"`
}

// WorkerConfig configures the pipeline worker executable. Workers are
// started as: Binary Args... -u <socket_path> -i <pipe_id>.
type WorkerConfig struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
}

// StorageConfig configures model storage.
type StorageConfig struct {
	// Root is the directory uploaded paths are resolved against.
	Root string `yaml:"root"`

	// ModelRoots are the directories under Root holding model folders
	// and a model_info.json ledger. Their ledgers are sent to each new
	// admin connection.
	ModelRoots []string `yaml:"model_roots"`

	// Digest is the default transfer digest algorithm for the CLI.
	// The server accepts every supported algorithm.
	Digest string `yaml:"digest"`
}

// PipelineConfig configures pipeline teardown.
type PipelineConfig struct {
	// DestroyGrace is how long a destroyed worker may take to exit
	// before it is killed. "0s" disables the kill.
	DestroyGrace string `yaml:"destroy_grace"`

	// DestroyOnDisconnect destroys a connection's pipelines when the
	// connection closes. By default they keep running.
	DestroyOnDisconnect bool `yaml:"destroy_on_disconnect"`
}

// ControlConfig bounds control requests.
type ControlConfig struct {
	// MaxPayloadBytes bounds non-model requests sent over the transfer
	// wire and text envelopes.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`

	// MaxPipesPerRequest bounds command_create.pipe_num.
	MaxPipesPerRequest int `yaml:"max_pipes_per_request"`

	// SendTimeout bounds one write to a control client or worker. A
	// client that stops reading loses the messages that time out.
	SendTimeout string `yaml:"send_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the metrics HTTP address. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Default returns the default configuration, the base the config file
// is merged into.
func Default() *Config {
	return &Config{
		Environment: Development,
		Listen:      ":8445",
		TLS: TLSConfig{
			CertFile: "${HDDL_ROOT:-.}/server_cert/server-cert.pem",
			KeyFile:  "${HDDL_ROOT:-.}/server_cert/server-key.pem",
			CAFile:   "${HDDL_ROOT:-.}/server_cert/ca-cert.pem",
		},
		IPC: IPCConfig{
			SocketPath: "${HDDL_ROOT:-.}/ipc_socket/unix.sock",
		},
		Worker: WorkerConfig{
			Binary: "hddl_mediapipe2",
		},
		Storage: StorageConfig{
			Root:       "${HDDL_ROOT:-.}",
			ModelRoots: []string{"models"},
			Digest:     "md5",
		},
		Pipeline: PipelineConfig{
			DestroyGrace: "10s",
		},
		Control: ControlConfig{
			MaxPayloadBytes:    1 << 20,
			MaxPipesPerRequest: 64,
			SendTimeout:        "10s",
		},
		LogLevel: "info",
	}
}

// Load loads configuration from the file named by HDDL_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your hddl.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, applies the override section
// for the configured environment, expands ${VAR} references, and
// validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production defaults: workers of a departed client are torn
		// down and logs are quieter.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Pipeline: &PipelineConfig{DestroyOnDisconnect: true},
				LogLevel: "warn",
			}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.Listen != "" {
		c.Listen = overrides.Listen
	}
	if overrides.LogLevel != "" {
		c.LogLevel = overrides.LogLevel
	}
	if overrides.TLS != nil {
		override(&c.TLS.CertFile, overrides.TLS.CertFile)
		override(&c.TLS.KeyFile, overrides.TLS.KeyFile)
		override(&c.TLS.CAFile, overrides.TLS.CAFile)
	}
	if overrides.IPC != nil {
		override(&c.IPC.SocketPath, overrides.IPC.SocketPath)
	}
	if overrides.Worker != nil {
		override(&c.Worker.Binary, overrides.Worker.Binary)
		if overrides.Worker.Args != nil {
			c.Worker.Args = overrides.Worker.Args
		}
	}
	if overrides.Storage != nil {
		override(&c.Storage.Root, overrides.Storage.Root)
		override(&c.Storage.Digest, overrides.Storage.Digest)
		if overrides.Storage.ModelRoots != nil {
			c.Storage.ModelRoots = overrides.Storage.ModelRoots
		}
	}
	if overrides.Pipeline != nil {
		override(&c.Pipeline.DestroyGrace, overrides.Pipeline.DestroyGrace)
		// A bool cannot be left unset, so an override section always
		// decides it.
		c.Pipeline.DestroyOnDisconnect = overrides.Pipeline.DestroyOnDisconnect
	}
	if overrides.Metrics != nil {
		override(&c.Metrics.Listen, overrides.Metrics.Listen)
	}
}

func override(field *string, value string) {
	if value != "" {
		*field = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Storage.Root = expandVars(c.Storage.Root, vars)
	vars["HDDL_ROOT"] = c.Storage.Root

	c.TLS.CertFile = expandVars(c.TLS.CertFile, vars)
	c.TLS.KeyFile = expandVars(c.TLS.KeyFile, vars)
	c.TLS.CAFile = expandVars(c.TLS.CAFile, vars)
	c.IPC.SocketPath = expandVars(c.IPC.SocketPath, vars)
	c.Worker.Binary = expandVars(c.Worker.Binary, vars)
	for i, arg := range c.Worker.Args {
		c.Worker.Args[i] = expandVars(arg, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns. Provided vars
// take precedence over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" || c.TLS.CAFile == "" {
		errs = append(errs, fmt.Errorf("tls.cert_file, tls.key_file and tls.ca_file are required"))
	}
	if c.IPC.SocketPath == "" {
		errs = append(errs, fmt.Errorf("ipc.socket_path is required"))
	}
	if c.Worker.Binary == "" {
		errs = append(errs, fmt.Errorf("worker.binary is required"))
	}
	if c.Storage.Root == "" {
		errs = append(errs, fmt.Errorf("storage.root is required"))
	}
	for _, root := range c.Storage.ModelRoots {
		if filepath.IsAbs(root) || strings.HasPrefix(filepath.Clean(root), "..") {
			errs = append(errs, fmt.Errorf("storage.model_roots entry %q must be relative to storage.root", root))
		}
	}
	if _, err := binhash.Parse(c.Storage.Digest); err != nil {
		errs = append(errs, fmt.Errorf("storage.digest: %w", err))
	}
	if grace, err := time.ParseDuration(c.Pipeline.DestroyGrace); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.destroy_grace: %w", err))
	} else if grace < 0 {
		errs = append(errs, fmt.Errorf("pipeline.destroy_grace must not be negative"))
	}
	if c.Control.MaxPayloadBytes <= 0 {
		errs = append(errs, fmt.Errorf("control.max_payload_bytes must be positive"))
	}
	if c.Control.MaxPipesPerRequest <= 0 {
		errs = append(errs, fmt.Errorf("control.max_pipes_per_request must be positive"))
	}
	if timeout, err := time.ParseDuration(c.Control.SendTimeout); err != nil {
		errs = append(errs, fmt.Errorf("control.send_timeout: %w", err))
	} else if timeout <= 0 {
		errs = append(errs, fmt.Errorf("control.send_timeout must be positive"))
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Errorf("metrics.listen: %w", err))
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// DestroyGrace returns the parsed pipeline.destroy_grace. Call after
// Validate.
func (c *Config) DestroyGrace() time.Duration {
	grace, _ := time.ParseDuration(c.Pipeline.DestroyGrace)
	return grace
}

// SendTimeout returns the parsed control.send_timeout. Call after
// Validate.
func (c *Config) SendTimeout() time.Duration {
	timeout, _ := time.ParseDuration(c.Control.SendTimeout)
	return timeout
}

// ModelRootPaths returns the model roots resolved against
// storage.root.
func (c *Config) ModelRootPaths() []string {
	paths := make([]string, 0, len(c.Storage.ModelRoots))
	for _, root := range c.Storage.ModelRoots {
		paths = append(paths, filepath.Join(c.Storage.Root, root))
	}
	return paths
}

// WorkerPath resolves worker.binary. A name without a slash is looked
// up in PATH.
func (c *Config) WorkerPath() (string, error) {
	if strings.ContainsRune(c.Worker.Binary, filepath.Separator) {
		if _, err := os.Stat(c.Worker.Binary); err != nil {
			return "", fmt.Errorf("worker binary: %w", err)
		}
		return c.Worker.Binary, nil
	}
	path, err := exec.LookPath(c.Worker.Binary)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH", c.Worker.Binary)
	}
	return path, nil
}

// ParseLevel maps a log level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log_level %q: must be one of debug, info, warn, error", name)
	}
	return level, nil
}
