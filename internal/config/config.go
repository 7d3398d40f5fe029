package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface consumed by the container.
type Config struct {
	// Device endpoint.
	RobotAddr     string   `yaml:"robotAddr"`     // host or host:port of the signaling endpoint
	SignalingPort int      `yaml:"signalingPort"` // used when RobotAddr carries no port
	CameraSource  string   `yaml:"cameraSource"`  // identifier attached to published frames
	ICEServers    []string `yaml:"iceServers"`

	// Session timing.
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	CommandDeadline time.Duration `yaml:"commandDeadline"`

	// Reconnect policy.
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	BackoffInitial       time.Duration `yaml:"backoffInitial"`
	BackoffFactor        float64       `yaml:"backoffFactor"`
	BackoffMax           time.Duration `yaml:"backoffMax"`

	// Backpressure bounds.
	CommandQueueDepth int `yaml:"commandQueueDepth"`
	VideoBufferDepth  int `yaml:"videoBufferDepth"`

	// Detection logging boundary.
	DetectionCooldown time.Duration `yaml:"detectionCooldown"`
	DetectionLogDir   string        `yaml:"detectionLogDir"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		RobotAddr:            "192.168.50.75",
		SignalingPort:        8081,
		CameraSource:         "front",
		ConnectTimeout:       15 * time.Second,
		CommandDeadline:      3 * time.Second,
		MaxReconnectAttempts: 10,
		BackoffInitial:       time.Second,
		BackoffFactor:        2.0,
		BackoffMax:           30 * time.Second,
		CommandQueueDepth:    32,
		VideoBufferDepth:     2,
		DetectionCooldown:    5 * time.Second,
		DetectionLogDir:      "detection_logs",
	}
}

// Load merges Default() with an optional config.yaml and QCC_* environment
// overrides, then validates the result.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit config file path. A missing file is
// not an error; a malformed one is.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies QCC_* environment variables. Unparseable
// values are ignored in favor of the current setting, matching file merge
// behavior.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("QCC_ROBOT_ADDR"); val != "" {
		cfg.RobotAddr = val
	}
	if val := os.Getenv("QCC_SIGNALING_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.SignalingPort = port
		}
	}
	if val := os.Getenv("QCC_CAMERA_SOURCE"); val != "" {
		cfg.CameraSource = val
	}
	if val := os.Getenv("QCC_CONNECT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.ConnectTimeout = d
		}
	}
	if val := os.Getenv("QCC_COMMAND_DEADLINE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.CommandDeadline = d
		}
	}
	if val := os.Getenv("QCC_MAX_RECONNECT_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.MaxReconnectAttempts = n
		}
	}
	if val := os.Getenv("QCC_BACKOFF_INITIAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.BackoffInitial = d
		}
	}
	if val := os.Getenv("QCC_BACKOFF_FACTOR"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.BackoffFactor = f
		}
	}
	if val := os.Getenv("QCC_BACKOFF_MAX"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.BackoffMax = d
		}
	}
	if val := os.Getenv("QCC_COMMAND_QUEUE_DEPTH"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.CommandQueueDepth = n
		}
	}
	if val := os.Getenv("QCC_VIDEO_BUFFER_DEPTH"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.VideoBufferDepth = n
		}
	}
	if val := os.Getenv("QCC_DETECTION_COOLDOWN"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.DetectionCooldown = d
		}
	}
	if val := os.Getenv("QCC_DETECTION_LOG_DIR"); val != "" {
		cfg.DetectionLogDir = val
	}
}

// Validate enforces the bounds the supervisor and dispatcher rely on.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if cfg.RobotAddr == "" {
		return fmt.Errorf("robotAddr must not be empty")
	}
	if cfg.SignalingPort < 1 || cfg.SignalingPort > 65535 {
		return fmt.Errorf("signalingPort %d outside valid range [1, 65535]", cfg.SignalingPort)
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("connectTimeout must be positive, got %v", cfg.ConnectTimeout)
	}
	if cfg.CommandDeadline <= 0 {
		return fmt.Errorf("commandDeadline must be positive, got %v", cfg.CommandDeadline)
	}
	if cfg.MaxReconnectAttempts < 1 {
		return fmt.Errorf("maxReconnectAttempts must be at least 1, got %d", cfg.MaxReconnectAttempts)
	}
	if cfg.BackoffInitial <= 0 {
		return fmt.Errorf("backoffInitial must be positive, got %v", cfg.BackoffInitial)
	}
	if cfg.BackoffFactor < 1.0 {
		return fmt.Errorf("backoffFactor must be at least 1.0, got %v", cfg.BackoffFactor)
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		return fmt.Errorf("backoffMax %v must not be below backoffInitial %v", cfg.BackoffMax, cfg.BackoffInitial)
	}
	if cfg.CommandQueueDepth < 1 {
		return fmt.Errorf("commandQueueDepth must be at least 1, got %d", cfg.CommandQueueDepth)
	}
	if cfg.VideoBufferDepth < 1 || cfg.VideoBufferDepth > 8 {
		return fmt.Errorf("videoBufferDepth %d outside valid range [1, 8]", cfg.VideoBufferDepth)
	}
	if cfg.DetectionCooldown < 0 {
		return fmt.Errorf("detectionCooldown must not be negative, got %v", cfg.DetectionCooldown)
	}
	return nil
}
