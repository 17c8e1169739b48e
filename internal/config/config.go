// Package config loads the controller's JSON configuration. All fields are
// optional pointers so a partial file only overrides what it names; the Get*
// accessors supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration for one controller process.
type Config struct {
	// Decision params
	Threshold     *float64 `json:"threshold,omitempty"`
	WindowSize    *int     `json:"window_size,omitempty"`
	PollInterval  *string  `json:"poll_interval,omitempty"` // duration string like "200ms"
	TriggerAction *string  `json:"trigger_action,omitempty"`

	// Movement params
	MoveSpeed    *float64 `json:"move_speed,omitempty"`
	MoveDuration *string  `json:"move_duration,omitempty"` // duration string like "2s"
	MotionMode   *string  `json:"motion_mode,omitempty"`

	// Board params
	SerialPort     *string `json:"serial_port,omitempty"`
	BaudRate       *int    `json:"baud_rate,omitempty"`
	Channels       *int    `json:"channels,omitempty"`
	SamplingRateHz *int    `json:"sampling_rate_hz,omitempty"`
	BufferSamples  *int    `json:"buffer_samples,omitempty"`

	// Robot params
	RobotURL   *string `json:"robot_url,omitempty"`
	AckTimeout *string `json:"ack_timeout,omitempty"`
	ModeSettle *string `json:"mode_settle,omitempty"`

	// Mental-command service params
	CortexURL     *string `json:"cortex_url,omitempty"`
	CortexProfile *string `json:"cortex_profile,omitempty"`
}

// EmptyConfig returns a Config with all fields set to nil, i.e. pure
// defaults.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file. The file must have a .json
// extension and stay under the max file size. Fields omitted from the JSON
// retain their defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that any values actually set are usable.
func (c *Config) Validate() error {
	if c.Threshold != nil {
		if *c.Threshold < 0 || *c.Threshold > 1 {
			return fmt.Errorf("threshold must be between 0 and 1, got %f", *c.Threshold)
		}
	}
	if c.WindowSize != nil && *c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive, got %d", *c.WindowSize)
	}
	if c.MoveSpeed != nil && *c.MoveSpeed == 0 {
		return fmt.Errorf("move_speed must be nonzero")
	}
	if c.Channels != nil && *c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", *c.Channels)
	}
	if c.SamplingRateHz != nil && *c.SamplingRateHz <= 0 {
		return fmt.Errorf("sampling_rate_hz must be positive, got %d", *c.SamplingRateHz)
	}

	for name, v := range map[string]*string{
		"poll_interval": c.PollInterval,
		"move_duration": c.MoveDuration,
		"ack_timeout":   c.AckTimeout,
		"mode_settle":   c.ModeSettle,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	return nil
}

func (c *Config) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // Validate rejects unparsable values before use
	}
	return d
}

// GetThreshold returns the threshold value or the default.
func (c *Config) GetThreshold() float64 {
	if c.Threshold == nil {
		return 0.7
	}
	return *c.Threshold
}

// GetWindowSize returns the window_size value or the default.
func (c *Config) GetWindowSize() int {
	if c.WindowSize == nil {
		return 256 // ~1s at the default sampling rate
	}
	return *c.WindowSize
}

// GetPollInterval returns the poll_interval value or the default.
func (c *Config) GetPollInterval() time.Duration {
	return c.duration(c.PollInterval, 200*time.Millisecond)
}

// GetTriggerAction returns the trigger_action value or the default.
func (c *Config) GetTriggerAction() string {
	if c.TriggerAction == nil {
		return "push"
	}
	return *c.TriggerAction
}

// GetMoveSpeed returns the move_speed value or the default.
func (c *Config) GetMoveSpeed() float64 {
	if c.MoveSpeed == nil {
		return 0.3
	}
	return *c.MoveSpeed
}

// GetMoveDuration returns the move_duration value or the default.
func (c *Config) GetMoveDuration() time.Duration {
	return c.duration(c.MoveDuration, 2*time.Second)
}

// GetMotionMode returns the motion_mode value or the default.
func (c *Config) GetMotionMode() string {
	if c.MotionMode == nil {
		return "normal"
	}
	return *c.MotionMode
}

// GetSerialPort returns the serial_port value or the default.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetBaudRate returns the baud_rate value or the default.
func (c *Config) GetBaudRate() int {
	if c.BaudRate == nil {
		return 115200
	}
	return *c.BaudRate
}

// GetChannels returns the channels value or the default.
func (c *Config) GetChannels() int {
	if c.Channels == nil {
		return 8
	}
	return *c.Channels
}

// GetSamplingRateHz returns the sampling_rate_hz value or the default.
func (c *Config) GetSamplingRateHz() int {
	if c.SamplingRateHz == nil {
		return 250
	}
	return *c.SamplingRateHz
}

// GetBufferSamples returns the buffer_samples value or the default.
func (c *Config) GetBufferSamples() int {
	if c.BufferSamples == nil {
		return 1024
	}
	return *c.BufferSamples
}

// GetRobotURL returns the robot_url value or the default.
func (c *Config) GetRobotURL() string {
	if c.RobotURL == nil {
		return "ws://192.168.8.181:8081"
	}
	return *c.RobotURL
}

// GetAckTimeout returns the ack_timeout value or the default.
func (c *Config) GetAckTimeout() time.Duration {
	return c.duration(c.AckTimeout, 3*time.Second)
}

// GetModeSettle returns the mode_settle value or the default.
func (c *Config) GetModeSettle() time.Duration {
	return c.duration(c.ModeSettle, 2*time.Second)
}

// GetCortexURL returns the cortex_url value or the default.
func (c *Config) GetCortexURL() string {
	if c.CortexURL == nil {
		return "wss://localhost:6868"
	}
	return *c.CortexURL
}

// GetCortexProfile returns the cortex_profile value or the default.
func (c *Config) GetCortexProfile() string {
	if c.CortexProfile == nil {
		return "MindLink"
	}
	return *c.CortexProfile
}

// CortexCredentials reads the service credentials from the environment,
// typically populated from a .env file at startup. They are never stored in
// the JSON config.
func CortexCredentials() (clientID, clientSecret string, err error) {
	clientID = os.Getenv("EMOTIV_CLIENT_ID")
	clientSecret = os.Getenv("EMOTIV_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return "", "", fmt.Errorf("EMOTIV_CLIENT_ID and EMOTIV_CLIENT_SECRET must be set")
	}
	return clientID, clientSecret, nil
}
