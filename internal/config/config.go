package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"vigil/internal/correlation"
	"vigil/internal/detection"
	"vigil/internal/pipeline"
)

// ConfigError marks invalid configuration. The runner exits with code 2
// when startup fails with one.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config is the full deployment configuration, loaded from JSON.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Detector    DetectorConfig    `json:"detector"`
	Workers     WorkerConfig      `json:"workers"`
	Correlation CorrelationConfig `json:"correlation"`
	Publisher   PublisherConfig   `json:"publisher"`
	Storage     StorageConfig     `json:"storage"`

	// Cameras and Relationships are provisioned at startup; the control API
	// can add more at runtime.
	Cameras       []pipeline.CameraConfig `json:"cameras"`
	Relationships []RelationshipConfig    `json:"relationships"`
}

type ServerConfig struct {
	Addr       string `json:"addr"`
	AuthSecret string `json:"auth_secret"`
	AuthExpiry string `json:"auth_expiry"`
}

type DetectorConfig struct {
	// Backend selects "http" or "stub".
	Backend       string             `json:"backend"`
	Endpoint      string             `json:"endpoint"`
	TimeoutSec    float64            `json:"timeout_seconds"`
	Thresholds    map[string]float64 `json:"confidence_thresholds"`
	MaxDetections int                `json:"max_detections"`
}

type WorkerConfig struct {
	TargetFPS   int `json:"target_fps"`
	BufferDepth int `json:"buffer_depth"`
}

type CorrelationConfig struct {
	MinConfidence   float64             `json:"min_correlation_confidence"`
	HandoffSec      float64             `json:"handoff_timeout_seconds"`
	MaxAgeSec       float64             `json:"max_age_seconds"`
	WindowCap       int                 `json:"window_cap"`
	ClockSkewMs     float64             `json:"clock_skew_ms"`
	Weights         correlation.Weights `json:"factor_weights"`
	DisableFeatures bool                `json:"disable_features"`
}

type PublisherConfig struct {
	QueueSize int     `json:"queue_size"`
	GraceSec  float64 `json:"grace_period_seconds"`
}

type StorageConfig struct {
	Path string `json:"path"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Detector: DetectorConfig{
			Backend:       "http",
			TimeoutSec:    15,
			MaxDetections: detection.DefaultMaxDetections,
		},
		Workers: WorkerConfig{TargetFPS: 10, BufferDepth: 8},
		Correlation: CorrelationConfig{
			MinConfidence: 0.65,
			HandoffSec:    8,
			MaxAgeSec:     300,
			WindowCap:     256,
			ClockSkewMs:   500,
			Weights:       correlation.DefaultWeights(),
		},
		Publisher: PublisherConfig{QueueSize: 1024, GraceSec: 30},
		Storage:   StorageConfig{Path: "vigil.db"},
	}
}

// Load reads the JSON file over the defaults and validates the result.
// An empty path returns validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Field: "file", Reason: err.Error()}
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{Field: "file", Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section, returning a ConfigError on the first
// violation.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return &ConfigError{Field: "server.addr", Reason: "required"}
	}
	switch c.Detector.Backend {
	case "http", "stub":
	default:
		return &ConfigError{Field: "detector.backend", Reason: fmt.Sprintf("unknown backend %q", c.Detector.Backend)}
	}
	if c.Detector.Backend == "http" && c.Detector.Endpoint == "" {
		return &ConfigError{Field: "detector.endpoint", Reason: "required for http backend"}
	}
	if err := c.DetectionPolicy().Validate(); err != nil {
		return &ConfigError{Field: "detector", Reason: err.Error()}
	}
	if c.Workers.TargetFPS < 1 || c.Workers.TargetFPS > 60 {
		return &ConfigError{Field: "workers.target_fps", Reason: fmt.Sprintf("%d outside 1-60", c.Workers.TargetFPS)}
	}
	if c.Workers.BufferDepth < 1 {
		return &ConfigError{Field: "workers.buffer_depth", Reason: "must be positive"}
	}
	if err := c.Correlation.Weights.Validate(); err != nil {
		return &ConfigError{Field: "correlation.factor_weights", Reason: err.Error()}
	}
	if c.Correlation.MinConfidence <= 0 || c.Correlation.MinConfidence > 1 {
		return &ConfigError{Field: "correlation.min_correlation_confidence", Reason: "outside (0,1]"}
	}
	if c.Correlation.HandoffSec <= 0 {
		return &ConfigError{Field: "correlation.handoff_timeout_seconds", Reason: "must be positive"}
	}
	if c.Correlation.MaxAgeSec < c.Correlation.HandoffSec {
		return &ConfigError{Field: "correlation.max_age_seconds", Reason: "must be at least the handoff timeout"}
	}
	if c.Correlation.WindowCap < 1 {
		return &ConfigError{Field: "correlation.window_cap", Reason: "must be positive"}
	}
	if c.Publisher.QueueSize < 1 {
		return &ConfigError{Field: "publisher.queue_size", Reason: "must be positive"}
	}
	for i := range c.Cameras {
		cam := c.Cameras[i]
		cam.ApplyDefaults(c.Workers.TargetFPS, c.Workers.BufferDepth)
		if err := cam.Validate(); err != nil {
			return &ConfigError{Field: fmt.Sprintf("cameras[%d]", i), Reason: err.Error()}
		}
	}
	for i, rel := range c.Relationships {
		if err := rel.ToRelationship().Validate(); err != nil {
			return &ConfigError{Field: fmt.Sprintf("relationships[%d]", i), Reason: err.Error()}
		}
	}
	return nil
}

// DetectionPolicy converts the detector section into a policy.
func (c *Config) DetectionPolicy() detection.Policy {
	policy := detection.DefaultPolicy()
	if c.Detector.MaxDetections > 0 {
		policy.MaxDetections = c.Detector.MaxDetections
	}
	for class, v := range c.Detector.Thresholds {
		policy.Thresholds[pipeline.ObjectClass(class)] = v
	}
	return policy
}

// EngineConfig converts the correlation section into engine tunables.
func (c *Config) EngineConfig() correlation.Config {
	return correlation.Config{
		MinConfidence:   c.Correlation.MinConfidence,
		HandoffTimeout:  secondsToDuration(c.Correlation.HandoffSec),
		MaxAge:          secondsToDuration(c.Correlation.MaxAgeSec),
		WindowCap:       c.Correlation.WindowCap,
		ClockSkew:       time.Duration(c.Correlation.ClockSkewMs * float64(time.Millisecond)),
		Weights:         c.Correlation.Weights,
		DisableFeatures: c.Correlation.DisableFeatures,
	}
}

// AuthExpiry parses the configured token lifetime, defaulting to 24h.
func (c *Config) AuthExpiry() time.Duration {
	if c.Server.AuthExpiry == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(c.Server.AuthExpiry)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// GracePeriod returns the publisher grace period.
func (c *Config) GracePeriod() time.Duration {
	return secondsToDuration(c.Publisher.GraceSec)
}

// DetectorTimeout returns the inference client timeout.
func (c *Config) DetectorTimeout() time.Duration {
	return secondsToDuration(c.Detector.TimeoutSec)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// RelationshipConfig is a provisioned monitor relationship.
type RelationshipConfig struct {
	MonitorA   string  `json:"monitor_a"`
	MonitorB   string  `json:"monitor_b"`
	Kind       string  `json:"kind"`
	Multiplier float64 `json:"confidence_multiplier"`
}

// ToRelationship converts to the engine's relationship type.
func (r RelationshipConfig) ToRelationship() correlation.Relationship {
	return correlation.Relationship{
		MonitorA:   r.MonitorA,
		MonitorB:   r.MonitorB,
		Kind:       correlation.RelationshipKind(r.Kind),
		Multiplier: r.Multiplier,
	}
}
