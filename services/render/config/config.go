// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the startup configuration of the render service.
//
// The configuration is read once when the process starts. Nothing in the
// service watches the file or re-reads it; changing the render mode
// policy needs a restart.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRender/pkg/logging"
	"github.com/AleutianAI/AleutianRender/services/render/mainloop"
	"github.com/AleutianAI/AleutianRender/services/render/telemetry"
	"github.com/AleutianAI/AleutianRender/services/render/transaction"
	"github.com/AleutianAI/AleutianRender/services/render/unmarshal"
	"github.com/AleutianAI/AleutianRender/services/render/vsync"
)

// Environment variables.
const (
	// EnvConfigPath names the config file.
	EnvConfigPath = "RENDER_CONFIG"

	// EnvLogLevel overrides logging.level.
	EnvLogLevel = "RENDER_LOG_LEVEL"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the whole startup configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" validate:"required"`
	Render    RenderConfig     `yaml:"render" validate:"required"`
	Screen    ScreenConfig     `yaml:"screen" validate:"required"`
	Session   SessionConfig    `yaml:"session"`
	Storage   StorageConfig    `yaml:"storage"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP and websocket listener.
type ServerConfig struct {
	// Addr is the listen address. Port 0 picks a free port.
	Addr string `yaml:"addr" validate:"required,listen_addr"`

	// PushQueue is the per-client outgoing message buffer.
	PushQueue int `yaml:"push_queue" validate:"gte=1"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// RenderConfig configures the frame scheduler.
type RenderConfig struct {
	// Mode is "disabled" (legacy path only), "enabled" (always unified)
	// or "dynamic" (unified, switchable at runtime).
	Mode string `yaml:"mode" validate:"oneof=disabled enabled dynamic"`

	// VSyncPeriod is the software VSync interval.
	VSyncPeriod time.Duration `yaml:"vsync_period" validate:"gt=0"`

	// RefreshPeriod is the unit of the missing-index wait.
	RefreshPeriod time.Duration `yaml:"refresh_period" validate:"gt=0"`

	// SkipAfterPeriods is how many refresh periods a missing index is
	// waited for before it is skipped.
	SkipAfterPeriods int `yaml:"skip_after_periods" validate:"gte=1"`

	// MaxPendingPerSender forces a skip when a sender buffers more.
	MaxPendingPerSender int `yaml:"max_pending_per_sender" validate:"gte=1"`

	// CompositionTimeout is the frame time that counts as a timeout event.
	CompositionTimeout time.Duration `yaml:"composition_timeout" validate:"gt=0"`

	// EventReportInterval throttles timeout event reports.
	EventReportInterval time.Duration `yaml:"event_report_interval" validate:"gt=0"`

	// UnmarshalThreshold is the payload size decoded off the scheduler.
	UnmarshalThreshold int `yaml:"unmarshal_threshold" validate:"gte=0"`

	// SyncTimeout bounds synchronous client requests.
	SyncTimeout time.Duration `yaml:"sync_timeout" validate:"gt=0"`
}

// ScreenConfig describes the built-in physical screen.
type ScreenConfig struct {
	Name        string `yaml:"name" validate:"required"`
	Width       int32  `yaml:"width" validate:"gt=0"`
	Height      int32  `yaml:"height" validate:"gt=0"`
	RefreshRate uint32 `yaml:"refresh_rate" validate:"gt=0"`
}

// SessionConfig configures client death detection.
type SessionConfig struct {
	// WatchProcesses probes local client pids for liveness.
	WatchProcesses bool `yaml:"watch_processes"`

	// WatchInterval between probes.
	WatchInterval time.Duration `yaml:"watch_interval" validate:"gt=0"`
}

// StorageConfig configures the event journal.
type StorageConfig struct {
	// Path of the badger directory. Empty keeps the journal in memory.
	Path string `yaml:"path"`

	// SyncWrites fsyncs every journal write.
	SyncWrites bool `yaml:"sync_writes"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	tel := telemetry.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8089",
			PushQueue:       256,
			ShutdownTimeout: 10 * time.Second,
		},
		Render: RenderConfig{
			Mode:                mainloop.RenderModeEnabled.String(),
			VSyncPeriod:         vsync.DefaultPeriod,
			RefreshPeriod:       transaction.DefaultRefreshPeriod,
			SkipAfterPeriods:    transaction.DefaultSkipAfterPeriods,
			MaxPendingPerSender: transaction.DefaultMaxPendingPerSender,
			CompositionTimeout:  mainloop.DefaultCompositionTimeout,
			EventReportInterval: mainloop.DefaultEventReportInterval,
			UnmarshalThreshold:  unmarshal.DefaultThreshold,
			SyncTimeout:         3 * time.Second,
		},
		Screen: ScreenConfig{
			Name:        "built-in",
			Width:       1920,
			Height:      1080,
			RefreshRate: 60,
		},
		Session: SessionConfig{
			WatchProcesses: true,
			WatchInterval:  2 * time.Second,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: tel,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig. Booleans are left
// as they are.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	setString(&c.Server.Addr, d.Server.Addr)
	setInt(&c.Server.PushQueue, d.Server.PushQueue)
	setDuration(&c.Server.ShutdownTimeout, d.Server.ShutdownTimeout)

	setString(&c.Render.Mode, d.Render.Mode)
	setDuration(&c.Render.VSyncPeriod, d.Render.VSyncPeriod)
	setDuration(&c.Render.RefreshPeriod, d.Render.RefreshPeriod)
	setInt(&c.Render.SkipAfterPeriods, d.Render.SkipAfterPeriods)
	setInt(&c.Render.MaxPendingPerSender, d.Render.MaxPendingPerSender)
	setDuration(&c.Render.CompositionTimeout, d.Render.CompositionTimeout)
	setDuration(&c.Render.EventReportInterval, d.Render.EventReportInterval)
	setInt(&c.Render.UnmarshalThreshold, d.Render.UnmarshalThreshold)
	setDuration(&c.Render.SyncTimeout, d.Render.SyncTimeout)

	setString(&c.Screen.Name, d.Screen.Name)
	if c.Screen.Width == 0 {
		c.Screen.Width = d.Screen.Width
	}
	if c.Screen.Height == 0 {
		c.Screen.Height = d.Screen.Height
	}
	if c.Screen.RefreshRate == 0 {
		c.Screen.RefreshRate = d.Screen.RefreshRate
	}

	setDuration(&c.Session.WatchInterval, d.Session.WatchInterval)
	setString(&c.Logging.Level, d.Logging.Level)

	setString(&c.Telemetry.ServiceName, d.Telemetry.ServiceName)
	setString(&c.Telemetry.ServiceVersion, d.Telemetry.ServiceVersion)
	setString(&c.Telemetry.Environment, d.Telemetry.Environment)
	setString(&c.Telemetry.TraceExporter, d.Telemetry.TraceExporter)
	setString(&c.Telemetry.MetricExporter, d.Telemetry.MetricExporter)
	setString(&c.Telemetry.OTLPEndpoint, d.Telemetry.OTLPEndpoint)
}

func setString(v *string, d string) {
	if *v == "" {
		*v = d
	}
}

func setInt(v *int, d int) {
	if *v == 0 {
		*v = d
	}
}

func setDuration(v *time.Duration, d time.Duration) {
	if *v == 0 {
		*v = d
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// hostname_port refuses port 0, which tests and ephemeral listeners use.
	if err := v.RegisterValidation("listen_addr", validateListenAddr); err != nil {
		panic(err)
	}
	return v
}

// validateListenAddr accepts host:port with an optional host and a port
// in [0, 65535].
func validateListenAddr(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || port == "" {
		return false
	}
	_, err = strconv.ParseUint(port, 10, 16)
	return err == nil
}

// Validate checks every field.
//
// # Outputs
//
//   - error: Wraps ErrInvalidConfig and names the failing fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Render.RefreshPeriod > c.Render.CompositionTimeout {
		return fmt.Errorf("%w: render.refresh_period %s exceeds render.composition_timeout %s",
			ErrInvalidConfig, c.Render.RefreshPeriod, c.Render.CompositionTimeout)
	}
	return nil
}

// RenderMode returns the parsed render.mode.
func (c Config) RenderMode() (mainloop.RenderMode, error) {
	return mainloop.ParseRenderMode(c.Render.Mode)
}

// LogLevel returns the parsed logging.level.
func (c Config) LogLevel() (logging.Level, error) {
	return logging.ParseLevel(c.Logging.Level)
}

// LoadEnv loads .env from the working directory when present and
// returns the config path named by RENDER_CONFIG. Variables already set
// in the environment win over .env.
func LoadEnv() string {
	_ = godotenv.Load()
	return os.Getenv(EnvConfigPath)
}

// Load reads the configuration once.
//
// # Description
//
// Starts from DefaultConfig, overlays the YAML file at path (unknown
// keys are rejected), applies RENDER_LOG_LEVEL, fills remaining zero
// fields and validates. An empty path or a missing file yields the
// defaults.
//
// # Outputs
//
//   - Config: The effective configuration.
//   - error: Read, parse or validation failure.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
