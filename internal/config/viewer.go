// Package config loads the viewer configuration from JSON or YAML. Every
// field is optional: Get* methods supply the default for anything omitted,
// so partial files are safe.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/lidarview/internal/feed"
	"github.com/banshee-data/lidarview/internal/fsutil"
	"github.com/banshee-data/lidarview/internal/parse"
	"github.com/banshee-data/lidarview/internal/pointcloud"
	"github.com/banshee-data/lidarview/internal/serialmux"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/units"
)

// maxFileSize caps config files.
const maxFileSize = 1 << 20

// Defaults for the listeners and database.
const (
	DefaultHTTPListen = ":8080"
	DefaultGRPCListen = ":50051"
	DefaultDBPath     = "lidarview.db"
)

// TransformSection configures the coordinate transform and merge keys.
type TransformSection struct {
	Convention    *string  `json:"convention,omitempty" yaml:"convention,omitempty"`
	FloorAngle    *float64 `json:"floor_angle,omitempty" yaml:"floor_angle,omitempty"`
	AzimuthOffset *float64 `json:"azimuth_offset,omitempty" yaml:"azimuth_offset,omitempty"`
	Scale         *float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	// InputUnit and OutputUnit derive Scale from a unit pair, e.g. mm to m.
	// They cannot be combined with an explicit scale.
	InputUnit     *string  `json:"input_unit,omitempty" yaml:"input_unit,omitempty"`
	OutputUnit    *string  `json:"output_unit,omitempty" yaml:"output_unit,omitempty"`
	KeyResolution *float64 `json:"key_resolution,omitempty" yaml:"key_resolution,omitempty"`
}

// StoreSection configures the point store.
type StoreSection struct {
	Policy    *string `json:"policy,omitempty" yaml:"policy,omitempty"`
	MaxPoints *int    `json:"max_points,omitempty" yaml:"max_points,omitempty"`
}

// RenderSection holds the initial display settings.
type RenderSection struct {
	ColorMode *string  `json:"color_mode,omitempty" yaml:"color_mode,omitempty"`
	PointSize *float64 `json:"point_size,omitempty" yaml:"point_size,omitempty"`
	Opacity   *float64 `json:"opacity,omitempty" yaml:"opacity,omitempty"`
}

// SessionSection configures the default session.
type SessionSection struct {
	Name             *string         `json:"name,omitempty" yaml:"name,omitempty"`
	DisconnectPolicy *string         `json:"disconnect_policy,omitempty" yaml:"disconnect_policy,omitempty"`
	Format           *string         `json:"format,omitempty" yaml:"format,omitempty"`
	Fields           *parse.FieldMap `json:"fields,omitempty" yaml:"fields,omitempty"`
	MinStrength      *int            `json:"min_strength,omitempty" yaml:"min_strength,omitempty"`
}

// SerialSection names the process-wide serial device.
type SerialSection struct {
	Device  *string               `json:"device,omitempty" yaml:"device,omitempty"`
	Options serialmux.PortOptions `json:"options" yaml:"options"`
}

// FeedSection is the default feed plus where replays may be read from.
type FeedSection struct {
	feed.Spec `yaml:",inline"`
	// AutoConnect opens the default session on this feed at startup.
	AutoConnect *bool          `json:"auto_connect,omitempty" yaml:"auto_connect,omitempty"`
	CaptureDir  *string        `json:"capture_dir,omitempty" yaml:"capture_dir,omitempty"`
	Serial      *SerialSection `json:"serial,omitempty" yaml:"serial,omitempty"`
}

// ListenSection is an address for one listener. An explicit empty string
// disables it.
type ListenSection struct {
	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// DatabaseSection locates the sqlite file. An explicit empty path disables
// persistence.
type DatabaseSection struct {
	Path *string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ViewerConfig is the root of the config file.
type ViewerConfig struct {
	Transform *TransformSection `json:"transform,omitempty" yaml:"transform,omitempty"`
	Store     *StoreSection     `json:"store,omitempty" yaml:"store,omitempty"`
	Render    *RenderSection    `json:"render,omitempty" yaml:"render,omitempty"`
	Session   *SessionSection   `json:"session,omitempty" yaml:"session,omitempty"`
	Feed      *FeedSection      `json:"feed,omitempty" yaml:"feed,omitempty"`
	HTTP      *ListenSection    `json:"http,omitempty" yaml:"http,omitempty"`
	GRPC      *ListenSection    `json:"grpc,omitempty" yaml:"grpc,omitempty"`
	Database  *DatabaseSection  `json:"database,omitempty" yaml:"database,omitempty"`
	// ShutdownTimeout is a duration string such as "5s".
	ShutdownTimeout *string `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
}

// EmptyViewerConfig returns a config with every field unset.
func EmptyViewerConfig() *ViewerConfig {
	return &ViewerConfig{}
}

// LoadViewerConfig reads a .json, .yaml or .yml file from fsys.
func LoadViewerConfig(fsys fsutil.FileSystem, path string) (*ViewerConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	info, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyViewerConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", cleanPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every section by building what it describes.
func (c *ViewerConfig) Validate() error {
	if _, err := c.SessionConfig(); err != nil {
		return err
	}
	if c.Feed != nil && c.Feed.Kind != "" {
		if err := c.Feed.Spec.Validate(); err != nil {
			return fmt.Errorf("feed: %w", err)
		}
	}
	if c.Feed != nil && c.Feed.Serial != nil {
		if _, err := c.Feed.Serial.Options.Normalize(); err != nil {
			return fmt.Errorf("feed.serial: %w", err)
		}
	}
	if c.ShutdownTimeout != nil {
		if d, err := time.ParseDuration(*c.ShutdownTimeout); err != nil || d <= 0 {
			return fmt.Errorf("invalid shutdown_timeout %q", *c.ShutdownTimeout)
		}
	}
	return nil
}

// SessionConfig assembles the session.Config described by the transform,
// store, render and session sections.
func (c *ViewerConfig) SessionConfig() (session.Config, error) {
	cfg := session.DefaultConfig()

	if t := c.Transform; t != nil {
		if t.Convention != nil {
			cfg.Transform.Convention = pointcloud.Convention(*t.Convention)
		}
		if cfg.Transform.Convention == pointcloud.ConventionFloorRelative {
			cfg.Transform.FloorAngle = pointcloud.DefaultFloorAngle
		}
		if t.FloorAngle != nil {
			cfg.Transform.FloorAngle = *t.FloorAngle
		}
		if t.AzimuthOffset != nil {
			cfg.Transform.AzimuthOffset = *t.AzimuthOffset
		}
		if t.Scale != nil {
			cfg.Transform.Scale = *t.Scale
		}
		if t.InputUnit != nil || t.OutputUnit != nil {
			if t.Scale != nil {
				return session.Config{}, fmt.Errorf("transform: scale and input_unit/output_unit are mutually exclusive")
			}
			from, to := units.M, units.M
			if t.InputUnit != nil {
				from = *t.InputUnit
			}
			if t.OutputUnit != nil {
				to = *t.OutputUnit
			}
			scale, err := units.ScaleFactor(from, to)
			if err != nil {
				return session.Config{}, fmt.Errorf("transform: %w", err)
			}
			cfg.Transform.Scale = scale
		}
		if t.KeyResolution != nil {
			cfg.Keys.Resolution = *t.KeyResolution
		}
	}
	if s := c.Store; s != nil {
		if s.Policy != nil {
			cfg.Policy = pointcloud.Policy(*s.Policy)
		}
		if s.MaxPoints != nil {
			cfg.MaxPoints = *s.MaxPoints
		}
	}
	if r := c.Render; r != nil {
		if r.ColorMode != nil {
			cfg.ColorMode = pointcloud.ColorMode(*r.ColorMode)
		}
		if r.PointSize != nil {
			cfg.Render.PointSize = *r.PointSize
		}
		if r.Opacity != nil {
			cfg.Render.Opacity = *r.Opacity
		}
	}
	if s := c.Session; s != nil {
		if s.Name != nil {
			cfg.Name = *s.Name
		}
		if s.DisconnectPolicy != nil {
			cfg.DisconnectPolicy = session.DisconnectPolicy(*s.DisconnectPolicy)
		}
		if s.Format != nil {
			cfg.Format = parse.Format(*s.Format)
		}
		if s.Fields != nil {
			cfg.Decode.Fields = *s.Fields
		}
		if s.MinStrength != nil {
			cfg.Decode.MinStrength = *s.MinStrength
		}
	}

	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	if _, err := parse.NewDecoder(cfg.Format, cfg.Decode); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

// GetFeed returns the default feed spec, or false when none is configured.
func (c *ViewerConfig) GetFeed() (feed.Spec, bool) {
	if c.Feed == nil || c.Feed.Kind == "" {
		return feed.Spec{}, false
	}
	return c.Feed.Spec, true
}

// GetAutoConnect reports whether the default feed starts with the process.
func (c *ViewerConfig) GetAutoConnect() bool {
	if c.Feed == nil || c.Feed.AutoConnect == nil {
		return c.Feed != nil && c.Feed.Kind != ""
	}
	return *c.Feed.AutoConnect
}

// GetCaptureDir returns where pcap replays may be read from.
func (c *ViewerConfig) GetCaptureDir() string {
	if c.Feed == nil || c.Feed.CaptureDir == nil {
		return "."
	}
	return *c.Feed.CaptureDir
}

// GetSerialDevice returns the serial device path, empty when none.
func (c *ViewerConfig) GetSerialDevice() string {
	if c.Feed == nil || c.Feed.Serial == nil || c.Feed.Serial.Device == nil {
		return ""
	}
	return *c.Feed.Serial.Device
}

// GetSerialOptions returns the normalized port options.
func (c *ViewerConfig) GetSerialOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Feed != nil && c.Feed.Serial != nil {
		opts = c.Feed.Serial.Options
	}
	normalized, err := opts.Normalize()
	if err != nil {
		return serialmux.PortOptions{BaudRate: serialmux.DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}
	}
	return normalized
}

// GetHTTPListen returns the HTTP listen address.
func (c *ViewerConfig) GetHTTPListen() string {
	if c.HTTP == nil || c.HTTP.Listen == nil {
		return DefaultHTTPListen
	}
	return *c.HTTP.Listen
}

// GetGRPCListen returns the gRPC listen address; empty disables gRPC.
func (c *ViewerConfig) GetGRPCListen() string {
	if c.GRPC == nil || c.GRPC.Listen == nil {
		return DefaultGRPCListen
	}
	return *c.GRPC.Listen
}

// GetDBPath returns the sqlite path; empty disables persistence.
func (c *ViewerConfig) GetDBPath() string {
	if c.Database == nil || c.Database.Path == nil {
		return DefaultDBPath
	}
	return *c.Database.Path
}

// GetShutdownTimeout returns how long shutdown waits for in-flight work.
func (c *ViewerConfig) GetShutdownTimeout() time.Duration {
	if c.ShutdownTimeout == nil {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(*c.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
