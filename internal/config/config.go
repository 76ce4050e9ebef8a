package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/debug"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/position"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// ErrInvalidPath is returned by ValidateConfigPath.
var ErrInvalidPath = errors.New("invalid config path")

// BusConfig describes the link to the command station.
type BusConfig struct {
	Type      string `yaml:"type"`       // "serial", "tcp" or "loopback"
	Port      string `yaml:"port"`       // serial device, e.g. /dev/ttyAMA0
	Baud      int    `yaml:"baud"`       // serial baud rate
	Address   string `yaml:"address"`    // host:port for tcp
	TimeoutMs int    `yaml:"timeout_ms"` // dial timeout for tcp
}

// EncoderConfig holds the rotary encoder wiring (BCM pin numbers).
type EncoderConfig struct {
	ClkPin         int     `yaml:"clk_pin"`
	DtPin          int     `yaml:"dt_pin"`
	ButtonPin      int     `yaml:"button_pin"` // 0 = no button
	StepMode       string  `yaml:"step_mode"`  // "full" or "half"
	DegreesPerStep float64 `yaml:"degrees_per_step"`
	Pullups        *bool   `yaml:"pullups"`  // default true
	Polarity       int     `yaml:"polarity"` // 0 = button pulls low when pressed, 1 = high
	DebounceMs     int     `yaml:"debounce_ms"`
	LongPressMs    int     `yaml:"long_press_ms"`
	PollUs         int     `yaml:"poll_us"`
}

// ResolverConfig holds the matching tolerances.
type ResolverConfig struct {
	ToleranceDeg     float64  `yaml:"tolerance_deg"`
	HomeToleranceDeg *float64 `yaml:"home_tolerance_deg"` // default: tolerance_deg
	SettleMs         int      `yaml:"settle_ms"`
}

// DisplayConfig describes the display and its colours.
type DisplayConfig struct {
	Type      string            `yaml:"type"`       // "round" or "text"
	Diameter  int               `yaml:"diameter"`   // pixels
	PitOffset int               `yaml:"pit_offset"` // pixels between the edge and the pit
	BlinkMs   int               `yaml:"blink_ms"`
	Colors    map[string]string `yaml:"colors"` // "#RRGGBB" by name
}

// PositionConfig is one entry of the position table.
type PositionConfig struct {
	Angle       int    `yaml:"angle"`
	ID          int    `yaml:"id"`
	Description string `yaml:"description"`
}

// PositionsConfig is the static position table.
type PositionsConfig struct {
	HomeAngle int              `yaml:"home_angle"`
	Entries   []PositionConfig `yaml:"entries"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	Mode       string `yaml:"mode"`        // "turntable" or "knob"
	Feedback   *bool  `yaml:"feedback"`    // send OPERATING feedback (turntable mode, default true)
	DebugLevel int    `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool   `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	Version    string `yaml:"version"`     // reported in VERSION replies
}

// Config aggregates all application configuration.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Display   DisplayConfig   `yaml:"display"`
	Positions PositionsConfig `yaml:"positions"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files directly inside a directory
// named "configs", with no ".." element.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q contains '..'", ErrInvalidPath, path)
		}
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("%w: %q is not a .yaml file", ErrInvalidPath, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("%w: %q is not inside a configs/ directory", ErrInvalidPath, path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration with defaults applied.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	// Bus
	switch c.Bus.Type {
	case "":
		c.Bus.Type = "loopback"
	case "serial":
		if c.Bus.Port == "" {
			return fmt.Errorf("bus.port is required for a serial bus")
		}
	case "tcp":
		if c.Bus.Address == "" {
			return fmt.Errorf("bus.address is required for a tcp bus")
		}
	case "loopback":
	default:
		return fmt.Errorf("bus.type must be serial, tcp or loopback, got %q", c.Bus.Type)
	}
	if c.Bus.Baud <= 0 {
		c.Bus.Baud = 115200
	}
	if c.Bus.TimeoutMs <= 0 {
		c.Bus.TimeoutMs = 2000
	}

	// Encoder
	if c.Encoder.ClkPin == 0 && c.Encoder.DtPin == 0 {
		c.Encoder.ClkPin, c.Encoder.DtPin = 6, 5
	}
	if c.Encoder.ClkPin == c.Encoder.DtPin {
		return fmt.Errorf("encoder.clk_pin and encoder.dt_pin must differ")
	}
	switch c.Encoder.StepMode {
	case "":
		c.Encoder.StepMode = "half"
	case "full", "half":
	default:
		return fmt.Errorf("encoder.step_mode must be full or half, got %q", c.Encoder.StepMode)
	}
	if c.Encoder.DegreesPerStep < 0 || c.Encoder.DegreesPerStep > 360 {
		return fmt.Errorf("encoder.degrees_per_step must be between 0 and 360, got %.2f", c.Encoder.DegreesPerStep)
	}
	if c.Encoder.DegreesPerStep == 0 {
		c.Encoder.DegreesPerStep = 1
	}
	if c.Encoder.Polarity != 0 && c.Encoder.Polarity != 1 {
		return fmt.Errorf("encoder.polarity must be 0 or 1, got %d", c.Encoder.Polarity)
	}
	if c.Encoder.DebounceMs <= 0 {
		c.Encoder.DebounceMs = 50
	}
	if c.Encoder.LongPressMs <= 0 {
		c.Encoder.LongPressMs = 1000
	}
	if c.Encoder.PollUs <= 0 {
		c.Encoder.PollUs = 500
	}

	// Resolver
	if c.Resolver.ToleranceDeg < 0 || c.Resolver.ToleranceDeg >= 180 {
		return fmt.Errorf("resolver.tolerance_deg must be between 0 and 180, got %.2f", c.Resolver.ToleranceDeg)
	}
	if h := c.Resolver.HomeToleranceDeg; h != nil && (*h < 0 || *h >= 180) {
		return fmt.Errorf("resolver.home_tolerance_deg must be between 0 and 180, got %.2f", *h)
	}
	if c.Resolver.SettleMs <= 0 {
		c.Resolver.SettleMs = 500
	}

	// Display
	switch c.Display.Type {
	case "":
		c.Display.Type = "round"
	case "round", "text":
	default:
		return fmt.Errorf("display.type must be round or text, got %q", c.Display.Type)
	}
	if c.Display.Diameter <= 0 {
		c.Display.Diameter = 240
	}
	if c.Display.PitOffset < 0 || c.Display.PitOffset >= c.Display.Diameter/2 {
		return fmt.Errorf("display.pit_offset must be between 0 and %d, got %d", c.Display.Diameter/2-1, c.Display.PitOffset)
	}
	if c.Display.PitOffset == 0 {
		c.Display.PitOffset = 30
	}
	if c.Display.BlinkMs <= 0 {
		c.Display.BlinkMs = 500
	}

	// Positions
	if len(c.Positions.Entries) == 0 {
		return fmt.Errorf("positions.entries must contain at least one entry")
	}
	if c.Positions.HomeAngle < 0 || c.Positions.HomeAngle >= 360 {
		return fmt.Errorf("positions.home_angle must be between 0 and 359, got %d", c.Positions.HomeAngle)
	}
	for i, e := range c.Positions.Entries {
		if e.ID < 1 || e.ID > 255 {
			return fmt.Errorf("positions.entries[%d].id must be between 1 and 255, got %d", i, e.ID)
		}
		if e.Angle < 0 || e.Angle >= 360 {
			return fmt.Errorf("positions.entries[%d].angle must be between 0 and 359, got %d", i, e.Angle)
		}
	}

	// Defaults
	switch c.Defaults.Mode {
	case "":
		c.Defaults.Mode = "turntable"
	case "turntable", "knob":
	default:
		return fmt.Errorf("defaults.mode must be turntable or knob, got %q", c.Defaults.Mode)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Defaults.Version == "" {
		c.Defaults.Version = "0.0.6"
	}
	return nil
}

// Table builds the position table. Duplicate ids are fatal; duplicate angles
// are reported as a warning.
func (c *Config) Table() (*position.Table, error) {
	entries := make([]position.Entry, 0, len(c.Positions.Entries))
	for _, e := range c.Positions.Entries {
		entries = append(entries, position.Entry{
			Angle:       uint16(e.Angle),
			ID:          uint8(e.ID),
			Description: e.Description,
		})
	}
	tbl, err := position.New(uint16(c.Positions.HomeAngle), entries)
	if err != nil {
		return nil, fmt.Errorf("position table: %w", err)
	}
	for _, a := range tbl.DuplicateAngles() {
		debug.Warn("several positions share angle %d°, the first one wins", a)
	}
	return tbl, nil
}

// Pullups reports whether the internal pull-ups are enabled.
func (c *Config) Pullups() bool {
	return c.Encoder.Pullups == nil || *c.Encoder.Pullups
}

// Feedback reports whether OPERATING feedback is sent.
func (c *Config) Feedback() bool {
	return c.Defaults.Feedback == nil || *c.Defaults.Feedback
}

// HomeTolerance returns the home alignment tolerance in degrees.
func (c *Config) HomeTolerance() float64 {
	if c.Resolver.HomeToleranceDeg == nil {
		return c.Resolver.ToleranceDeg
	}
	return *c.Resolver.HomeToleranceDeg
}

// Settle returns how long the encoder must be still before a move completes.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.Resolver.SettleMs) * time.Millisecond
}

// Blink returns the blink interval of the "moving" indicator.
func (c *Config) Blink() time.Duration {
	return time.Duration(c.Display.BlinkMs) * time.Millisecond
}

// Debounce returns the button debounce time.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Encoder.DebounceMs) * time.Millisecond
}

// LongPress returns the hold time of a long press.
func (c *Config) LongPress() time.Duration {
	return time.Duration(c.Encoder.LongPressMs) * time.Millisecond
}

// PollInterval returns the encoder sampling period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Encoder.PollUs) * time.Microsecond
}

// BusTimeout returns the dial timeout of a tcp bus.
func (c *Config) BusTimeout() time.Duration {
	return time.Duration(c.Bus.TimeoutMs) * time.Millisecond
}
