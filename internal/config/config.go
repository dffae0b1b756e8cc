// Package config loads and validates the detector's YAML configuration
// (spec.md §3). Loading follows the teacher's config.go in spirit — a
// single pass that rejects anything it doesn't recognize rather than
// silently ignoring it — replacing the teacher's hand-rolled line parser
// with gopkg.in/yaml.v3, since spec.md's config is structured rather than
// the teacher's free-form directive-per-line format.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/detectorlab/xraydet/internal/errs"
	"github.com/detectorlab/xraydet/internal/fsm"
)

// Config is the full set of keys named in spec.md §3.
type Config struct {
	Width                uint16 `yaml:"width"`
	Height               uint16 `yaml:"height"`
	BitDepth             uint16 `yaml:"bit_depth"`
	FPS                  int    `yaml:"fps"`
	DataPort             int    `yaml:"data_port"`
	ControlPort          int    `yaml:"control_port"`
	LaneSpeed            int    `yaml:"lane_speed"`
	LogLevel             string `yaml:"log_level"`
	ReassemblyTimeoutMs  int    `yaml:"reassembly_timeout_ms"`
	MaxReassemblySlots   int    `yaml:"max_reassembly_slots"`
}

// coldKeys are the keys that require the FSM to be IDLE before they take
// effect (spec.md §3): they describe the frame geometry the device is wired
// for, not a runtime knob.
var coldKeys = map[string]bool{
	"width":        true,
	"height":       true,
	"bit_depth":    true,
	"fps":          true,
	"data_port":    true,
	"control_port": true,
	"lane_speed":   true,
}

// Default returns the baseline configuration used when no file is given.
func Default() Config {
	return Config{
		Width:               1024,
		Height:              1024,
		BitDepth:            16,
		FPS:                 30,
		DataPort:            8000,
		ControlPort:         8001,
		LaneSpeed:           1,
		LogLevel:            "info",
		ReassemblyTimeoutMs: 2000,
		MaxReassemblySlots:  8,
	}
}

var logLevels = map[string]bool{
	"debug":    true,
	"info":     true,
	"warn":     true,
	"error":    true,
	"critical": true,
}

// Load reads and validates a YAML config file. Unknown keys are rejected
// via yaml.v3's KnownFields, matching spec.md §3's closed key set.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errs.New(errs.KindConfigInvalid, err.Error())
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errs.New(errs.KindConfigInvalid, "config: "+err.Error())
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the bounds spec.md §3 mandates for each key, naming the
// offending key in the error so a SET_CONFIG rejection (and a boundary
// probe like spec.md §8's) can tell the operator exactly what was wrong.
func (c Config) Validate() error {
	switch {
	case c.Width < 128 || c.Width > 4096:
		return errs.New(errs.KindConfigInvalid, "width out of range [128,4096]")
	case c.Height < 128 || c.Height > 4096:
		return errs.New(errs.KindConfigInvalid, "height out of range [128,4096]")
	case c.BitDepth != 14 && c.BitDepth != 16:
		return errs.New(errs.KindConfigInvalid, "bit_depth must be 14 or 16")
	case c.FPS < 1 || c.FPS > 60:
		return errs.New(errs.KindConfigInvalid, "fps out of range [1,60]")
	case c.DataPort < 1024 || c.DataPort > 65535:
		return errs.New(errs.KindConfigInvalid, "data_port out of range [1024,65535]")
	case c.ControlPort < 1024 || c.ControlPort > 65535:
		return errs.New(errs.KindConfigInvalid, "control_port out of range [1024,65535]")
	case c.ReassemblyTimeoutMs < 100 || c.ReassemblyTimeoutMs > 10000:
		return errs.New(errs.KindConfigInvalid, "reassembly_timeout_ms out of range [100,10000]")
	case c.MaxReassemblySlots < 2 || c.MaxReassemblySlots > 32:
		return errs.New(errs.KindConfigInvalid, "max_reassembly_slots out of range [2,32]")
	case !logLevels[c.LogLevel]:
		return errs.New(errs.KindConfigInvalid, "log_level must be one of debug, info, warn, error, critical")
	}
	return nil
}

// Geometry projects the cold frame-shape keys into an fsm.Geometry.
func (c Config) Geometry() fsm.Geometry {
	return fsm.Geometry{Width: c.Width, Height: c.Height, BitDepth: c.BitDepth, FPS: c.FPS}
}

// Store is a live, mutable Config guarded by a single owner goroutine's
// sequencing: the Control Plane only calls Apply while holding the
// guarantee (enforced by the caller, control.Plane) that cold keys are only
// applied while the FSM is IDLE. Store itself does not re-check FSM state.
type Store struct {
	cfg    Config
	onCold func(Config)
}

// NewStore wraps cfg, calling onCold with the updated Config whenever a
// cold key is applied so the caller (typically main) can push the new
// geometry into the FSM.
func NewStore(cfg Config, onCold func(Config)) *Store {
	return &Store{cfg: cfg, onCold: onCold}
}

// IsCold implements control.ConfigStore.
func (s *Store) IsCold(key string) bool {
	return coldKeys[key]
}

// Apply implements control.ConfigStore: parses value against key's known
// type, validates the resulting Config as a whole, and commits it.
func (s *Store) Apply(key, value string) error {
	next := s.cfg
	if err := setField(&next, key, value); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	s.cfg = next
	if coldKeys[key] && s.onCold != nil {
		s.onCold(next)
	}
	return nil
}

// Snapshot returns the current Config.
func (s *Store) Snapshot() Config {
	return s.cfg
}

func setField(c *Config, key, value string) error {
	var n int
	var err error
	parseInt := func() (int, error) {
		_, e := fmt.Sscanf(value, "%d", &n)
		return n, e
	}

	switch key {
	case "width":
		n, err = parseInt()
		c.Width = uint16(n)
	case "height":
		n, err = parseInt()
		c.Height = uint16(n)
	case "bit_depth":
		n, err = parseInt()
		c.BitDepth = uint16(n)
	case "fps":
		n, err = parseInt()
		c.FPS = n
	case "data_port":
		n, err = parseInt()
		c.DataPort = n
	case "control_port":
		n, err = parseInt()
		c.ControlPort = n
	case "lane_speed":
		n, err = parseInt()
		c.LaneSpeed = n
	case "log_level":
		c.LogLevel = value
	case "reassembly_timeout_ms":
		n, err = parseInt()
		c.ReassemblyTimeoutMs = n
	case "max_reassembly_slots":
		n, err = parseInt()
		c.MaxReassemblySlots = n
	default:
		return errs.New(errs.KindConfigInvalid, "unknown config key: "+key)
	}
	if err != nil {
		return errs.New(errs.KindConfigInvalid, "bad value for "+key+": "+value)
	}
	return nil
}

// FromEnv applies the DETECTOR_LOG_LEVEL override named in spec.md §3, if
// set. DETECTOR_CONFIG (the config file path) and DETECTOR_HMAC_KEY are
// read directly by cmd/ main functions, not here, since they gate which
// file/key this package is even given.
func (c Config) FromEnv() Config {
	if v, ok := os.LookupEnv("DETECTOR_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	return c
}
