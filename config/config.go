package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/zap/zapcore"

	"patchhost/engine"
	"patchhost/patch"
)

var ErrInvalid = errors.New("invalid config")

// Backend selects the transport driver
type Backend string

const (
	BackendJack      Backend = "jack"
	BackendPortAudio Backend = "portaudio"
	BackendDummy     Backend = "dummy"
)

// AudioConfig describes the transport connection
type AudioConfig struct {
	Backend        Backend `json:"backend"`
	ClientName     string  `json:"clientName"`
	SampleRate     int     `json:"sampleRate"`
	BlockSize      int     `json:"blockSize"`
	InputChannels  int     `json:"inputChannels,omitempty"`  // portaudio only
	OutputChannels int     `json:"outputChannels,omitempty"` // portaudio only
}

// EngineConfig tunes the routing engine
type EngineConfig struct {
	GuardMode     string `json:"guardMode,omitempty"` // "single" or "split"
	FadeOutFrames int    `json:"fadeOutFrames,omitempty"`
	RxBufferSize  int    `json:"rxBufferSize,omitempty"`
	MaxNotes      int    `json:"maxNotes,omitempty"`
	Polyphony     int    `json:"polyphony,omitempty"`
}

// Config is the main configuration structure
type Config struct {
	Audio      AudioConfig        `json:"audio"`
	Engine     EngineConfig       `json:"engine"`
	Soundfonts []string           `json:"soundfonts,omitempty"`
	Project    patch.ProjectState `json:"project"`
	Patches    []patch.Patch      `json:"patches,omitempty"`
	Triggers   []patch.Trigger    `json:"triggers,omitempty"`
	// ProgramChangeSwitchesPatches loads the patch at the program number
	// when a program change arrives without bank select
	ProgramChangeSwitchesPatches bool                `json:"programChangeSwitchesPatches"`
	Connections                  []engine.Connection `json:"connections,omitempty"`
	Palette                      string              `json:"palette,omitempty"` // GIMP .gpl file
	LogLevel                     string              `json:"logLevel,omitempty"`
	Debug                        bool                `json:"debug,omitempty"`
}

// DefaultConfig returns a config with one keyboard input and a stereo
// master bus on the first two playback channels.
func DefaultConfig() *Config {
	return &Config{
		Audio: AudioConfig{
			Backend:        BackendJack,
			ClientName:     "patchhost",
			SampleRate:     48000,
			BlockSize:      256,
			InputChannels:  2,
			OutputChannels: 2,
		},
		Engine: EngineConfig{
			GuardMode:     engine.SingleGuard.String(),
			FadeOutFrames: engine.DefaultFadeOutFrames,
			RxBufferSize:  engine.DefaultRxBufferSize,
			MaxNotes:      engine.DefaultMaxNotes,
			Polyphony:     64,
		},
		Project: patch.ProjectState{
			MidiIn: []patch.MidiPortState{{ID: 1, Name: "midi_in"}},
			Buses: []patch.StereoPortState{{
				ID:           2,
				Name:         "master",
				LeftClients:  []string{"system:playback_1"},
				RightClients: []string{"system:playback_2"},
			}},
		},
		ProgramChangeSwitchesPatches: true,
		LogLevel:                     "info",
	}
}

// Dir returns the config directory path
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "patchhost"), nil
}

// Path returns the full path to config.json
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from its default path, or returns defaults if there
// is none.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadFrom(path)
}

// LoadFrom reads the config at path. Fields missing from the file keep
// their defaults.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to its default path
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the config to path, creating its directory
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the values the engine cannot work without
func (c *Config) Validate() error {
	switch c.Audio.Backend {
	case BackendJack, BackendPortAudio, BackendDummy:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Audio.Backend)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.BlockSize <= 0 {
		return fmt.Errorf("%w: sample rate and block size must be positive", ErrInvalid)
	}
	if _, err := engine.ParseGuardMode(c.Engine.GuardMode); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := zapcore.ParseLevel(c.level()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	for i, t := range c.Triggers {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w: trigger %d: %w", ErrInvalid, i, err)
		}
	}
	return nil
}

func (c *Config) level() string {
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}

// Level returns the configured log level
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.level())
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// EngineOptions turns the engine section into engine options
func (c *Config) EngineOptions() []engine.Option {
	var opts []engine.Option
	if mode, err := engine.ParseGuardMode(c.Engine.GuardMode); err == nil {
		opts = append(opts, engine.WithGuardMode(mode))
	}
	if c.Engine.FadeOutFrames > 0 {
		opts = append(opts, engine.WithFadeOutFrames(c.Engine.FadeOutFrames))
	}
	if c.Engine.RxBufferSize > 0 {
		opts = append(opts, engine.WithRxBufferSize(c.Engine.RxBufferSize))
	}
	if c.Engine.MaxNotes > 0 {
		opts = append(opts, engine.WithMaxNotes(c.Engine.MaxNotes))
	}
	return opts
}

// AddSoundfont adds a soundfont path if it is not listed yet
func (c *Config) AddSoundfont(path string) {
	if !slices.Contains(c.Soundfonts, path) {
		c.Soundfonts = append(c.Soundfonts, path)
	}
}

// PatchIndex finds a patch by name, -1 if there is none
func (c *Config) PatchIndex(name string) int {
	return slices.IndexFunc(c.Patches, func(p patch.Patch) bool { return p.Name == name })
}
