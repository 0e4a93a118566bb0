// Package m3u8dl holds the settings shared by the m3u8dl command and its history backends.
package m3u8dl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/alanbriolat/m3u8dl/assembly"
	"github.com/alanbriolat/m3u8dl/download"
	"github.com/alanbriolat/m3u8dl/encode"
)

var ErrInvalidConfig = errors.New("invalid config")

type HistoryBackend int

const (
	HistoryNone HistoryBackend = iota
	HistoryBolt
	HistorySQLite
)

// Config is everything about a run except the playlist URL. Precedence is defaults, then a TOML file, then
// environment and flags.
type Config struct {
	Output      string `toml:"output"`
	Compress    bool   `toml:"compress"`
	Concurrency int    `toml:"concurrency"`
	WorkDir     string `toml:"work_dir"`
	Manifest    string `toml:"manifest"`
	FFmpeg      string `toml:"ffmpeg"`
	Overwrite   bool   `toml:"overwrite"`
	Strict      bool   `toml:"strict"`
	Keep        bool   `toml:"keep"`
	History     string `toml:"history"`
	Verbose     bool   `toml:"verbose"`
}

func DefaultConfig() Config {
	return Config{
		Output:      "output.mp4",
		Concurrency: download.DefaultConcurrency,
		WorkDir:     "output",
		Manifest:    assembly.DefaultManifestName,
		FFmpeg:      encode.DefaultBinary,
	}
}

// LoadConfigFile overlays the TOML file at path onto the defaults. Unknown keys are an error.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Output) == "":
		return fmt.Errorf("%w: output must not be empty", ErrInvalidConfig)
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidConfig, c.Concurrency)
	case strings.TrimSpace(c.WorkDir) == "":
		return fmt.Errorf("%w: work_dir must not be empty", ErrInvalidConfig)
	case strings.TrimSpace(c.Manifest) == "":
		return fmt.Errorf("%w: manifest must not be empty", ErrInvalidConfig)
	case strings.TrimSpace(c.FFmpeg) == "":
		return fmt.Errorf("%w: ffmpeg must not be empty", ErrInvalidConfig)
	}
	if filepath.Clean(c.Manifest) == filepath.Clean(c.Output) {
		return fmt.Errorf("%w: manifest and output must be different files", ErrInvalidConfig)
	}
	return nil
}

func (c Config) EncodeMode() encode.Mode {
	return encode.ModeFor(c.Compress)
}

// HistoryBackend picks the run history store from the file extension: ".sqlite", ".sqlite3" and ".db3" use SQLite,
// anything else uses bbolt.
func (c Config) HistoryBackend() HistoryBackend {
	if c.History == "" {
		return HistoryNone
	}
	switch strings.ToLower(filepath.Ext(c.History)) {
	case ".sqlite", ".sqlite3", ".db3":
		return HistorySQLite
	default:
		return HistoryBolt
	}
}
