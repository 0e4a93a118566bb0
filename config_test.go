package m3u8dl

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/alanbriolat/m3u8dl/encode"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "m3u8dl.toml")
	require_.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	assert := assert_.New(t)
	cfg := DefaultConfig()
	assert.NoError(cfg.Validate())
	assert.Equal("output.mp4", cfg.Output)
	assert.Equal(10, cfg.Concurrency)
	assert.Equal("output", cfg.WorkDir)
	assert.Equal("file_list.txt", cfg.Manifest)
	assert.Equal("ffmpeg", cfg.FFmpeg)
	assert.Equal(encode.ModeCopy, cfg.EncodeMode())
	assert.Equal(HistoryNone, cfg.HistoryBackend())
}

func TestLoadConfigFile(t *testing.T) {
	assert := assert_.New(t)
	path := writeConfig(t, `
output = "movie.mp4"
compress = true
concurrency = 4
history = "runs.sqlite"
`)
	cfg, err := LoadConfigFile(path)
	require_.NoError(t, err)
	assert.Equal("movie.mp4", cfg.Output)
	assert.Equal(encode.ModeReencode, cfg.EncodeMode())
	assert.Equal(4, cfg.Concurrency)
	assert.Equal(HistorySQLite, cfg.HistoryBackend())
	// Unset keys keep their defaults
	assert.Equal("output", cfg.WorkDir)
	assert.Equal("file_list.txt", cfg.Manifest)
}

func TestLoadConfigFile_Errors(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert_.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadConfigFile(writeConfig(t, `outptu = "typo.mp4"`))
	assert_.Error(t, err)

	_, err = LoadConfigFile(writeConfig(t, `concurrency = "many"`))
	assert_.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty output":     func(c *Config) { c.Output = " " },
		"zero concurrency": func(c *Config) { c.Concurrency = 0 },
		"empty work dir":   func(c *Config) { c.WorkDir = "" },
		"empty manifest":   func(c *Config) { c.Manifest = "" },
		"empty ffmpeg":     func(c *Config) { c.FFmpeg = "" },
		"manifest=output":  func(c *Config) { c.Manifest = "./output.mp4" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert_.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfig_HistoryBackend(t *testing.T) {
	assert := assert_.New(t)
	cfg := DefaultConfig()
	for path, expected := range map[string]HistoryBackend{
		"":             HistoryNone,
		"runs.db":      HistoryBolt,
		"runs.bolt":    HistoryBolt,
		"history":      HistoryBolt,
		"runs.sqlite":  HistorySQLite,
		"RUNS.SQLITE3": HistorySQLite,
		"dir/runs.db3": HistorySQLite,
	} {
		cfg.History = path
		assert.Equal(expected, cfg.HistoryBackend(), path)
	}
}

func TestLoggerContext(t *testing.T) {
	assert := assert_.New(t)
	assert.Same(zap.L(), Logger(context.Background()))
	logger := zaptest.NewLogger(t)
	assert.Same(logger, Logger(WithLogger(context.Background(), logger)))
}
