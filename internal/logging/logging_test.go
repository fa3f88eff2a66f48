package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNew_InvalidFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "xml"
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNew_WritesFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "console"
	cfg.File = filepath.Join(t.TempDir(), "sentinel.log")

	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Info("pipeline started")
	logger.Debug("hidden at info level")
	_ = logger.Sync()

	content, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), `"message":"pipeline started"`))
	assert.False(t, strings.Contains(string(content), "hidden at info level"))
}
