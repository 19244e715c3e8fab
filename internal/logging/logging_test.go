package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, err := New(Config{Level: "debug", Format: "json", FilePath: path, MaxSize: 1})
	require.NoError(t, err)

	logger.Info("case advanced")
	_ = logger.Sync()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "case advanced")
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.ErrorContains(t, err, "invalid log level")

	_, err = New(Config{Level: "info", Format: "xml"})
	assert.ErrorContains(t, err, "invalid log format")
}
