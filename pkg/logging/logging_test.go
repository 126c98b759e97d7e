package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsValidation(t *testing.T) {
	tests := []struct {
		name          string
		settings      *Settings
		expectedError bool
	}{
		{
			name:     "valid console logger",
			settings: &Settings{Level: LevelInfo, Type: TypeConsole},
		},
		{
			name: "valid file logger with rotation",
			settings: &Settings{
				Level:      LevelDebug,
				Type:       TypeFile,
				FilePath:   "/var/log/calypso.log",
				MaxSize:    10,
				MaxBackups: 3,
				MaxAge:     28,
			},
		},
		{
			name:          "missing level",
			settings:      &Settings{Type: TypeConsole},
			expectedError: true,
		},
		{
			name:          "invalid type",
			settings:      &Settings{Level: LevelInfo, Type: "syslog"},
			expectedError: true,
		},
		{
			name:          "file logger missing path",
			settings:      &Settings{Level: LevelInfo, Type: TypeFile, MaxSize: 10, MaxBackups: 3, MaxAge: 28},
			expectedError: true,
		},
		{
			name:          "file logger with oversized files",
			settings:      &Settings{Level: LevelInfo, Type: TypeFile, FilePath: "/tmp/calypso.log", MaxSize: 500, MaxBackups: 3, MaxAge: 28},
			expectedError: true,
		},
		{
			name:     "console logger ignores rotation settings",
			settings: &Settings{Level: LevelWarning, Type: TypeConsole, MaxSize: 10, MaxBackups: 3, MaxAge: 28},
		},
		{
			name:          "file logger missing rotation settings",
			settings:      &Settings{Level: LevelInfo, Type: TypeFile, FilePath: "/tmp/calypso.log"},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.settings.Validate()
			if tt.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_File(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "calypso.log")

	logger, err := New(&Settings{
		Level:      LevelInfo,
		Type:       TypeFile,
		FilePath:   logPath,
		MaxSize:    1,
		MaxBackups: 1,
		MaxAge:     1,
	})
	require.NoError(t, err)

	logger.Info("session closed", "serial", "0000000012345678")
	logger.Debug("hidden")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "session closed")
	assert.Contains(t, string(content), "0000000012345678")
	assert.NotContains(t, string(content), "hidden")
}

func TestNew_Invalid(t *testing.T) {
	logger, err := New(&Settings{Level: "verbose", Type: TypeConsole})
	assert.Error(t, err)
	assert.Nil(t, logger)
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := NewConsole(LevelWarning, &buf)

	logger.Info("dropped")
	logger.Warn("kept", "sw", "6985")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
	assert.Contains(t, buf.String(), "sw=6985")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarning, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelError))
}
