package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/measurement-factory/squid-sub000/internal/config"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json"}, 1)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "verbose"}, 1)
	require.Error(t, err)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Format: "binary"}, 1)
	require.Error(t, err)
}

func TestNewWithRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "text", File: path, MaxSizeMiB: 1}, 2)
	require.NoError(t, err)
	logger.Info("rotation sink configured")
}
