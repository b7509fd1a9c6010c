package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostfabric/telemetry/pkg/config"
)

func TestNew_JSONLogger(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", Stdout: true}, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("hello")
	assert.NoError(t, Sync(logger))
}

func TestNew_ConsoleLogger(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "console", Stdout: true}, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "chatty", Stdout: true}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNew_NoOutputsIsNop(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info"}, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("dropped")
}

func TestNew_OTELWithoutProviderFallsBack(t *testing.T) {
	// OTEL output requested but no provider available: stdout only.
	logger, err := New(config.LoggingConfig{Level: "info", Stdout: true, OTEL: true}, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
}
