package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriabw/calibration-frontend/internal/config"
)

func TestStrategiesFor(t *testing.T) {
	cfg := &config.Config{ProcessorURL: "http://processor.local", Transport: config.TransportAuto}

	strategies := strategiesFor(cfg)
	require.Len(t, strategies, 2)
	assert.Equal(t, "websocket", strategies[0].Name())
	assert.Equal(t, "polling", strategies[1].Name())

	cfg.Transport = config.TransportWebSocket
	strategies = strategiesFor(cfg)
	require.Len(t, strategies, 1)
	assert.Equal(t, "websocket", strategies[0].Name())

	cfg.Transport = config.TransportPolling
	strategies = strategiesFor(cfg)
	require.Len(t, strategies, 1)
	assert.Equal(t, "polling", strategies[0].Name())
}

func TestExecute_FailurePrintsError(t *testing.T) {
	root := newRootCmd()
	var stderr bytes.Buffer
	root.SetOut(&stderr)
	root.SetErr(&stderr)
	root.SetArgs([]string{"nonsense"})

	err := root.Execute()

	require.Error(t, err)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0)
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "capture")
	assert.Contains(t, names, "calibrate")
	assert.Contains(t, names, "version")
}
