package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"group-exchange-server/config"
	"group-exchange-server/service"
)

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "debug"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestSettleCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: memory\nlog:\n  level: error\n"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"settle", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())

	var res service.SettleResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Empty(t, res.Pairs)
	assert.Empty(t, res.Skipped)
}

func TestSettleCommand_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: floppy\n"), 0o600))

	rootCmd.SetArgs([]string{"settle", "--config", path})
	rootCmd.SetErr(&bytes.Buffer{})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetErr(nil)
	})
	assert.Error(t, rootCmd.Execute())
}
