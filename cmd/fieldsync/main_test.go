package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/fieldsync/internal/config"
	"github.com/livinlefevreloca/fieldsync/internal/db"
)

func TestParseResolution(t *testing.T) {
	got, err := parseResolution("KEEP_LOCAL")
	require.NoError(t, err)
	assert.Equal(t, db.ResolutionKeepLocal, got)

	got, err = parseResolution("dismiss")
	require.NoError(t, err)
	assert.Equal(t, db.ResolutionDismiss, got)

	_, err = parseResolution("merge")
	assert.ErrorContains(t, err, "invalid resolution")
}

func TestNewLogger_FormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "project_id", 7)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"project_id":7`)
}

func TestNewLogger_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.log")
	logger, closer := newLogger(config.LoggingConfig{
		Level: "info", Format: "text", File: path, MaxSizeMB: 1,
	}, &bytes.Buffer{})

	logger.Info("sync engine started")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "sync engine started"))
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "migrate", "status", "conflicts", "reset-failed"} {
		assert.True(t, names[want], "missing %s command", want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}
