package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFileName(t *testing.T) {
	day := time.Date(2025, 3, 7, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "starmeter_2025-03-07.log", LogFileName(day))
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"starmeter_2025-03-01.log",
		"starmeter_2025-03-03.log",
		"starmeter_2025-03-02.log",
		"other.log",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	removed := cleanOldLogs(dir, 2)
	assert.Equal(t, []string{"starmeter_2025-03-01.log"}, removed)
	assert.False(t, FileExists(filepath.Join(dir, "starmeter_2025-03-01.log")))
	assert.True(t, FileExists(filepath.Join(dir, "starmeter_2025-03-02.log")))
	assert.True(t, FileExists(filepath.Join(dir, "other.log")))

	assert.Nil(t, cleanOldLogs(dir, 0))
}

func TestInitLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Directory: dir}))
	assert.True(t, FileExists(filepath.Join(dir, LogFileName(time.Now()))))
}

func TestGetSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	assert.NotEmpty(t, info.Platform)
	assert.NotEmpty(t, info.Architecture)
	assert.Positive(t, info.CPUCores)
}

func TestGetProcessUsage(t *testing.T) {
	usage, err := GetProcessUsage()
	require.NoError(t, err)
	assert.Positive(t, usage.Goroutines)
}
