package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripledger/tripledger/src/configs"
)

func TestDailyRotatingWriter(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "tripledger-2020-01-01.log")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))
	other := filepath.Join(dir, "notes.log")
	require.NoError(t, os.WriteFile(other, []byte("keep"), 0644))

	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)
	w := &dailyRotatingWriter{dir: dir, base: "tripledger", retentionDays: 3, now: func() time.Time { return now }}
	_, err := w.Write([]byte("first\n"))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	b, err := os.ReadFile(filepath.Join(dir, "tripledger-2026-03-01.log"))
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(b))
	b, err = os.ReadFile(filepath.Join(dir, "tripledger-2026-03-02.log"))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(b))

	assert.NoFileExists(t, stale)
	assert.FileExists(t, other)
}

func TestNew(t *testing.T) {
	defer logrus.SetOutput(os.Stderr)

	cfg := configs.NewConfig()
	cfg.Debug = true
	cfg.Log.OutPutFolder = filepath.Join(t.TempDir(), "logs")
	cfg.Log.SaveLastLog = true
	cfg.Log.SaveEveryLog = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := New(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.Info("hello ledger")
	matches, err := filepath.Glob(filepath.Join(cfg.Log.OutPutFolder, "tripledger-*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	b, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello ledger")
}
