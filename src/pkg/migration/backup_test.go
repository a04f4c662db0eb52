package migration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)

func TestBackupManager_CreateBackup(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	require.NoError(t, os.WriteFile(dbPath, []byte("test database content"), 0644))
	require.NoError(t, os.WriteFile(dbPath+"-wal", []byte("wal content"), 0644))

	bm := NewBackupManager(dbPath, WithClock(testclock.NewClock(testNow)), WithFreeSpace(nil))

	artifact, err := bm.CreateBackup(context.Background())
	require.NoError(t, err)
	assert.False(t, artifact.Empty)
	assert.Equal(t, dbPath, artifact.SourcePath)
	assert.True(t, strings.HasPrefix(artifact.BackupPath, dbPath+".backup_20260102_030405_"))
	assert.Equal(t, []string{"", "-wal"}, artifact.Files)
	assert.Equal(t, testNow, artifact.CreatedAt)

	content, err := os.ReadFile(artifact.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "test database content", string(content))

	content, err = os.ReadFile(artifact.BackupPath + "-wal")
	require.NoError(t, err)
	assert.Equal(t, "wal content", string(content))
	assert.NoFileExists(t, artifact.BackupPath+"-shm")
}

func TestBackupManager_CreateBackup_NoFile(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nonexistent.db")

	bm := NewBackupManager(dbPath)

	// 不存在的文件不需要备份
	artifact, err := bm.CreateBackup(context.Background())
	require.NoError(t, err)
	assert.True(t, artifact.Empty)
	assert.Empty(t, artifact.BackupPath)
}

func TestBackupManager_CreateBackup_InsufficientSpace(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("test database content"), 0644))

	bm := NewBackupManager(dbPath, WithFreeSpace(func(string) (uint64, error) { return 4, nil }))

	_, err := bm.CreateBackup(context.Background())
	assert.ErrorIs(t, err, ErrBackupFailed)
	assert.ErrorIs(t, err, ErrInsufficientSpace)

	list, err := bm.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, list)

	// "test database content" 共 21 字节，两倍余量需要 42 字节
	bm = NewBackupManager(dbPath,
		WithFreeSpace(func(string) (uint64, error) { return 30, nil }),
		WithSpaceRatio(2),
	)
	_, err = bm.CreateBackup(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientSpace)

	// 查询失败不阻止备份
	bm = NewBackupManager(dbPath, WithFreeSpace(func(string) (uint64, error) { return 0, errors.New("unsupported") }))
	_, err = bm.CreateBackup(context.Background())
	assert.NoError(t, err)
}

func TestBackupManager_CreateBackup_CopyFailure(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("main"), 0644))
	require.NoError(t, os.WriteFile(dbPath+"-wal", []byte("wal"), 0644))

	fs := newFaultyFs()
	bm := NewBackupManager(dbPath, WithFs(fs), WithFreeSpace(nil))

	// 备份名带随机后缀，按目录拦截所有创建
	fs.FailAll(true)
	_, err := bm.CreateBackup(context.Background())
	assert.ErrorIs(t, err, ErrBackupFailed)

	list, err := bm.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestBackupManager_Restore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	backupPath := filepath.Join(tmpDir, "test.db.backup_20260101_000000_abcdef01")

	require.NoError(t, os.WriteFile(backupPath, []byte("backup content"), 0644))
	require.NoError(t, os.WriteFile(dbPath, []byte("current content"), 0644))
	require.NoError(t, os.WriteFile(dbPath+"-wal", []byte("current wal"), 0644))
	require.NoError(t, os.WriteFile(dbPath+"-shm", []byte("current shm"), 0644))

	bm := NewBackupManager(dbPath)
	artifact, err := bm.Artifact(backupPath)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, artifact.Files)
	assert.Equal(t, 2026, artifact.CreatedAt.Year())

	require.NoError(t, bm.Restore(artifact))

	content, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "backup content", string(content))
	// 恢复后不能残留新版本的附属文件
	assert.NoFileExists(t, dbPath+"-wal")
	assert.NoFileExists(t, dbPath+"-shm")
	// 恢复不删除备份
	assert.FileExists(t, backupPath)
}

func TestBackupManager_Restore_StagingFailure(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	backupPath := filepath.Join(tmpDir, "test.db.backup_20260101_000000_abcdef01")

	require.NoError(t, os.WriteFile(backupPath, []byte("backup content"), 0644))
	require.NoError(t, os.WriteFile(backupPath+"-wal", []byte("backup wal"), 0644))
	require.NoError(t, os.WriteFile(dbPath, []byte("current content"), 0644))
	require.NoError(t, os.WriteFile(dbPath+"-wal", []byte("current wal"), 0644))

	fs := newFaultyFs()
	bm := NewBackupManager(dbPath, WithFs(fs))
	artifact, err := bm.Artifact(backupPath)
	require.NoError(t, err)
	require.Equal(t, []string{"", "-wal"}, artifact.Files)

	// 主文件暂存成功后，WAL 暂存失败
	fs.FailCreate(dbPath+"-wal"+RestoreStagingSuffix, true)
	require.Error(t, bm.Restore(artifact))

	content, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "current content", string(content))
	content, err = os.ReadFile(dbPath + "-wal")
	require.NoError(t, err)
	assert.Equal(t, "current wal", string(content))
	assert.NoFileExists(t, dbPath+RestoreStagingSuffix)
	assert.NoFileExists(t, dbPath+"-wal"+RestoreStagingSuffix)

	fs.FailCreate(dbPath+"-wal"+RestoreStagingSuffix, false)
	require.NoError(t, bm.Restore(artifact))
	content, err = os.ReadFile(dbPath + "-wal")
	require.NoError(t, err)
	assert.Equal(t, "backup wal", string(content))
	assert.NoFileExists(t, dbPath+RestoreStagingSuffix)
}

func TestBackupManager_Restore_Empty(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("created during migration"), 0644))

	bm := NewBackupManager(dbPath)
	require.NoError(t, bm.Restore(&BackupArtifact{SourcePath: dbPath, Empty: true}))
	assert.NoFileExists(t, dbPath)
}

func TestBackupManager_Restore_Missing(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("current"), 0644))

	bm := NewBackupManager(dbPath)
	assert.ErrorIs(t, bm.Restore(nil), ErrNoBackup)

	err := bm.Restore(&BackupArtifact{SourcePath: dbPath, BackupPath: dbPath + ".backup_gone"})
	assert.Error(t, err)
	// 备份不存在时不能先删掉当前数据库
	assert.FileExists(t, dbPath)
}

func TestBackupManager_ListBackups(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	backups := []string{
		dbPath + ".backup_20260101_000001_aaaaaaaa",
		dbPath + ".backup_20260101_000002_bbbbbbbb",
		dbPath + ".backup_20260101_000003_cccccccc",
	}
	for _, backup := range backups {
		require.NoError(t, os.WriteFile(backup, []byte("backup"), 0644))
	}
	// 附属文件和其他数据库的备份不计入
	require.NoError(t, os.WriteFile(backups[2]+"-wal", []byte("wal"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "other.db.backup_20260101_000004_dddddddd"), []byte("x"), 0644))

	bm := NewBackupManager(dbPath)
	list, err := bm.ListBackups()
	require.NoError(t, err)
	require.Len(t, list, 3)

	// 验证排序（最新的在前）
	assert.Equal(t, backups[2], list[0])
	assert.Equal(t, backups[1], list[1])
	assert.Equal(t, backups[0], list[2])

	latest, err := bm.LatestBackup()
	require.NoError(t, err)
	assert.Equal(t, backups[2], latest)

	size, err := bm.Size(backups[2])
	require.NoError(t, err)
	assert.Equal(t, int64(len("backup")+len("wal")), size)
}

func TestBackupManager_Prune(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	total := DefaultMaxBackupCount + 3
	for i := 0; i < total; i++ {
		backup := dbPath + ".backup_2026010100000" + string(rune('0'+i)) + "_0000000" + string(rune('0'+i))
		require.NoError(t, os.WriteFile(backup, []byte("backup"), 0644))
		require.NoError(t, os.WriteFile(backup+"-wal", []byte("wal"), 0644))
	}

	bm := NewBackupManager(dbPath)

	list, err := bm.ListBackups()
	require.NoError(t, err)
	assert.Len(t, list, total)

	removed, err := bm.Prune(DefaultMaxBackupCount)
	require.NoError(t, err)
	assert.Len(t, removed, 3)
	for _, r := range removed {
		assert.NoFileExists(t, r)
		assert.NoFileExists(t, r+"-wal")
	}

	list, err = bm.ListBackups()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxBackupCount, len(list))

	// 保留数量不少于现有数量时不删除
	removed, err = bm.Prune(10)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestBackupManager_Reset(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	for _, s := range allSuffixes {
		require.NoError(t, os.WriteFile(dbPath+s, []byte("data"), 0644))
	}

	clk := testclock.NewClock(testNow)
	bm := NewBackupManager(dbPath, WithClock(clk))
	closer := &countingCloser{}

	done := make(chan error, 1)
	go func() {
		done <- bm.Reset(context.Background(), closer)
	}()

	// 必须等待宽限期结束才删除文件
	require.NoError(t, clk.WaitAdvance(DefaultResetGracePeriod, time.Second, 1))
	require.NoError(t, <-done)

	assert.Equal(t, 1, closer.calls)
	for _, s := range allSuffixes {
		assert.NoFileExists(t, dbPath+s)
	}
}

func TestBackupManager_Reset_Cancelled(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("data"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bm := NewBackupManager(dbPath, WithClock(testclock.NewClock(testNow)))
	err := bm.Reset(ctx, nil)
	assert.ErrorIs(t, err, ErrResetFailed)
	assert.FileExists(t, dbPath)
}

type countingCloser struct {
	calls int
}

func (c *countingCloser) Close() error {
	c.calls++
	return nil
}
