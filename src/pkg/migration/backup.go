package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"
	uuid "github.com/satori/go.uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	// BackupInfix 备份文件名中的标记，完整格式为 <db>.backup_<时间>_<随机>
	BackupInfix = ".backup_"
	// BackupTimeLayout 备份文件名中的时间格式
	BackupTimeLayout = "20060102_150405"
	// DefaultMaxBackupCount 手动清理时默认保留的备份数量
	DefaultMaxBackupCount = 5
	// RestoreStagingSuffix 恢复时临时文件的后缀
	RestoreStagingSuffix = ".restoring"
	// DefaultResetGracePeriod 关闭连接后等待文件句柄释放的时间（Windows 上尤其需要）
	DefaultResetGracePeriod = 500 * time.Millisecond
)

// SideFileSuffixes SQLite 主文件的附属文件后缀
var SideFileSuffixes = []string{"-journal", "-wal", "-shm"}

// allSuffixes 主文件 + 附属文件
var allSuffixes = append([]string{""}, SideFileSuffixes...)

// FreeSpaceFunc 返回目录所在磁盘的剩余字节数
type FreeSpaceFunc func(dir string) (uint64, error)

// DiskFreeSpace 使用 gopsutil 查询剩余空间
func DiskFreeSpace(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// BackupManager 备份管理器
type BackupManager struct {
	dbPath      string
	fs          afero.Fs
	clock       clock.Clock
	freeSpace   FreeSpaceFunc
	gracePeriod time.Duration
	spaceRatio  float64
	logger      *logrus.Entry
}

// BackupOption 备份管理器选项
type BackupOption func(*BackupManager)

// WithFs 指定文件系统（测试中用于注入故障）
func WithFs(fs afero.Fs) BackupOption {
	return func(m *BackupManager) { m.fs = fs }
}

// WithClock 指定时钟
func WithClock(c clock.Clock) BackupOption {
	return func(m *BackupManager) { m.clock = c }
}

// WithFreeSpace 指定剩余空间查询函数，nil 表示跳过检查
func WithFreeSpace(f FreeSpaceFunc) BackupOption {
	return func(m *BackupManager) { m.freeSpace = f }
}

// WithGracePeriod 指定重置前等待句柄释放的时间
func WithGracePeriod(d time.Duration) BackupOption {
	return func(m *BackupManager) { m.gracePeriod = d }
}

// WithSpaceRatio 备份前要求的剩余空间为数据库大小的 ratio 倍，小于 1 时按 1 处理
func WithSpaceRatio(ratio float64) BackupOption {
	return func(m *BackupManager) {
		if ratio < 1 {
			ratio = 1
		}
		m.spaceRatio = ratio
	}
}

// NewBackupManager 创建备份管理器
func NewBackupManager(dbPath string, opts ...BackupOption) *BackupManager {
	m := &BackupManager{
		dbPath:      dbPath,
		fs:          afero.NewOsFs(),
		clock:       clock.WallClock,
		freeSpace:   DiskFreeSpace,
		gracePeriod: DefaultResetGracePeriod,
		spaceRatio:  1,
		logger:      logrus.WithField("db_path", dbPath),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DBPath 返回数据库主文件路径
func (m *BackupManager) DBPath() string {
	return m.dbPath
}

// CreateBackup 创建数据库备份，包含存在的附属文件
// 数据库文件不存在时（全新安装）返回 Empty 的备份，不报错
func (m *BackupManager) CreateBackup(ctx context.Context) (*BackupArtifact, error) {
	now := m.clock.Now()
	artifact := &BackupArtifact{
		SourcePath: m.dbPath,
		CreatedAt:  now,
	}

	exists, err := afero.Exists(m.fs, m.dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat database: %v", ErrBackupFailed, err)
	}
	if !exists {
		artifact.Empty = true
		m.logger.Debug("database file does not exist, nothing to back up")
		return artifact, nil
	}

	present, size, err := m.presentFiles(m.dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	if err := m.checkFreeSpace(uint64(float64(size) * m.spaceRatio)); err != nil {
		return nil, err
	}

	suffix := strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")[:8]
	artifact.BackupPath = m.dbPath + BackupInfix + now.Format(BackupTimeLayout) + "_" + suffix

	if err := m.fs.MkdirAll(filepath.Dir(artifact.BackupPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create backup directory: %v", ErrBackupFailed, err)
	}

	for _, s := range present {
		if err := ctx.Err(); err != nil {
			m.removeFiles(artifact.BackupPath, artifact.Files)
			return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
		}
		if err := copyFile(m.fs, m.dbPath+s, artifact.BackupPath+s); err != nil {
			m.removeFiles(artifact.BackupPath, artifact.Files)
			return nil, fmt.Errorf("%w: failed to copy %s: %v", ErrBackupFailed, m.dbPath+s, err)
		}
		artifact.Files = append(artifact.Files, s)
	}

	m.logger.WithFields(logrus.Fields{
		"backup_path": artifact.BackupPath,
		"files":       artifact.Files,
	}).Info("database backup created")
	return artifact, nil
}

// Restore 用备份覆盖当前数据库，调用前必须关闭所有连接
// 备份文件先复制到临时文件，全部成功后再替换当前文件，复制失败时当前数据库不受影响
func (m *BackupManager) Restore(artifact *BackupArtifact) error {
	if artifact == nil {
		return ErrNoBackup
	}
	if artifact.Empty {
		if err := m.removeFiles(m.dbPath, allSuffixes); err != nil {
			return fmt.Errorf("failed to remove current database: %w", err)
		}
		m.logger.Info("database restored to its pre-migration absent state")
		return nil
	}

	if artifact.BackupPath == "" {
		return fmt.Errorf("backup path is empty")
	}
	exists, err := afero.Exists(m.fs, artifact.BackupPath)
	if err != nil {
		return fmt.Errorf("failed to stat backup: %w", err)
	}
	if !exists {
		return fmt.Errorf("backup file not found: %s", artifact.BackupPath)
	}

	files := artifact.Files
	if len(files) == 0 {
		files = []string{""}
	}

	var staged []string
	for _, s := range files {
		if err := copyFile(m.fs, artifact.BackupPath+s, m.dbPath+s+RestoreStagingSuffix); err != nil {
			m.removeStaged(staged)
			return fmt.Errorf("failed to stage %s: %w", m.dbPath+s, err)
		}
		staged = append(staged, s)
	}

	for i, s := range staged {
		if err := m.fs.Rename(m.dbPath+s+RestoreStagingSuffix, m.dbPath+s); err != nil {
			m.removeStaged(staged[i:])
			return fmt.Errorf("failed to restore %s: %w", m.dbPath+s, err)
		}
	}

	// 备份中没有的附属文件属于失败的运行，必须删除
	var stale []string
	for _, s := range SideFileSuffixes {
		if !containsSuffix(staged, s) {
			stale = append(stale, s)
		}
	}
	if err := m.removeFiles(m.dbPath, stale); err != nil {
		return fmt.Errorf("failed to remove stale side file: %w", err)
	}

	m.logger.WithField("backup_path", artifact.BackupPath).Info("database restored from backup")
	return nil
}

// removeStaged 删除恢复过程中的临时文件
func (m *BackupManager) removeStaged(suffixes []string) {
	for _, s := range suffixes {
		if err := m.fs.Remove(m.dbPath + s + RestoreStagingSuffix); err != nil && !os.IsNotExist(err) {
			m.logger.WithError(err).Warn("failed to remove staged restore file")
		}
	}
}

func containsSuffix(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Discard 删除备份文件，只在迁移完全成功后调用
func (m *BackupManager) Discard(artifact *BackupArtifact) error {
	if artifact == nil || artifact.Empty || artifact.BackupPath == "" {
		return nil
	}
	if err := m.removeFiles(artifact.BackupPath, allSuffixes); err != nil {
		return fmt.Errorf("failed to remove backup: %w", err)
	}
	m.logger.WithField("backup_path", artifact.BackupPath).Debug("backup discarded")
	return nil
}

// Reset 删除数据库及全部附属文件
// 先关闭连接并等待一小段时间，部分平台在句柄未释放时会推迟删除
func (m *BackupManager) Reset(ctx context.Context, conn io.Closer) error {
	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("%w: failed to close database: %v", ErrResetFailed, err)
		}
	}
	if m.gracePeriod > 0 {
		select {
		case <-m.clock.After(m.gracePeriod):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrResetFailed, ctx.Err())
		}
	}
	if err := m.removeFiles(m.dbPath, allSuffixes); err != nil {
		return fmt.Errorf("%w: %v", ErrResetFailed, err)
	}
	m.logger.Warn("database deleted")
	return nil
}

// Artifact 根据备份主文件路径构造备份描述（用于手动恢复）
func (m *BackupManager) Artifact(backupPath string) (*BackupArtifact, error) {
	exists, err := afero.Exists(m.fs, backupPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("backup file not found: %s", backupPath)
	}
	present, _, err := m.presentFiles(backupPath)
	if err != nil {
		return nil, err
	}
	artifact := &BackupArtifact{
		SourcePath: m.dbPath,
		BackupPath: backupPath,
		Files:      present,
	}
	if ts, ok := backupTime(filepath.Base(m.dbPath), filepath.Base(backupPath)); ok {
		artifact.CreatedAt = ts
	}
	return artifact, nil
}

// ListBackups 列出所有备份主文件，最新的在前
func (m *BackupManager) ListBackups() ([]string, error) {
	dir := filepath.Dir(m.dbPath)
	prefix := filepath.Base(m.dbPath) + BackupInfix

	entries, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var backups []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || isSideFile(name) {
			continue
		}
		backups = append(backups, filepath.Join(dir, name))
	}

	// 文件名以时间开头，字典序即时间序
	sort.Slice(backups, func(i, j int) bool {
		return backups[i] > backups[j]
	})
	return backups, nil
}

// LatestBackup 获取最新的备份文件
func (m *BackupManager) LatestBackup() (string, error) {
	backups, err := m.ListBackups()
	if err != nil {
		return "", err
	}
	if len(backups) == 0 {
		return "", nil
	}
	return backups[0], nil
}

// Prune 清理旧备份，保留最近的 keep 个
// 迁移过程不会自动调用，失败运行留下的备份只能由用户显式清理
func (m *BackupManager) Prune(keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.ListBackups()
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}

	var removed []string
	for _, backup := range backups[keep:] {
		if err := m.removeFiles(backup, allSuffixes); err != nil {
			return removed, fmt.Errorf("failed to remove old backup %s: %w", backup, err)
		}
		removed = append(removed, backup)
	}
	return removed, nil
}

// Size 返回备份（含附属文件）的总字节数
func (m *BackupManager) Size(backupPath string) (int64, error) {
	_, size, err := m.presentFiles(backupPath)
	return int64(size), err
}

// presentFiles 返回 base 对应的已存在文件后缀及总大小
func (m *BackupManager) presentFiles(base string) ([]string, uint64, error) {
	var (
		present []string
		total   uint64
	)
	for _, s := range allSuffixes {
		info, err := m.fs.Stat(base + s)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, 0, fmt.Errorf("failed to stat %s: %w", base+s, err)
		}
		present = append(present, s)
		total += uint64(info.Size())
	}
	return present, total, nil
}

func (m *BackupManager) checkFreeSpace(needed uint64) error {
	if m.freeSpace == nil {
		return nil
	}
	free, err := m.freeSpace(filepath.Dir(m.dbPath))
	if err != nil {
		// 无法查询时不阻止备份，复制本身失败会报错
		m.logger.WithError(err).Warn("failed to query free disk space")
		return nil
	}
	if free < needed {
		return fmt.Errorf("%w: %w: need %d bytes, %d available", ErrBackupFailed, ErrInsufficientSpace, needed, free)
	}
	return nil
}

// removeFiles 删除 base+suffix 形式的文件，不存在的文件忽略
func (m *BackupManager) removeFiles(base string, suffixes []string) error {
	for _, s := range suffixes {
		if err := m.fs.Remove(base + s); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func isSideFile(name string) bool {
	for _, s := range SideFileSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// backupTime 从备份文件名解析创建时间
func backupTime(dbBase, backupBase string) (time.Time, bool) {
	rest := strings.TrimPrefix(backupBase, dbBase+BackupInfix)
	if rest == backupBase || len(rest) < len(BackupTimeLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(BackupTimeLayout, rest[:len(BackupTimeLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// copyFile 复制文件并落盘
func copyFile(fs afero.Fs, src, dst string) error {
	srcFile, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := fs.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		fs.Remove(dst)
		return err
	}

	return dstFile.Sync()
}
