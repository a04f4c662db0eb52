package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/spf13/afero"
)

const (
	// MarkerFileExtension 运行标记文件扩展名
	MarkerFileExtension = ".migration.lock"
)

// RunMarker 迁移运行标记
// 备份完成后、第一个步骤执行前写入，成功或恢复后删除
// 启动时发现标记说明上次迁移被中断，需要先从记录的备份恢复
type RunMarker struct {
	fs         afero.Fs
	dbPath     string
	markerPath string
}

// NewRunMarker 创建运行标记
func NewRunMarker(dbPath string, fs afero.Fs) *RunMarker {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &RunMarker{
		fs:         fs,
		dbPath:     dbPath,
		markerPath: dbPath + MarkerFileExtension,
	}
}

// Path 获取标记文件路径
func (m *RunMarker) Path() string {
	return m.markerPath
}

// Write 写入标记，已存在标记时失败
func (m *RunMarker) Write(info *RunMarkerInfo) error {
	if m.Exists() {
		existing, err := m.Read()
		if err != nil {
			return fmt.Errorf("marker file exists but cannot be read: %w", err)
		}
		return fmt.Errorf("an unfinished migration started at %s (PID: %d) is recorded",
			existing.StartTime, existing.PID)
	}

	if err := m.fs.MkdirAll(filepath.Dir(m.markerPath), 0755); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal marker: %w", err)
	}

	if err := afero.WriteFile(m.fs, m.markerPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write marker file: %w", err)
	}
	return nil
}

// Clear 删除标记
func (m *RunMarker) Clear() error {
	if err := m.fs.Remove(m.markerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove marker file: %w", err)
	}
	return nil
}

// Exists 标记是否存在
func (m *RunMarker) Exists() bool {
	ok, err := afero.Exists(m.fs, m.markerPath)
	return err == nil && ok
}

// Read 读取标记内容
func (m *RunMarker) Read() (*RunMarkerInfo, error) {
	data, err := afero.ReadFile(m.fs, m.markerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read marker file: %w", err)
	}

	var info RunMarkerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal marker: %w", err)
	}
	return &info, nil
}

// NewRunMarkerInfo 根据备份创建标记内容
func NewRunMarkerInfo(artifact *BackupArtifact, fromVersion, targetVersion uint, now time.Time) *RunMarkerInfo {
	return &RunMarkerInfo{
		RunID:         uuid.Must(uuid.NewV4()).String(),
		DBPath:        artifact.SourcePath,
		BackupPath:    artifact.BackupPath,
		BackupFiles:   artifact.Files,
		EmptyBackup:   artifact.Empty,
		StartTime:     now.Format(time.RFC3339),
		FromVersion:   fromVersion,
		TargetVersion: targetVersion,
		PID:           os.Getpid(),
	}
}
