package migration

import (
	"errors"
	"fmt"
)

var (
	// ErrQueryFailed 读取版本时数据库不可用或已损坏
	ErrQueryFailed = errors.New("schema version query failed")
	// ErrBackupFailed 迁移前无法创建备份
	ErrBackupFailed = errors.New("backup failed")
	// ErrStepFailed 迁移步骤失败
	ErrStepFailed = errors.New("migration step failed")
	// ErrRollbackFailed 回滚失败
	ErrRollbackFailed = errors.New("rollback failed")
	// ErrNoBackup 无备份可回滚
	ErrNoBackup = errors.New("no backup available for rollback")
	// ErrNewerSchema 数据库由更新版本的程序写入
	ErrNewerSchema = errors.New("database schema is newer than this build")
	// ErrIncompleteRun 上次迁移未正常结束且无法自动恢复
	ErrIncompleteRun = errors.New("incomplete migration detected")
	// ErrInsufficientSpace 磁盘剩余空间不足以创建备份
	ErrInsufficientSpace = errors.New("insufficient disk space for backup")
	// ErrResetFailed 删除数据库文件失败
	ErrResetFailed = errors.New("reset failed")
)

// StepError 某个迁移版本执行失败
type StepError struct {
	Version uint
	Name    string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("migration %d (%s) failed: %v", e.Version, e.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrStepFailed) 成立
func (e *StepError) Is(target error) bool { return target == ErrStepFailed }

// RestoreError 迁移失败后恢复备份也失败（双重故障）
// 备份文件会被保留，需要用户手动恢复
type RestoreError struct {
	BackupPath string
	Cause      error
	Err        error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("%v; restore from %s also failed: %v", e.Cause, e.BackupPath, e.Err)
}

// Unwrap 同时暴露根因和恢复错误
func (e *RestoreError) Unwrap() []error { return []error{e.Cause, e.Err} }

// Is 使 errors.Is(err, ErrRollbackFailed) 成立
func (e *RestoreError) Is(target error) bool { return target == ErrRollbackFailed }
